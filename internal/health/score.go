// Package health computes read-only reliability scores over persisted run
// and incident history. It performs no writes.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/stats"
)

// Weights blend the three sub-scores into the 0-100 total.
type Weights struct {
	Uptime      float64 `json:"uptime"`
	SuccessRate float64 `json:"success_rate"`
	Consistency float64 `json:"consistency"`
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{Uptime: 0.4, SuccessRate: 0.3, Consistency: 0.3}
}

// Grade bands are fixed policy constants.
func GradeFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Report is one monitor's health over a trailing window.
type Report struct {
	MonitorID   string    `json:"monitor_id"`
	WindowDays  int       `json:"window_days"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Score       float64   `json:"score"`
	Grade       string    `json:"grade"`
	UptimePct   float64   `json:"uptime_pct"`
	SuccessPct  float64   `json:"success_pct"`
	Consistency float64   `json:"consistency_pct"`

	TotalRuns  int `json:"total_runs"`
	Successes  int `json:"successes"`
	Failures   int `json:"failures"`
	Missed     int `json:"missed"`
	Late       int `json:"late"`
	Incidents  int `json:"incidents"`

	// MTBF/MTTR are in seconds; zero when there is not enough incident
	// history to compute them.
	MTBFSeconds float64 `json:"mtbf_seconds"`
	MTTRSeconds float64 `json:"mttr_seconds"`
}

// RunSource supplies run history tallies.
type RunSource interface {
	Get(ctx context.Context, id string) (monitor.Monitor, error)
	OutcomeCounts(ctx context.Context, monitorID string, from, to time.Time) (map[monitor.Outcome]int, error)
}

// IncidentSource supplies incident history.
type IncidentSource interface {
	OpenedBetween(ctx context.Context, monitorID string, from, to time.Time) ([]time.Time, error)
	ResolvedDurations(ctx context.Context, monitorID string, from, to time.Time) ([]time.Duration, error)
}

// Scorer aggregates run and incident history into reports.
type Scorer struct {
	runs      RunSource
	incidents IncidentSource
	weights   Weights
}

// NewScorer builds a scorer; zero-valued weights fall back to the defaults.
func NewScorer(runs RunSource, incidents IncidentSource, w Weights) *Scorer {
	if w.Uptime <= 0 && w.SuccessRate <= 0 && w.Consistency <= 0 {
		w = DefaultWeights()
	}
	return &Scorer{runs: runs, incidents: incidents, weights: w}
}

// Score computes the report for one monitor over the trailing windowDays.
func (sc *Scorer) Score(ctx context.Context, monitorID string, windowDays int) (Report, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -windowDays)

	m, err := sc.runs.Get(ctx, monitorID)
	if err != nil {
		return Report{}, err
	}

	counts, err := sc.runs.OutcomeCounts(ctx, monitorID, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("tally runs: %w", err)
	}

	openings, err := sc.incidents.OpenedBetween(ctx, monitorID, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("load incident openings: %w", err)
	}
	repairs, err := sc.incidents.ResolvedDurations(ctx, monitorID, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("load repair times: %w", err)
	}

	r := Report{
		MonitorID:  monitorID,
		WindowDays: windowDays,
		From:       from,
		To:         to,
		Successes:  counts[monitor.OutcomeSuccess],
		Failures:   counts[monitor.OutcomeFail],
		Missed:     counts[monitor.OutcomeMissed],
		Late:       counts[monitor.OutcomeLate],
		Incidents:  len(openings),
	}
	r.TotalRuns = r.Successes + r.Failures + r.Missed + r.Late

	r.UptimePct = uptimePct(r)
	r.SuccessPct = successPct(r)
	r.Consistency = consistencyPct(m.Stats)

	score := sc.weights.Uptime*r.UptimePct +
		sc.weights.SuccessRate*r.SuccessPct +
		sc.weights.Consistency*r.Consistency
	r.Score = clamp(math.Round(score*10)/10, 0, 100)
	r.Grade = GradeFor(r.Score)

	r.MTBFSeconds = mtbfSeconds(openings)
	r.MTTRSeconds = mttrSeconds(repairs)

	return r, nil
}

// uptimePct is the share of expected runs that actually reported in:
// everything except MISSED counts as "the job showed up".
func uptimePct(r Report) float64 {
	if r.TotalRuns == 0 {
		return 100
	}
	return 100 * float64(r.TotalRuns-r.Missed) / float64(r.TotalRuns)
}

// successPct is the share of completed runs that succeeded (LATE still
// succeeded, just behind schedule).
func successPct(r Report) float64 {
	completed := r.Successes + r.Late + r.Failures
	if completed == 0 {
		return 100
	}
	return 100 * float64(r.Successes+r.Late) / float64(completed)
}

// consistencyPct rewards stable durations: 100 minus the coefficient of
// variation expressed as a percentage, floored at zero.
func consistencyPct(w stats.Welford) float64 {
	if w.Count < 2 || w.Mean <= 0 {
		return 100
	}
	cv := w.Stddev() / w.Mean
	return clamp(100-cv*100, 0, 100)
}

// mtbfSeconds averages the gaps between consecutive incident openings.
func mtbfSeconds(openings []time.Time) float64 {
	if len(openings) < 2 {
		return 0
	}
	var total time.Duration
	for i := 1; i < len(openings); i++ {
		total += openings[i].Sub(openings[i-1])
	}
	return (total / time.Duration(len(openings)-1)).Seconds()
}

// mttrSeconds averages open-to-resolve durations.
func mttrSeconds(repairs []time.Duration) float64 {
	if len(repairs) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range repairs {
		total += d
	}
	return (total / time.Duration(len(repairs))).Seconds()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
