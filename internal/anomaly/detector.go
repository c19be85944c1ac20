// Package anomaly classifies run durations and captured-output sizes against
// a monitor's statistical baseline.
package anomaly

import (
	"fmt"
	"math"

	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/stats"
)

// Classification is the outcome of an anomaly check. InsufficientBaseline is
// a distinct non-anomalous result, not an error: callers skip incident work
// but still accept the ping.
type Classification string

const (
	InsufficientBaseline Classification = "INSUFFICIENT_BASELINE"
	Normal               Classification = "NORMAL"
	Anomalous            Classification = "ANOMALOUS"
	// Unknown means the accumulator itself was unusable. The run is still
	// recorded; the failure is logged upstream.
	Unknown Classification = "UNKNOWN"
)

// Severity ranks an anomalous verdict.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict describes one evaluation.
type Verdict struct {
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity,omitempty"`
	ZScore         float64        `json:"zScore"`
	ZExceeded      bool           `json:"zExceeded"`
	MedianExceeded bool           `json:"medianExceeded"`
	Reason         string         `json:"reason,omitempty"`
}

// Anomalous reports whether the verdict should open an incident.
func (v Verdict) Anomalous() bool {
	return v.Classification == Anomalous
}

// EvaluateDuration classifies a successful run duration. Two rules apply once
// the baseline holds enough observations:
//
//   - z-score: |x - mean| / stddev above the configured threshold
//   - median: x above median * multiplier, which catches skewed
//     distributions where the stddev is deceptively small
//
// One rule firing yields a warning; both together yield a critical.
func EvaluateDuration(w stats.Welford, th monitor.Thresholds, durationMs float64) Verdict {
	if !w.HasBaseline() {
		return Verdict{Classification: InsufficientBaseline}
	}

	if math.IsNaN(w.Mean) || math.IsNaN(w.M2) || w.M2 < 0 {
		return Verdict{
			Classification: Unknown,
			Reason:         "statistics accumulator is unusable",
		}
	}

	v := Verdict{Classification: Normal}

	if z, ok := w.ZScore(durationMs); ok {
		v.ZScore = z
		v.ZExceeded = math.Abs(z) > th.ZScore
	}
	if w.Median > 0 && durationMs > w.Median*th.MedianMultiplier {
		v.MedianExceeded = true
	}

	switch {
	case v.ZExceeded && v.MedianExceeded:
		v.Classification = Anomalous
		v.Severity = SeverityCritical
		v.Reason = fmt.Sprintf(
			"duration %.0fms is %.1f stddevs from mean %.0fms and above %.1fx median %.0fms",
			durationMs, v.ZScore, w.Mean, th.MedianMultiplier, w.Median,
		)
	case v.ZExceeded:
		v.Classification = Anomalous
		v.Severity = SeverityWarning
		v.Reason = fmt.Sprintf(
			"duration %.0fms is %.1f stddevs from mean %.0fms (threshold %.1f)",
			durationMs, v.ZScore, w.Mean, th.ZScore,
		)
	case v.MedianExceeded:
		v.Classification = Anomalous
		v.Severity = SeverityWarning
		v.Reason = fmt.Sprintf(
			"duration %.0fms exceeds %.1fx median %.0fms",
			durationMs, th.MedianMultiplier, w.Median,
		)
	}

	return v
}

// minOutputHistory is the fewest prior captures required before output-size
// regressions are evaluated.
const minOutputHistory = 3

// EvaluateOutputSize flags a captured-output regression: the new capture
// shrinking below (1 - dropFraction) of the trailing average size. history
// holds prior capture sizes, newest first, excluding the current one. The
// second return value reports whether the check ran at all.
func EvaluateOutputSize(history []int64, current int64, dropFraction float64) (Verdict, bool) {
	if len(history) < minOutputHistory || dropFraction <= 0 || dropFraction >= 1 {
		return Verdict{Classification: InsufficientBaseline}, false
	}

	var total int64
	for _, s := range history {
		total += s
	}
	avg := float64(total) / float64(len(history))
	if avg <= 0 {
		return Verdict{Classification: InsufficientBaseline}, false
	}

	floor := avg * (1 - dropFraction)
	if float64(current) < floor {
		return Verdict{
			Classification: Anomalous,
			Severity:       SeverityWarning,
			Reason: fmt.Sprintf(
				"output size %dB dropped below %.0f%% of trailing average %.0fB",
				current, (1-dropFraction)*100, avg,
			),
		}, true
	}

	return Verdict{Classification: Normal}, true
}
