// Package stats implements running duration statistics using Welford's
// online algorithm. Each monitor carries one accumulator; updates are O(1)
// in time and space regardless of how many runs have been observed.
package stats

import "math"

// MinBaselineCount is the number of samples required before the
// accumulator is considered a usable baseline for anomaly detection.
const MinBaselineCount = 10

// Welford is the persisted accumulator state for one monitor.
// The zero value is an empty accumulator.
type Welford struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	M2     float64 `json:"m2"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Observe folds a new sample into the accumulator.
func (w *Welford) Observe(x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := x - w.Mean
	w.M2 += delta * delta2

	if w.Count == 1 {
		w.Min = x
		w.Max = x
		return
	}
	if x < w.Min {
		w.Min = x
	}
	if x > w.Max {
		w.Max = x
	}
}

// Variance returns the population variance (M2/count), or 0 with fewer
// than two samples.
func (w Welford) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count)
}

// Stddev returns the population standard deviation.
func (w Welford) Stddev() float64 {
	return math.Sqrt(w.Variance())
}

// HasBaseline reports whether enough samples have been observed for the
// accumulator to serve as an anomaly baseline.
func (w Welford) HasBaseline() bool {
	return w.Count >= MinBaselineCount
}

// ZScore returns how many standard deviations x lies from the mean, and
// false when the deviation is zero (all samples identical) or there is no
// baseline to measure against.
func (w Welford) ZScore(x float64) (float64, bool) {
	sd := w.Stddev()
	if sd == 0 || math.IsNaN(sd) {
		return 0, false
	}
	return (x - w.Mean) / sd, true
}

// Median computes the median of values. The input is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sortFloats(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func sortFloats(v []float64) {
	// insertion sort; median inputs are capped at the recent-run window
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
