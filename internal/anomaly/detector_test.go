package anomaly

import (
	"testing"

	"github.com/marcus-qen/watchpost/internal/monitor"
	"github.com/marcus-qen/watchpost/internal/stats"
)

func baseline(t *testing.T, durations []float64) stats.Welford {
	t.Helper()
	var w stats.Welford
	for _, d := range durations {
		w.Observe(d)
	}
	w.Median = stats.Median(durations)
	return w
}

// steadyBaseline yields mean=1000 and population stddev=100 over 10 samples.
func steadyBaseline(t *testing.T) stats.Welford {
	t.Helper()
	return baseline(t, []float64{900, 1100, 900, 1100, 900, 1100, 900, 1100, 900, 1100})
}

func TestEvaluateDuration_InsufficientBaseline(t *testing.T) {
	w := baseline(t, []float64{1000, 1000, 1000}) // count < 10

	for _, x := range []float64{1, 1000, 1e9} {
		v := EvaluateDuration(w, monitor.DefaultThresholds(), x)
		if v.Classification != InsufficientBaseline {
			t.Fatalf("duration %v: classification = %s, want INSUFFICIENT_BASELINE", x, v.Classification)
		}
		if v.Anomalous() {
			t.Fatalf("duration %v flagged anomalous without a baseline", x)
		}
	}
}

func TestEvaluateDuration_ZScoreThreshold(t *testing.T) {
	w := steadyBaseline(t)
	th := monitor.Thresholds{ZScore: 3.0, MedianMultiplier: 1.5}

	// z = 2.0: within tolerance.
	v := EvaluateDuration(w, th, 1200)
	if v.Classification != Normal {
		t.Fatalf("1200ms: classification = %s (%s), want NORMAL", v.Classification, v.Reason)
	}

	// z = 3.5: anomalous.
	v = EvaluateDuration(w, th, 1350)
	if !v.Anomalous() {
		t.Fatalf("1350ms: classification = %s, want ANOMALOUS", v.Classification)
	}
	if !v.ZExceeded {
		t.Fatal("1350ms: expected the z-score rule to fire")
	}
}

func TestEvaluateDuration_SeverityRanking(t *testing.T) {
	w := steadyBaseline(t) // mean 1000, stddev 100, median 1000
	th := monitor.Thresholds{ZScore: 3.0, MedianMultiplier: 1.5}

	// 1350ms: z fires (3.5 > 3.0) but median does not (< 1500).
	v := EvaluateDuration(w, th, 1350)
	if v.Severity != SeverityWarning {
		t.Fatalf("single rule: severity = %s, want warning", v.Severity)
	}

	// 1600ms: z fires (6.0) and median fires (> 1500).
	v = EvaluateDuration(w, th, 1600)
	if v.Severity != SeverityCritical {
		t.Fatalf("both rules: severity = %s, want critical", v.Severity)
	}
	if !v.ZExceeded || !v.MedianExceeded {
		t.Fatalf("both rules expected to fire, got z=%v median=%v", v.ZExceeded, v.MedianExceeded)
	}
}

func TestEvaluateDuration_MedianRuleCatchesSkew(t *testing.T) {
	// Tight cluster: stddev is tiny, so the z rule alone would miss a
	// modest multiplier breach.
	samples := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	w := baseline(t, samples)
	th := monitor.Thresholds{ZScore: 1e12, MedianMultiplier: 1.5} // z rule effectively disabled

	v := EvaluateDuration(w, th, 200)
	if !v.Anomalous() || !v.MedianExceeded {
		t.Fatalf("200ms vs median 100: classification = %s, medianExceeded = %v", v.Classification, v.MedianExceeded)
	}
}

func TestEvaluateDuration_FlatDistribution(t *testing.T) {
	// Identical samples: stddev is zero, z rule cannot fire, and a value
	// equal to the median stays normal.
	w := baseline(t, []float64{500, 500, 500, 500, 500, 500, 500, 500, 500, 500})

	v := EvaluateDuration(w, monitor.DefaultThresholds(), 500)
	if v.Classification != Normal {
		t.Fatalf("flat baseline: classification = %s, want NORMAL", v.Classification)
	}
}

func TestEvaluateOutputSize(t *testing.T) {
	history := []int64{1000, 1200, 800, 1000}

	// 900B against a 1000B average with a 0.7 drop fraction: fine.
	v, ok := EvaluateOutputSize(history, 900, 0.7)
	if !ok || v.Classification != Normal {
		t.Fatalf("900B: ok=%v classification=%s, want normal", ok, v.Classification)
	}

	// 200B is below 30% of the trailing average: regression.
	v, ok = EvaluateOutputSize(history, 200, 0.7)
	if !ok || !v.Anomalous() {
		t.Fatalf("200B: ok=%v classification=%s, want anomalous", ok, v.Classification)
	}

	// Too little history: check skipped.
	_, ok = EvaluateOutputSize([]int64{1000, 900}, 10, 0.7)
	if ok {
		t.Fatal("two samples of history must not run the check")
	}
}
