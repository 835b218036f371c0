package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, cfg Config) *Recorder {
	t.Helper()
	r, err := NewRecorder(cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return r
}

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig()))
	assert.Error(t, VerifyConfig(Config{Window: 0}))
	assert.Error(t, VerifyConfig(Config{
		Window:     time.Minute,
		Thresholds: map[string]Threshold{"x": {Max: 1, MinSamples: 0}},
	}))
}

func TestNoBreachBelowMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRecorder(t, cfg)

	// 19 hard failures: over the rate threshold but under MinSamples.
	for i := 0; i < 19; i++ {
		r.Report("comp-a", MetricFailureRate, 1)
	}
	assert.Empty(t, r.Evaluate(time.Now()))
}

func TestBreachOnWindowedMean(t *testing.T) {
	r := newTestRecorder(t, DefaultConfig())

	// 25 samples at a 20% failure rate: 5 failures, 20 successes.
	for i := 0; i < 25; i++ {
		v := 0.0
		if i%5 == 0 {
			v = 1.0
		}
		r.Report("comp-a", MetricFailureRate, v)
	}

	breaches := r.Evaluate(time.Now())
	require.Len(t, breaches, 1)
	b := breaches[0]
	assert.Equal(t, "comp-a", b.ComponentID)
	assert.Equal(t, MetricFailureRate, b.Metric)
	assert.InDelta(t, 0.2, b.Mean, 1e-9)
	assert.Equal(t, 25, b.Samples)
}

func TestHealthyRateStaysQuiet(t *testing.T) {
	r := newTestRecorder(t, DefaultConfig())
	for i := 0; i < 50; i++ {
		v := 0.0
		if i%10 == 0 { // 10% < the 15% threshold
			v = 1.0
		}
		r.Report("comp-a", MetricFailureRate, v)
	}
	assert.Empty(t, r.Evaluate(time.Now()))
}

func TestSnapshotFailureBreachesAtThreeSamples(t *testing.T) {
	r := newTestRecorder(t, DefaultConfig())

	r.Report("comp-a", MetricSnapshotFailure, 1)
	r.Report("comp-a", MetricSnapshotFailure, 1)
	assert.Empty(t, r.Evaluate(time.Now()))

	r.Report("comp-a", MetricSnapshotFailure, 1)
	breaches := r.Evaluate(time.Now())
	require.Len(t, breaches, 1)
	assert.Equal(t, MetricSnapshotFailure, breaches[0].Metric)
}

func TestWindowExpiryClearsSeries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 50 * time.Millisecond
	r := newTestRecorder(t, cfg)

	for i := 0; i < 3; i++ {
		r.Report("comp-a", MetricSnapshotFailure, 1)
	}
	require.Len(t, r.Evaluate(time.Now()), 1)

	// Once the samples age out of the window the breach clears.
	assert.Empty(t, r.Evaluate(time.Now().Add(time.Second)))
}

func TestUnthresholdedMetricIgnored(t *testing.T) {
	r := newTestRecorder(t, DefaultConfig())
	for i := 0; i < 100; i++ {
		r.Report("comp-a", "custom_gauge", 1e9)
	}
	assert.Empty(t, r.Evaluate(time.Now()))
}

func TestDropForgetsComponent(t *testing.T) {
	r := newTestRecorder(t, DefaultConfig())
	for i := 0; i < 3; i++ {
		r.Report("comp-a", MetricSnapshotFailure, 1)
		r.Report("comp-b", MetricSnapshotFailure, 1)
	}
	r.Drop("comp-a")

	breaches := r.Evaluate(time.Now())
	require.Len(t, breaches, 1)
	assert.Equal(t, "comp-b", breaches[0].ComponentID)
}

func TestNilRegistererIsAccepted(t *testing.T) {
	r, err := NewRecorder(DefaultConfig(), nil)
	require.NoError(t, err)
	r.Report("comp-a", MetricFailureRate, 0)
	assert.Empty(t, r.Evaluate(time.Now()))
}
