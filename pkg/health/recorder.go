// Package health aggregates component health metrics over a sliding
// window and evaluates them against configured thresholds. Breaches
// feed the migration coordinator's automated rollback.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/srediag/component-runtime/api"
)

// Well-known metric names. Callers may report arbitrary metrics; only
// those with a configured threshold participate in breach evaluation.
const (
	// MetricFailureRate is reported per operation as 1 (failed) or 0
	// (succeeded); the windowed mean is the failure rate.
	MetricFailureRate = "failure_rate"

	// MetricLatencyDegradation is the caller-computed ratio of current
	// latency over baseline, minus one (0.5 = 50% slower).
	MetricLatencyDegradation = "latency_degradation"

	// MetricSnapshotFailure is reported by the snapshot write path
	// when a save exhausts its retry budget.
	MetricSnapshotFailure = "snapshot_failure"
)

// Threshold breaches when the windowed mean of a metric exceeds Max
// with at least MinSamples observations in the window.
type Threshold struct {
	Max        float64
	MinSamples int
}

// Config holds recorder parameters.
type Config struct {
	// Window is the sliding aggregation window.
	Window time.Duration

	// Thresholds maps metric names to breach conditions.
	Thresholds map[string]Threshold

	Logger zerolog.Logger
}

// DefaultConfig returns the documented defaults: a one-minute window,
// 15% failure rate over at least 20 samples, 50% latency degradation
// over at least 10 samples, and any snapshot failure observed at least
// 3 times.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Thresholds: map[string]Threshold{
			MetricFailureRate:        {Max: 0.15, MinSamples: 20},
			MetricLatencyDegradation: {Max: 0.5, MinSamples: 10},
			MetricSnapshotFailure:    {Max: 0, MinSamples: 3},
		},
		Logger: zerolog.Nop(),
	}
}

// VerifyConfig validates cfg.
func VerifyConfig(cfg Config) error {
	if cfg.Window <= 0 {
		return fmt.Errorf("health: Window must be positive, got %v", cfg.Window)
	}
	for name, th := range cfg.Thresholds {
		if th.MinSamples < 1 {
			return fmt.Errorf("health: threshold %q: MinSamples must be >= 1", name)
		}
	}
	return nil
}

// Breach is one threshold violation found by Evaluate.
type Breach struct {
	ComponentID string
	Metric      string
	Mean        float64
	Max         float64
	Samples     int
}

type sample struct {
	value float64
	at    time.Time
}

type seriesKey struct {
	component string
	metric    string
}

// Recorder is the HealthSink implementation. Safe for concurrent use.
type Recorder struct {
	cfg Config
	log zerolog.Logger
	reg prometheus.Registerer

	mu     sync.Mutex
	series map[seriesKey][]sample

	reported *prometheus.GaugeVec
	breaches *prometheus.CounterVec
}

var _ api.HealthSink = (*Recorder)(nil)

// NewRecorder builds a recorder, registering its collectors on reg
// when reg is non-nil.
func NewRecorder(cfg Config, reg prometheus.Registerer) (*Recorder, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	r := &Recorder{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("subsystem", "health").Logger(),
		reg:    reg,
		series: make(map[seriesKey][]sample),
		reported: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runtime", Subsystem: "health",
			Name: "metric_value",
			Help: "Last reported value per component and metric.",
		}, []string{"component", "metric"}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "health",
			Name: "threshold_breaches_total",
			Help: "Threshold breaches found by evaluation passes.",
		}, []string{"metric"}),
	}
	if reg != nil {
		reg.MustRegister(r.reported, r.breaches)
	}
	return r, nil
}

// Unregister removes the collectors from the registry they were
// registered on, freeing the names for a replacement recorder.
func (r *Recorder) Unregister() {
	if r.reg == nil {
		return
	}
	r.reg.Unregister(r.reported)
	r.reg.Unregister(r.breaches)
}

// Report records one observation.
func (r *Recorder) Report(componentID, metric string, value float64) {
	now := time.Now()
	key := seriesKey{component: componentID, metric: metric}
	r.mu.Lock()
	r.series[key] = trim(append(r.series[key], sample{value: value, at: now}), now.Add(-r.cfg.Window))
	r.mu.Unlock()
	r.reported.WithLabelValues(componentID, metric).Set(value)
}

// Drop forgets all series for a component. Called on destroy so a dead
// component's stale window never triggers a rollback.
func (r *Recorder) Drop(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.series {
		if key.component == componentID {
			delete(r.series, key)
		}
	}
}

// Evaluate trims every series to the window and returns all current
// threshold breaches.
func (r *Recorder) Evaluate(now time.Time) []Breach {
	cutoff := now.Add(-r.cfg.Window)
	var out []Breach

	r.mu.Lock()
	for key, samples := range r.series {
		samples = trim(samples, cutoff)
		if len(samples) == 0 {
			delete(r.series, key)
			continue
		}
		r.series[key] = samples

		th, ok := r.cfg.Thresholds[key.metric]
		if !ok || len(samples) < th.MinSamples {
			continue
		}
		var sum float64
		for _, s := range samples {
			sum += s.value
		}
		mean := sum / float64(len(samples))
		if mean > th.Max {
			out = append(out, Breach{
				ComponentID: key.component,
				Metric:      key.metric,
				Mean:        mean,
				Max:         th.Max,
				Samples:     len(samples),
			})
		}
	}
	r.mu.Unlock()

	for _, b := range out {
		r.breaches.WithLabelValues(b.Metric).Inc()
		r.log.Warn().
			Str("component", b.ComponentID).
			Str("metric", b.Metric).
			Float64("mean", b.Mean).
			Float64("threshold", b.Max).
			Int("samples", b.Samples).
			Msg("health threshold breached")
	}
	return out
}

// trim drops samples older than cutoff. Samples arrive in time order,
// so a prefix scan suffices.
func trim(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0:0], samples[i:]...)
}
