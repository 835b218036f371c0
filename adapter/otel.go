package adapter

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/component-runtime/pkg/runtime"
)

const instrumentationName = "github.com/srediag/component-runtime"

// Instrument installs an OpenTelemetry meter and tracer on a runtime
// config. Pass nil for either provider to leave that signal off; the
// runtime treats missing instrumentation as a no-op.
func Instrument(cfg *runtime.Config, mp metric.MeterProvider, tp trace.TracerProvider) {
	if mp != nil {
		cfg.Meter = mp.Meter(instrumentationName)
	}
	if tp != nil {
		cfg.Tracer = tp.Tracer(instrumentationName)
	}
}
