package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the bus's prometheus collectors. Collectors are
// always live; they are only attached to a registry when the caller
// supplies one, so multiple buses in one process (or test) never fight
// over registration.
type Metrics struct {
	reg           prometheus.Registerer
	published     prometheus.Counter
	delivered     prometheus.Counter
	dropped       prometheus.Counter
	skipped       prometheus.Counter
	handlerPanics prometheus.Counter
	laneDepth     *prometheus.GaugeVec
}

// NewMetrics builds the bus collectors, registering them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "events_published_total",
			Help: "Events accepted by Publish.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "events_delivered_total",
			Help: "Handler invocations that returned normally.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "events_dropped_total",
			Help: "Events published to a type with no subscribers.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "deliveries_skipped_total",
			Help: "Deliveries skipped because the owner was destroyed.",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "handler_panics_total",
			Help: "Handler invocations recovered at the dispatch boundary.",
		}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runtime", Subsystem: "bus",
			Name: "lane_depth",
			Help: "Undispatched events per event type.",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.delivered, m.dropped, m.skipped, m.handlerPanics, m.laneDepth)
	}
	return m
}

// Unregister removes the collectors from the registry they were
// registered on. Callers that abandon a bus mid-construction use this
// so a retry against the same registry does not collide.
func (m *Metrics) Unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{m.published, m.delivered, m.dropped, m.skipped, m.handlerPanics, m.laneDepth} {
		m.reg.Unregister(c)
	}
}

// Delivered reports the running count of successful handler
// invocations. Exposed for tests and status queries.
func (m *Metrics) Delivered() float64 { return counterValue(m.delivered) }

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
