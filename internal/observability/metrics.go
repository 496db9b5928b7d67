package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the controller.
type Metrics struct {
	heartbeats *prometheus.CounterVec
	probes     *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	sweeps     *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	heartbeats := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testpark_heartbeats_total",
		Help: "Total pushed heartbeats by result.",
	}, []string{"result"})
	probes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testpark_probes_total",
		Help: "Total controller-initiated heartbeat probes by result.",
	}, []string{"result"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testpark_dispatches_total",
		Help: "Total dispatcher operations by operation and result.",
	}, []string{"operation", "result"})
	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testpark_sweeps_total",
		Help: "Total entities touched by background sweeps, by kind.",
	}, []string{"kind"})

	heartbeats = registerCounterVec(registerer, heartbeats)
	probes = registerCounterVec(registerer, probes)
	dispatches = registerCounterVec(registerer, dispatches)
	sweeps = registerCounterVec(registerer, sweeps)

	return &Metrics{
		heartbeats: heartbeats,
		probes:     probes,
		dispatches: dispatches,
		sweeps:     sweeps,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncHeartbeat(result string) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProbe(result string) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDispatch(operation, result string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) AddSweep(kind string, count int) {
	if m == nil || m.sweeps == nil || count <= 0 {
		return
	}
	m.sweeps.WithLabelValues(kind).Add(float64(count))
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
