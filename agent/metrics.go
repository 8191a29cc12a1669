package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics live on their own registry so several agents can coexist in one
// test binary.
type Metrics struct {
	Registry *prometheus.Registry

	Ticks         prometheus.Counter
	Exports       prometheus.Counter
	Uploads       *prometheus.CounterVec
	Reallocations *prometheus.CounterVec
	ProbeFailures *prometheus.CounterVec
	NodeHealth    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_ticks_total",
			Help: "Number of completed collector ticks",
		}),
		Exports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_exports_total",
			Help: "Number of snapshot exports handed to the uploader",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_uploads_total",
			Help: "Upload attempts by result",
		}, []string{"result"}),
		Reallocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_reallocations_total",
			Help: "Reallocation requests by reason",
		}, []string{"reason"}),
		ProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_probe_failures_total",
			Help: "Failed probe calls by probe",
		}, []string{"probe"}),
		NodeHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_node_health",
			Help: "1 for the current node health state, 0 otherwise",
		}, []string{"state"}),
	}

	m.Registry.MustRegister(
		m.Ticks,
		m.Exports,
		m.Uploads,
		m.Reallocations,
		m.ProbeFailures,
		m.NodeHealth,
	)
	return m
}

// WatchQueue exports the queue length as a gauge.
func (m *Metrics) WatchQueue(q *Queue) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agent_upload_queue_length",
		Help: "Jobs waiting for the uploader",
	}, func() float64 {
		return float64(q.Len())
	}))
}
