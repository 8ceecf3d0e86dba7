// ABOUTME: Prometheus collectors for lane occupancy, queue depth and job outcomes
// ABOUTME: Registered on a caller-supplied registerer so tests can use a private registry

package lanes

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the lane collectors.
type Metrics struct {
	active *prometheus.GaugeVec
	queued *prometheus.GaugeVec
	jobs   *prometheus.CounterVec
	wait   *prometheus.HistogramVec
}

// NewMetrics creates the lane collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "active",
			Help:      "Jobs currently executing in the lane.",
		}, []string{"lane"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "queued",
			Help:      "Jobs waiting for a slot in the lane.",
		}, []string{"lane"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "jobs_total",
			Help:      "Jobs finished in the lane, by result.",
		}, []string{"lane", "result"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "wait_seconds",
			Help:      "Time jobs spent queued before starting.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15, 60},
		}, []string{"lane"}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.queued, m.jobs, m.wait)
	}
	return m
}

func (m *Metrics) observe(lane string, active, queued int) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(lane).Set(float64(active))
	m.queued.WithLabelValues(lane).Set(float64(queued))
}

func (m *Metrics) started(lane string, waitedSeconds float64) {
	if m == nil {
		return
	}
	m.wait.WithLabelValues(lane).Observe(waitedSeconds)
}

func (m *Metrics) finished(lane, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(lane, result).Inc()
}
