package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cwbudde/crowdcalib/internal/campaign"
)

// Metrics exposes campaign progress to Prometheus. Each server owns its
// registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	evaluations *prometheus.CounterVec
	duration    prometheus.Histogram
	best        *prometheus.GaugeVec
	last        *prometheus.GaugeVec
	progress    *prometheus.GaugeVec
	interrupted *prometheus.CounterVec

	mu     sync.Mutex
	seen   map[string]int            // last iteration counted per campaign
	states map[string]campaign.State // last state per campaign
}

// NewMetrics registers the campaign collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcalib_evaluations_total",
			Help: "Simulator evaluations recorded by this process.",
		}, []string{"campaign_id"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdcalib_evaluation_duration_seconds",
			Help:    "Wall time of one evaluation, simulation included.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		best: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdcalib_best_objective",
			Help: "Best objective found so far.",
		}, []string{"campaign_id"}),
		last: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdcalib_last_objective",
			Help: "Objective of the most recent evaluation.",
		}, []string{"campaign_id"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdcalib_completed_evaluations",
			Help: "Completed evaluations including earlier sessions.",
		}, []string{"campaign_id"}),
		interrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdcalib_interruptions_total",
			Help: "Campaign runs that ended interrupted.",
		}, []string{"campaign_id"}),
		seen:   make(map[string]int),
		states: make(map[string]campaign.State),
	}
	m.registry.MustRegister(
		m.evaluations, m.duration, m.best, m.last, m.progress, m.interrupted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe updates the collectors from a published status. A status can be
// published more than once per evaluation, so evaluations are counted by
// iteration number and interruptions by state change.
func (m *Metrics) Observe(s campaign.Status) {
	id := s.CampaignID
	m.progress.WithLabelValues(id).Set(float64(s.Evaluations))
	if s.BestObjective != nil {
		m.best.WithLabelValues(id).Set(*s.BestObjective)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Last != nil && s.Last.Iteration > m.seen[id] {
		m.seen[id] = s.Last.Iteration
		m.evaluations.WithLabelValues(id).Inc()
		m.duration.Observe(s.Last.Duration.Seconds())
		m.last.WithLabelValues(id).Set(s.Last.Objective)
	}
	if s.State == campaign.StateInterrupted && m.states[id] == campaign.StateRunning {
		m.interrupted.WithLabelValues(id).Inc()
	}
	m.states[id] = s.State
}
