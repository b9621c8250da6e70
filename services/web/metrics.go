package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for link requests and registrations.
type Metrics struct {
	LinkRequests  *prometheus.CounterVec
	Registrations *prometheus.CounterVec
	Provisioning  *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LinkRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regserv_link_requests_total",
			Help: "Registration link requests by result",
		}, []string{"result"}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regserv_registrations_total",
			Help: "Registration submissions by result",
		}, []string{"result"}),
		Provisioning: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regserv_provisioning_duration_seconds",
			Help:    "Time spent in account provisioning collaborators",
			Buckets: prometheus.DefBuckets,
		}, []string{"collaborator", "result"}),
	}
}
