package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "runway"
)

// Metrics holds all Prometheus metrics for the webhook and scale-up binaries
type Metrics struct {
	// Webhook metrics
	WebhookEvents   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Queue metrics
	QueueMessages *prometheus.CounterVec

	// Scaling metrics
	ScaleUpDecisions  *prometheus.CounterVec
	ScaleUpDuration   prometheus.Histogram
	RunnersCurrent    *prometheus.GaugeVec
	RunnersLaunched   *prometheus.CounterVec
	CapacityExhausted *prometheus.CounterVec
	LaunchAttempts    *prometheus.CounterVec

	// GitHub API metrics
	GitHubAPIRequests *prometheus.CounterVec
	GitHubAPIDuration prometheus.Histogram

	// Provider metrics
	ProviderOperations *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec

	// System metrics
	Info *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of webhook deliveries by event and verdict",
			},
			[]string{"event", "verdict"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_duration_seconds",
				Help:      "Duration of webhook handling",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"verdict"},
		),

		QueueMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_total",
				Help:      "Total number of dispatch queue operations",
			},
			[]string{"operation", "status"},
		),

		ScaleUpDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_decisions_total",
				Help:      "Total number of scale-up decisions by reason",
			},
			[]string{"reason"},
		),
		ScaleUpDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_up_duration_seconds",
				Help:      "Duration of scale-up evaluations",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		RunnersCurrent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners_current",
				Help:      "Runners observed for a scope at the last decision",
			},
			[]string{"type", "owner"},
		),
		RunnersLaunched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runners_launched_total",
				Help:      "Total number of runners launched",
			},
			[]string{"type"},
		),
		CapacityExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_exhausted_total",
				Help:      "Total number of jobs that found the fleet at its maximum",
			},
			[]string{"type"},
		),
		LaunchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_attempts_total",
				Help:      "Total number of launch template attempts",
			},
			[]string{"template", "status"},
		),

		GitHubAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_requests_total",
				Help:      "Total number of GitHub API requests",
			},
			[]string{"endpoint", "status"},
		),
		GitHubAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "github_api_duration_seconds",
				Help:      "Duration of GitHub API requests",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ProviderOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_operations_total",
				Help:      "Total number of provider operations",
			},
			[]string{"provider", "operation", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_operation_duration_seconds",
				Help:      "Duration of provider operations",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "operation"},
		),

		Info: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the running binary",
			},
			[]string{"version", "component", "provider"},
		),
	}

	return m
}
