package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics records the outcome of every gateway event and post-task run.
type WebhookMetrics struct {
	duration    *prometheus.HistogramVec
	handled     *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	failed      *prometheus.CounterVec
	taskOutcome *prometheus.CounterVec
}

// NewWebhookMetrics registers the pipeline metrics on the provided registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_event_duration_seconds",
		Help:    "Duration of gateway event handling in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_handled",
		Help: "Gateway events handled successfully.",
	}, []string{"event_type"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_skipped",
		Help: "Gateway events acknowledged without a handler.",
	}, []string{"event_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_failed",
		Help: "Gateway events whose handler returned an error.",
	}, []string{"event_type"})
	taskOutcome := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_post_tasks",
		Help: "Post-task executions by kind and outcome.",
	}, []string{"kind", "outcome"})
	reg.MustRegister(duration, handled, skipped, failed, taskOutcome)
	return &WebhookMetrics{
		duration:    duration,
		handled:     handled,
		skipped:     skipped,
		failed:      failed,
		taskOutcome: taskOutcome,
	}
}

// ObserveDuration records handling time for the event type.
func (m *WebhookMetrics) ObserveDuration(eventType string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(eventType)).Observe(duration.Seconds())
}

// IncHandled counts a successfully handled event.
func (m *WebhookMetrics) IncHandled(eventType string) {
	if m == nil || m.handled == nil {
		return
	}
	m.handled.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncSkipped counts an acknowledged-but-unsupported event.
func (m *WebhookMetrics) IncSkipped(eventType string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncFailed counts a handler failure (the gateway will redeliver).
func (m *WebhookMetrics) IncFailed(eventType string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncTask counts a post-task outcome ("success" or "failure").
func (m *WebhookMetrics) IncTask(kind, outcome string) {
	if m == nil || m.taskOutcome == nil {
		return
	}
	m.taskOutcome.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
