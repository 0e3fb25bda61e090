// Package metrics exposes Prometheus metrics for the orchestration core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus registry for the orchestrator service.
// All methods are nil-safe so components can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	handlerRetries  *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	dlqReplayed     *prometheus.CounterVec
	dlqDepth        *prometheus.GaugeVec
	streamPending   *prometheus.GaugeVec

	sagaOutcomes         *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	compensationFailures *prometheus.CounterVec

	breakerState   *prometheus.GaugeVec
	invokeDuration *prometheus.HistogramVec
	invokeErrors   *prometheus.CounterVec

	archiveQueueDepth prometheus.Gauge
	archivedTotal     prometheus.Counter
}

// New creates a metrics registry and registers orchestration metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Total number of events appended to the event store.",
	}, []string{"channel"})

	eventsDelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_delivered_total",
		Help: "Total number of events acknowledged by handlers.",
	}, []string{"channel", "handler"})

	handlerRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_handler_retries_total",
		Help: "Total number of handler redelivery attempts.",
	}, []string{"channel", "handler"})

	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_dead_letters_total",
		Help: "Total number of events moved to the dead letter queue.",
	}, []string{"channel", "handler"})

	dlqReplayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_dlq_replayed_total",
		Help: "Total number of dead letters replayed onto their channel.",
	}, []string{"channel"})

	dlqDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bus_dlq_depth",
		Help: "Current number of entries parked on the dead letter queue.",
	}, []string{"channel"})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bus_stream_pending",
		Help: "Number of unacknowledged entries per channel consumer group.",
	}, []string{"channel", "group"})

	sagaOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_total",
		Help: "Total number of saga executions by terminal status.",
	}, []string{"definition", "status"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Duration of saga step execution in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"definition", "step"})

	compensationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensation_failures_total",
		Help: "Total number of step compensations that failed and need remediation.",
	}, []string{"definition", "step"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adapter_breaker_state",
		Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open).",
	}, []string{"service"})

	invokeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adapter_invoke_duration_seconds",
		Help:    "Duration of external service invocations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	invokeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_invoke_errors_total",
		Help: "Total number of failed external service invocations.",
	}, []string{"service", "code"})

	archiveQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "archive_queue_depth",
		Help: "Current number of executions waiting on the archive insert queue.",
	})

	archivedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_executions_total",
		Help: "Total number of saga executions written to the archive.",
	})

	registry.MustRegister(
		eventsPublished, eventsDelivered, handlerRetries, deadLetters,
		dlqReplayed, dlqDepth, streamPending,
		sagaOutcomes, stepDuration, compensationFailures,
		breakerState, invokeDuration, invokeErrors,
		archiveQueueDepth, archivedTotal,
	)

	return &Metrics{
		registry:             registry,
		eventsPublished:      eventsPublished,
		eventsDelivered:      eventsDelivered,
		handlerRetries:       handlerRetries,
		deadLetters:          deadLetters,
		dlqReplayed:          dlqReplayed,
		dlqDepth:             dlqDepth,
		streamPending:        streamPending,
		sagaOutcomes:         sagaOutcomes,
		stepDuration:         stepDuration,
		compensationFailures: compensationFailures,
		breakerState:         breakerState,
		invokeDuration:       invokeDuration,
		invokeErrors:         invokeErrors,
		archiveQueueDepth:    archiveQueueDepth,
		archivedTotal:        archivedTotal,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEventPublished(channel string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncEventDelivered(channel, handler string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(channel, handler).Inc()
}

func (m *Metrics) IncHandlerRetry(channel, handler string) {
	if m == nil {
		return
	}
	m.handlerRetries.WithLabelValues(channel, handler).Inc()
}

func (m *Metrics) IncDeadLetter(channel, handler string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(channel, handler).Inc()
}

func (m *Metrics) IncDLQReplayed(channel string) {
	if m == nil {
		return
	}
	m.dlqReplayed.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetDLQDepth(channel string, depth int64) {
	if m == nil {
		return
	}
	m.dlqDepth.WithLabelValues(channel).Set(float64(depth))
}

func (m *Metrics) SetStreamPending(channel, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(channel, group).Set(float64(pending))
}

func (m *Metrics) IncSagaOutcome(definition, status string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(definition, status).Inc()
}

func (m *Metrics) ObserveStepDuration(definition, step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(definition, step).Observe(d.Seconds())
}

func (m *Metrics) IncCompensationFailure(definition, step string) {
	if m == nil {
		return
	}
	m.compensationFailures.WithLabelValues(definition, step).Inc()
}

// SetBreakerState records breaker state as 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) ObserveInvokeDuration(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.invokeDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) IncInvokeError(service, code string) {
	if m == nil {
		return
	}
	m.invokeErrors.WithLabelValues(service, code).Inc()
}

func (m *Metrics) SetArchiveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.archiveQueueDepth.Set(float64(depth))
}

func (m *Metrics) IncArchived() {
	if m == nil {
		return
	}
	m.archivedTotal.Inc()
}
