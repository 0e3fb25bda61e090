package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestMetricsCountersAndGauges(t *testing.T) {
	m := New()

	m.IncEventPublished("engagement.finalized")
	m.IncEventDelivered("engagement.finalized", "notify")
	m.IncHandlerRetry("engagement.finalized", "notify")
	m.IncDeadLetter("engagement.finalized", "notify")
	m.SetDLQDepth("engagement.finalized", 3)
	m.IncSagaOutcome("engagement.finalize", "COMPLETED")
	m.ObserveStepDuration("engagement.finalize", "generate-report", 120*time.Millisecond)
	m.SetBreakerState("reporting", 2)
	m.IncInvokeError("reporting", "TRANSIENT")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	published := findMetric(t, families, "bus_events_published_total")
	if published == nil || len(published.GetMetric()) != 1 {
		t.Fatalf("expected bus_events_published_total metric")
	}
	if got := published.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected bus_events_published_total=1, got %v", got)
	}

	depth := findMetric(t, families, "bus_dlq_depth")
	if depth == nil || len(depth.GetMetric()) != 1 {
		t.Fatalf("expected bus_dlq_depth metric")
	}
	if got := depth.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("expected bus_dlq_depth=3, got %v", got)
	}

	breaker := findMetric(t, families, "adapter_breaker_state")
	if breaker == nil || len(breaker.GetMetric()) != 1 {
		t.Fatalf("expected adapter_breaker_state metric")
	}
	if got := breaker.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected adapter_breaker_state=2, got %v", got)
	}

	steps := findMetric(t, families, "saga_step_duration_seconds")
	if steps == nil || len(steps.GetMetric()) != 1 {
		t.Fatalf("expected saga_step_duration_seconds metric")
	}
	if got := steps.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected saga_step_duration_seconds count=1, got %v", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	m.IncEventPublished("c")
	m.IncEventDelivered("c", "h")
	m.IncHandlerRetry("c", "h")
	m.IncDeadLetter("c", "h")
	m.IncDLQReplayed("c")
	m.SetDLQDepth("c", 1)
	m.SetStreamPending("c", "g", 1)
	m.IncSagaOutcome("d", "FAILED")
	m.ObserveStepDuration("d", "s", time.Millisecond)
	m.IncCompensationFailure("d", "s")
	m.SetBreakerState("svc", 1)
	m.ObserveInvokeDuration("svc", time.Millisecond)
	m.IncInvokeError("svc", "TIMEOUT")
	m.SetArchiveQueueDepth(1)
	m.IncArchived()
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.IncEventPublished("engagement.finalized")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if body == "" || !strings.Contains(body, "bus_events_published_total") {
		t.Fatalf("expected metrics output to include bus_events_published_total")
	}
}
