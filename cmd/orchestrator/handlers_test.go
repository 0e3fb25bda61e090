package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/adapter"
	"github.com/engagement/orchestration/internal/bus"
	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/eventstore"
	"github.com/engagement/orchestration/internal/saga"
	"github.com/engagement/orchestration/internal/workflow"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
	"github.com/engagement/orchestration/pkg/response"
)

const testInternalToken = "test-internal-token"

// stubTransport answers adapter operations from canned responses. Operation
// names are unique across the workflow services, so one stub backs them all.
type stubTransport struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	respond map[string]any
}

func (t *stubTransport) Do(ctx context.Context, operation string, body []byte) ([]byte, error) {
	t.mu.Lock()
	t.calls = append(t.calls, operation)
	t.mu.Unlock()

	if err, ok := t.fail[operation]; ok {
		return nil, err
	}
	if resp, ok := t.respond[operation]; ok {
		return json.Marshal(resp)
	}
	return []byte(`{}`), nil
}

func (t *stubTransport) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type testServer struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	stub  *stubTransport
	store *eventstore.MemoryStore
	api   *apiServer
	mux   *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logr := logger.New("orchestrator-test", io.Discard)
	registry := event.NewRegistry()
	event.RegisterBuiltins(registry)
	store := eventstore.NewMemoryStore()
	eventBus := bus.New(store, registry, logr, nil, bus.Options{Consumer: "test-1"})

	stub := &stubTransport{
		fail: map[string]error{},
		respond: map[string]any{
			"run-checks":           map[string]any{"passed": true},
			"generate-report":      map[string]any{"reportId": "rep-1", "pages": 4},
			"upload-report":        map[string]any{"url": "s3://reports/rep-1.pdf"},
			"post-closing-entries": map[string]any{"batchId": "batch-9", "entries": 12},
		},
	}
	gateway := adapter.New(logr, nil)
	services := []string{
		workflow.ServiceLedger,
		workflow.ServiceCompliance,
		workflow.ServiceReporting,
		workflow.ServiceStorage,
	}
	for _, name := range services {
		if err := gateway.Register(name, adapter.Endpoint{Transport: stub}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	definitions := saga.NewRegistry()
	if err := workflow.Register(definitions, workflow.Deps{
		Invoker: gateway,
		Redis:   rdb,
		LockTTL: time.Minute,
	}); err != nil {
		t.Fatalf("register workflows: %v", err)
	}

	orchestrator := saga.NewOrchestrator(definitions, saga.NewMemoryExecutionStore(), eventBus, logr, nil, saga.Options{
		StepTimeout:       time.Second,
		CompensateTimeout: time.Second,
	})
	workflows := workflow.NewService(orchestrator, eventBus, rdb, logr)

	api := &apiServer{
		log:           logr,
		bus:           eventBus,
		orchestrator:  orchestrator,
		workflows:     workflows,
		gateway:       gateway,
		internalToken: testInternalToken,
	}
	mux := http.NewServeMux()
	api.routes(mux)

	return &testServer{mr: mr, rdb: rdb, stub: stub, store: store, api: api, mux: mux}
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Internal-Token", testInternalToken)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestRequireInternalAuth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/breakers", nil)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/breakers", nil)
	req.Header.Set("X-Internal-Token", "wrong")
	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/breakers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestHandleEventsPublish(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", publishRequest{
		Channel: event.ChannelEngagementFinalized,
		Type:    event.TypeEngagementFinalized,
		Payload: json.RawMessage(`{"engagementId":"eng-1","clientId":"cl-7","period":"2025-Q4"}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["entryId"] == "" || resp["eventId"] == "" {
		t.Fatalf("expected entry and event IDs, got %v", resp)
	}

	n, err := ts.store.Len(context.Background(), event.ChannelEngagementFinalized)
	if err != nil {
		t.Fatalf("store len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stored event, got %d", n)
	}
}

func TestHandleEventsRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/events", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/events", publishRequest{
		Channel: "engagement.finalized",
		Type:    "not.registered",
		Payload: json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unregistered type, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/events", publishRequest{
		Channel: event.ChannelEngagementFinalized,
		Type:    event.TypeEngagementFinalized,
		Payload: json.RawMessage(`{"clientId":"cl-7"}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{"))
	req.Header.Set("X-Internal-Token", testInternalToken)
	raw := httptest.NewRecorder()
	ts.mux.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for truncated body, got %d", raw.Code)
	}
}

func TestHandleSagasExecute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/sagas", executeRequest{
		Definition: workflow.DefinitionFinalize,
		SagaID:     "saga-http-1",
		Input: map[string]any{
			workflow.KeyEngagementID: "eng-1",
			workflow.KeyClientID:     "cl-7",
			workflow.KeyPeriod:       "2025-Q4",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	decodeBody(t, rec, &resp)
	if resp.Execution == nil || resp.Execution.Status != saga.StatusCompleted {
		t.Fatalf("expected completed execution, got %+v", resp.Execution)
	}
	if got := resp.Execution.Ctx.GetString(workflow.KeyReportURL); got != "s3://reports/rep-1.pdf" {
		t.Fatalf("expected report URL in context, got %q", got)
	}
	if ts.mr.Exists("engagement:lock:eng-1") {
		t.Fatalf("expected engagement lock released after completion")
	}

	rec = ts.do(t, http.MethodGet, "/v1/sagas?id=saga-http-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup, got %d", rec.Code)
	}
	var exec saga.Execution
	decodeBody(t, rec, &exec)
	if exec.SagaID != "saga-http-1" || exec.Status != saga.StatusCompleted {
		t.Fatalf("unexpected lookup result: %+v", exec)
	}

	rec = ts.do(t, http.MethodPost, "/v1/sagas", executeRequest{
		Definition: workflow.DefinitionFinalize,
		SagaID:     "saga-http-1",
		Input:      map[string]any{workflow.KeyEngagementID: "eng-1", workflow.KeyPeriod: "2025-Q4"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate saga ID, got %d", rec.Code)
	}
}

func TestHandleSagasRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/sagas", executeRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without definition, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/sagas", executeRequest{Definition: "engagement.unknown"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown definition, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/sagas", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/sagas?id=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown saga, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/sagas", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for DELETE, got %d", rec.Code)
	}
}

func TestHandleSagasFailureReturnsTrace(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.fail["upload-report"] = apierrors.New(apierrors.CodeRemoteRejected, "storage quota exceeded")

	rec := ts.do(t, http.MethodPost, "/v1/sagas", executeRequest{
		Definition: workflow.DefinitionFinalize,
		SagaID:     "saga-fail-1",
		Input: map[string]any{
			workflow.KeyEngagementID: "eng-1",
			workflow.KeyPeriod:       "2025-Q4",
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp executeResponse
	decodeBody(t, rec, &resp)
	if resp.Error == nil || resp.Error.Code != apierrors.CodeStepExecution {
		t.Fatalf("expected step execution error, got %+v", resp.Error)
	}
	if resp.Execution == nil || resp.Execution.Status != saga.StatusFailed {
		t.Fatalf("expected failed execution in response, got %+v", resp.Execution)
	}

	calls := ts.stub.list()
	if len(calls) == 0 || calls[len(calls)-1] != "void-report" {
		t.Fatalf("expected compensation to run, calls: %v", calls)
	}
}

func TestHandleDeadLettersAndReplay(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	evt, err := event.New(event.ChannelEngagementFinalized, event.TypeEngagementFinalized, &event.EngagementFinalized{
		EngagementID: "eng-9",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	dlID, err := ts.store.AppendDeadLetter(ctx, &eventstore.DeadLetter{
		Channel:  event.ChannelEngagementFinalized,
		EventID:  evt.ID,
		Reason:   "handler exhausted",
		Attempts: 3,
		Event:    evt,
	})
	if err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/dlq?channel="+event.ChannelEngagementFinalized, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Channel     string                  `json:"channel"`
		DeadLetters []eventstore.DeadLetter `json:"deadLetters"`
	}
	decodeBody(t, rec, &listResp)
	if len(listResp.DeadLetters) != 1 || listResp.DeadLetters[0].ID != dlID {
		t.Fatalf("unexpected dead letter list: %+v", listResp)
	}

	rec = ts.do(t, http.MethodGet, "/v1/dlq", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without channel, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/dlq/replay", replayRequest{
		Channel: event.ChannelEngagementFinalized,
		ID:      dlID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", rec.Code, rec.Body.String())
	}
	var replayResp struct {
		Event *event.Event `json:"event"`
	}
	decodeBody(t, rec, &replayResp)
	if replayResp.Event == nil || replayResp.Event.ID != evt.ID {
		t.Fatalf("expected replayed event to keep its ID, got %+v", replayResp.Event)
	}

	n, err := ts.store.Len(ctx, event.ChannelEngagementFinalized)
	if err != nil {
		t.Fatalf("store len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected replayed event back on the channel, got %d entries", n)
	}
	dlqLen, err := ts.store.DLQLen(ctx, event.ChannelEngagementFinalized)
	if err != nil {
		t.Fatalf("dlq len: %v", err)
	}
	if dlqLen != 0 {
		t.Fatalf("expected empty DLQ after replay, got %d", dlqLen)
	}

	rec = ts.do(t, http.MethodPost, "/v1/dlq/replay", replayRequest{
		Channel: event.ChannelEngagementFinalized,
		ID:      dlID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 replaying a consumed dead letter, got %d", rec.Code)
	}
}

func TestHandleFinalizeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/engagements/finalize", workflow.FinalizeRequest{
		EngagementID: "eng-1",
		ClientID:     "cl-7",
		Period:       "2025-Q4",
		SagaID:       "saga-fin-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	decodeBody(t, rec, &resp)
	if resp.Execution == nil || resp.Execution.Status != saga.StatusCompleted {
		t.Fatalf("expected completed execution, got %+v", resp.Execution)
	}

	rec = ts.do(t, http.MethodPost, "/v1/engagements/finalize", workflow.FinalizeRequest{
		ClientID: "cl-7",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing engagement, got %d", rec.Code)
	}
}

func TestHandleCloseBooksEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/engagements/closeBooks", workflow.CloseBooksRequest{
		EngagementID: "eng-2",
		Period:       "2025-12",
		SagaID:       "saga-close-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	decodeBody(t, rec, &resp)
	if resp.Execution == nil || resp.Execution.Status != saga.StatusCompleted {
		t.Fatalf("expected completed execution, got %+v", resp.Execution)
	}

	calls := ts.stub.list()
	want := []string{"post-closing-entries", "freeze-period"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i, op := range want {
		if calls[i] != op {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
}

func TestHandleArchiveUnavailable(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/archive?definition=engagement.finalize", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
}

func TestHandleBreakers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/breakers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Services []breakerStatus `json:"services"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Services) != 4 {
		t.Fatalf("expected 4 services, got %+v", resp.Services)
	}
	for _, svc := range resp.Services {
		if svc.State != "closed" {
			t.Fatalf("expected closed breakers at boot, got %+v", resp.Services)
		}
	}
}

func TestHandleDefinitions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/definitions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Definitions []string `json:"definitions"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Definitions) != 2 {
		t.Fatalf("expected both workflow definitions, got %v", resp.Definitions)
	}
}

func TestMetricsAuthorized(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header func(r *http.Request)
		want   bool
	}{
		{name: "no token configured", token: "", header: func(r *http.Request) {}, want: true},
		{name: "header match", token: "secret", header: func(r *http.Request) {
			r.Header.Set("X-Metrics-Token", "secret")
		}, want: true},
		{name: "bearer match", token: "secret", header: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer secret")
		}, want: true},
		{name: "wrong header", token: "secret", header: func(r *http.Request) {
			r.Header.Set("X-Metrics-Token", "other")
		}, want: false},
		{name: "missing header", token: "secret", header: func(r *http.Request) {}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			tc.header(req)
			if got := metricsAuthorized(req, tc.token); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	handler := response.BodyLimitMiddleware(16, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dst map[string]any
		if !decodeJSON(w, r, &dst) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for small body, got %d", rec.Code)
	}
}
