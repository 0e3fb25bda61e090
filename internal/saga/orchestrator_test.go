package saga

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/engagement/orchestration/internal/event"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
)

// journal records step activity across goroutines in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func newStep(name string, j *journal, execErr, compErr error) Step {
	return FuncStep{
		StepName: name,
		ExecuteFunc: func(_ context.Context, _ *Context) error {
			j.add("exec:" + name)
			return execErr
		},
		CompensateFunc: func(_ context.Context, _ *Context) error {
			j.add("comp:" + name)
			return compErr
		},
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt *event.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt.Clone())
	return evt.ID, nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestOrchestrator(t *testing.T, defs *Registry, store ExecutionStore, pub Publisher) *Orchestrator {
	t.Helper()
	return NewOrchestrator(defs, store, pub, logger.New("saga-test", io.Discard), nil, Options{
		StepTimeout:       time.Second,
		CompensateTimeout: time.Second,
		PublishTimeout:    time.Second,
	})
}

func TestOrchestratorCompensatesInReverseOrder(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("finalize",
		newStep("lock", j, nil, nil),
		newStep("validate", j, nil, nil),
		newStep("render", j, nil, nil),
		newStep("upload", j, errors.New("object store rejected the report"), nil),
	))
	store := NewMemoryExecutionStore()
	orch := newTestOrchestrator(t, defs, store, nil)

	exec, err := orch.Execute(context.Background(), "finalize", "saga-1", map[string]any{"engagementId": "eng-1"})
	if err == nil {
		t.Fatal("expected execution error")
	}
	if !apierrors.HasCode(err, apierrors.CodeStepExecution) {
		t.Fatalf("expected STEP_EXECUTION, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
	if len(exec.Remediation) != 0 {
		t.Fatalf("expected no remediation, got %v", exec.Remediation)
	}

	want := []string{
		"exec:lock", "exec:validate", "exec:render", "exec:upload",
		"comp:render", "comp:validate", "comp:lock",
	}
	got := j.list()
	if !slices.Equal(got, want) {
		t.Fatalf("journal mismatch:\n got %v\nwant %v", got, want)
	}

	for i, wantStatus := range []StepStatus{StepCompensated, StepCompensated, StepCompensated, StepFailed} {
		if exec.Steps[i].Status != wantStatus {
			t.Fatalf("step %s: expected %s, got %s", exec.Steps[i].Name, wantStatus, exec.Steps[i].Status)
		}
	}
	if exec.Steps[3].Error == "" {
		t.Fatal("expected failed step to record its error")
	}

	stored, err := store.Get(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed || stored.Error == "" {
		t.Fatalf("stored execution mismatch: %+v", stored)
	}
	if stored.FinishedAt.IsZero() {
		t.Fatal("expected finishedAt to be stamped")
	}
}

func TestOrchestratorCompensationFailureKeepsSweeping(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("finalize",
		newStep("lock", j, nil, nil),
		newStep("validate", j, nil, errors.New("unlock rejected")),
		newStep("render", j, nil, nil),
		newStep("upload", j, errors.New("object store rejected the report"), nil),
	))
	store := NewMemoryExecutionStore()
	orch := newTestOrchestrator(t, defs, store, nil)

	exec, err := orch.Execute(context.Background(), "finalize", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeCompensation) {
		t.Fatalf("expected COMPENSATION, got %v", err)
	}
	if exec.Status != StatusCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %s", exec.Status)
	}
	if !slices.Equal(exec.Remediation, []string{"validate"}) {
		t.Fatalf("expected remediation [validate], got %v", exec.Remediation)
	}

	// the sweep reached lock despite validate's compensation failing
	want := []string{
		"exec:lock", "exec:validate", "exec:render", "exec:upload",
		"comp:render", "comp:validate", "comp:lock",
	}
	if got := j.list(); !slices.Equal(got, want) {
		t.Fatalf("journal mismatch:\n got %v\nwant %v", got, want)
	}
	if exec.Steps[1].Status != StepCompensationFailed {
		t.Fatalf("expected validate COMPENSATION_FAILED, got %s", exec.Steps[1].Status)
	}
	if exec.Steps[0].Status != StepCompensated {
		t.Fatalf("expected lock COMPENSATED, got %s", exec.Steps[0].Status)
	}
}

func TestOrchestratorZeroStepSagaCompletes(t *testing.T) {
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("noop"))
	pub := &capturePublisher{}
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), pub)

	exec, err := orch.Execute(context.Background(), "noop", "saga-1", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.Status)
	}
	if exec.FinishedAt.IsZero() {
		t.Fatal("expected finishedAt to be stamped")
	}
	if got := pub.types(); !slices.Equal(got, []string{event.TypeSagaStarted, event.TypeSagaCompleted}) {
		t.Fatalf("unexpected lifecycle events: %v", got)
	}
}

func TestOrchestratorLifecycleEvents(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("happy",
		newStep("one", j, nil, nil),
		newStep("two", j, nil, nil),
	))
	defs.MustRegister(NewDefinition("sad",
		newStep("first", j, nil, nil),
		newStep("second", j, errors.New("boom"), nil),
	))
	pub := &capturePublisher{}
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), pub)

	if _, err := orch.Execute(context.Background(), "happy", "saga-ok", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{
		event.TypeSagaStarted,
		event.TypeSagaStepCompleted,
		event.TypeSagaStepCompleted,
		event.TypeSagaCompleted,
	}
	if got := pub.types(); !slices.Equal(got, want) {
		t.Fatalf("lifecycle mismatch:\n got %v\nwant %v", got, want)
	}
	for _, evt := range pub.events {
		if evt.Channel != event.ChannelLifecycle {
			t.Fatalf("expected lifecycle channel, got %s", evt.Channel)
		}
		if evt.CorrelationID != "saga-ok" {
			t.Fatalf("expected saga ID correlation, got %s", evt.CorrelationID)
		}
		if evt.Publisher != "orchestrator" {
			t.Fatalf("expected orchestrator publisher, got %s", evt.Publisher)
		}
	}

	pub.events = nil
	if _, err := orch.Execute(context.Background(), "sad", "saga-sad", nil); err == nil {
		t.Fatal("expected execution error")
	}
	want = []string{
		event.TypeSagaStarted,
		event.TypeSagaStepCompleted,
		event.TypeSagaCompensated,
		event.TypeSagaFailed,
	}
	if got := pub.types(); !slices.Equal(got, want) {
		t.Fatalf("lifecycle mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestOrchestratorDuplicateSagaID(t *testing.T) {
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("noop"))
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), nil)

	if _, err := orch.Execute(context.Background(), "noop", "saga-1", nil); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := orch.Execute(context.Background(), "noop", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeSagaExists) {
		t.Fatalf("expected SAGA_EXISTS, got %v", err)
	}
}

func TestOrchestratorGeneratesSagaID(t *testing.T) {
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("noop"))
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), nil)

	exec, err := orch.Execute(context.Background(), "noop", "", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.SagaID == "" {
		t.Fatal("expected a generated saga ID")
	}
}

func TestOrchestratorUnknownDefinition(t *testing.T) {
	orch := newTestOrchestrator(t, NewRegistry(), NewMemoryExecutionStore(), nil)
	_, err := orch.Execute(context.Background(), "missing", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeDefinitionNotFound) {
		t.Fatalf("expected DEFINITION_NOT_FOUND, got %v", err)
	}
}

func TestOrchestratorCancellationRollsBackCommittedSteps(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())

	defs := NewRegistry()
	defs.MustRegister(NewDefinition("cancelable",
		FuncStep{
			StepName: "first",
			ExecuteFunc: func(_ context.Context, _ *Context) error {
				j.add("exec:first")
				cancel() // caller gives up while the saga is mid-flight
				return nil
			},
			CompensateFunc: func(_ context.Context, _ *Context) error {
				j.add("comp:first")
				return nil
			},
		},
		newStep("second", j, nil, nil),
	))
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), nil)

	exec, err := orch.Execute(ctx, "cancelable", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeCanceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}

	// the committed step rolled back even though the context is dead
	want := []string{"exec:first", "comp:first"}
	if got := j.list(); !slices.Equal(got, want) {
		t.Fatalf("journal mismatch:\n got %v\nwant %v", got, want)
	}
	if exec.Steps[1].Status != StepPending {
		t.Fatalf("expected second step untouched, got %s", exec.Steps[1].Status)
	}
}

func TestOrchestratorCancellationBeforeFirstStep(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	defs := NewRegistry()
	defs.MustRegister(NewDefinition("cancelable",
		newStep("first", j, nil, nil),
	))
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), nil)

	exec, err := orch.Execute(ctx, "cancelable", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeCanceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
	if got := j.list(); len(got) != 0 {
		t.Fatalf("expected no step activity, got %v", got)
	}
}

func TestOrchestratorStepTimeoutFailsStep(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("slow",
		newStep("fast", j, nil, nil),
		FuncStep{
			StepName: "stuck",
			ExecuteFunc: func(ctx context.Context, _ *Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
					return nil
				}
			},
		},
	))
	store := NewMemoryExecutionStore()
	orch := NewOrchestrator(defs, store, nil, logger.New("saga-test", io.Discard), nil, Options{
		StepTimeout: 20 * time.Millisecond,
	})

	exec, err := orch.Execute(context.Background(), "slow", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeStepExecution) {
		t.Fatalf("expected STEP_EXECUTION, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
	if got := j.list(); !slices.Equal(got, []string{"exec:fast", "comp:fast"}) {
		t.Fatalf("journal mismatch: %v", got)
	}
}

func TestOrchestratorStepPanicIsFailure(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("panicky",
		newStep("first", j, nil, nil),
		FuncStep{
			StepName: "second",
			ExecuteFunc: func(_ context.Context, _ *Context) error {
				panic("nil engagement")
			},
		},
	))
	orch := newTestOrchestrator(t, defs, NewMemoryExecutionStore(), nil)

	exec, err := orch.Execute(context.Background(), "panicky", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeStepExecution) {
		t.Fatalf("expected STEP_EXECUTION, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
	if got := j.list(); !slices.Equal(got, []string{"exec:first", "comp:first"}) {
		t.Fatalf("journal mismatch: %v", got)
	}
}

// failingUpdateStore lets a scripted number of updates through, then fails.
type failingUpdateStore struct {
	ExecutionStore
	allow int
	calls int
}

func (s *failingUpdateStore) Update(ctx context.Context, exec *Execution) error {
	s.calls++
	if s.calls > s.allow {
		return errors.New("execution store down")
	}
	return s.ExecutionStore.Update(ctx, exec)
}

func TestOrchestratorWriteAheadFailureCompensates(t *testing.T) {
	j := &journal{}
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("two-step",
		newStep("one", j, nil, nil),
		newStep("two", j, nil, nil),
	))
	// updates: running transition, write-ahead one, one completed, then fail
	store := &failingUpdateStore{ExecutionStore: NewMemoryExecutionStore(), allow: 3}
	orch := newTestOrchestrator(t, defs, store, nil)

	exec, err := orch.Execute(context.Background(), "two-step", "saga-1", nil)
	if !apierrors.HasCode(err, apierrors.CodeStepExecution) {
		t.Fatalf("expected STEP_EXECUTION, got %v", err)
	}
	if exec.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}

	// the unpersisted step never ran, the committed one rolled back
	if got := j.list(); !slices.Equal(got, []string{"exec:one", "comp:one"}) {
		t.Fatalf("journal mismatch: %v", got)
	}
}

func TestOrchestratorContextFlowsBetweenSteps(t *testing.T) {
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("chained",
		FuncStep{
			StepName: "produce",
			ExecuteFunc: func(_ context.Context, sc *Context) error {
				sc.Set("reportUrl", "s3://reports/eng-1.pdf")
				sc.Set("pages", int64(12))
				return nil
			},
		},
		FuncStep{
			StepName: "consume",
			ExecuteFunc: func(_ context.Context, sc *Context) error {
				if sc.GetString("reportUrl") == "" {
					return errors.New("missing reportUrl")
				}
				if sc.GetInt64("pages") != 12 {
					return errors.New("missing pages")
				}
				if sc.GetString("engagementId") != "eng-1" {
					return errors.New("missing initial value")
				}
				return nil
			},
		},
	))
	store := NewMemoryExecutionStore()
	orch := newTestOrchestrator(t, defs, store, nil)

	exec, err := orch.Execute(context.Background(), "chained", "saga-1", map[string]any{"engagementId": "eng-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.Status)
	}

	stored, err := store.Get(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Ctx.GetString("reportUrl") != "s3://reports/eng-1.pdf" {
		t.Fatal("expected context to persist with the execution")
	}
}

func TestOrchestratorConcurrentExecutions(t *testing.T) {
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("concurrent",
		FuncStep{
			StepName: "mark",
			ExecuteFunc: func(_ context.Context, sc *Context) error {
				sc.Set("marked", sc.GetString("id"))
				return nil
			},
		},
	))
	store := NewMemoryExecutionStore()
	orch := newTestOrchestrator(t, defs, store, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_, errs[n] = orch.Execute(context.Background(), "concurrent", "saga-"+id, map[string]any{"id": id})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("execution %d: %v", i, err)
		}
	}
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		exec, err := store.Get(context.Background(), "saga-"+id)
		if err != nil {
			t.Fatalf("get saga-%s: %v", id, err)
		}
		if exec.Status != StatusCompleted || exec.Ctx.GetString("marked") != id {
			t.Fatalf("saga-%s state mixed up: %+v", id, exec)
		}
	}
}
