package saga

import (
	"context"
	"testing"
	"time"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

func terminalExecution(sagaID string, finishedAt time.Time) *Execution {
	exec := newExecution(sagaID, "finalize", nil, map[string]any{"engagementId": "eng-" + sagaID})
	exec.Status = StatusCompleted
	exec.FinishedAt = finishedAt
	return exec
}

func TestMemoryExecutionStoreCRUD(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()

	exec := newExecution("saga-1", "finalize", nil, nil)
	if err := s.Save(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, exec); !apierrors.HasCode(err, apierrors.CodeSagaExists) {
		t.Fatalf("expected SAGA_EXISTS, got %v", err)
	}

	exec.Status = StatusRunning
	if err := s.Update(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}

	// the store hands out copies
	got.Status = StatusFailed
	again, err := s.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusRunning {
		t.Fatal("store state must not alias callers")
	}

	if err := s.Update(ctx, newExecution("missing", "finalize", nil, nil)); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND, got %v", err)
	}

	if err := s.Delete(ctx, "saga-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "saga-1"); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND after delete, got %v", err)
	}
}

func TestMemoryExecutionStoreListTerminalBefore(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := terminalExecution("old", now.Add(-2*time.Hour))
	older := terminalExecution("older", now.Add(-3*time.Hour))
	fresh := terminalExecution("fresh", now.Add(-time.Minute))
	running := newExecution("running", "finalize", nil, nil)
	running.Status = StatusRunning

	for _, exec := range []*Execution{old, older, fresh, running} {
		if err := s.Save(ctx, exec); err != nil {
			t.Fatalf("save %s: %v", exec.SagaID, err)
		}
	}

	got, err := s.ListTerminalBefore(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(got))
	}
	// oldest first
	if got[0].SagaID != "older" || got[1].SagaID != "old" {
		t.Fatalf("order mismatch: %s, %s", got[0].SagaID, got[1].SagaID)
	}

	limited, err := s.ListTerminalBefore(ctx, now.Add(-time.Hour), 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].SagaID != "older" {
		t.Fatalf("limit mismatch: %+v", limited)
	}
}
