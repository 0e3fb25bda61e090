package saga

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisExecutionStoreSaveGetUpdate(t *testing.T) {
	s := NewRedisExecutionStore(newTestRedis(t), time.Hour)
	ctx := context.Background()

	exec := newExecution("saga-1", "finalize", nil, map[string]any{
		"engagementId": "eng-1",
		"pages":        int64(12),
	})
	if err := s.Save(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, exec); !apierrors.HasCode(err, apierrors.CodeSagaExists) {
		t.Fatalf("expected SAGA_EXISTS, got %v", err)
	}

	got, err := s.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SagaID != "saga-1" || got.Definition != "finalize" || got.Status != StatusPending {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Ctx.GetString("engagementId") != "eng-1" {
		t.Fatal("expected context string to survive the round trip")
	}
	if got.Ctx.GetInt64("pages") != 12 {
		t.Fatal("expected context number to survive the round trip")
	}

	exec.Status = StatusRunning
	if err := s.Update(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.Get(ctx, "saga-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}

	if err := s.Update(ctx, newExecution("missing", "finalize", nil, nil)); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND, got %v", err)
	}
}

func TestRedisExecutionStoreTerminalIndex(t *testing.T) {
	s := NewRedisExecutionStore(newTestRedis(t), time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, tc := range []struct {
		id         string
		finishedAt time.Time
	}{
		{"older", now.Add(-3 * time.Hour)},
		{"old", now.Add(-2 * time.Hour)},
		{"fresh", now.Add(-time.Minute)},
	} {
		exec := terminalExecution(tc.id, tc.finishedAt)
		if err := s.Save(ctx, exec); err != nil {
			t.Fatalf("save %s: %v", tc.id, err)
		}
		if err := s.Update(ctx, exec); err != nil {
			t.Fatalf("update %s: %v", tc.id, err)
		}
	}
	// a running execution never reaches the terminal index
	running := newExecution("running", "finalize", nil, nil)
	running.Status = StatusRunning
	if err := s.Save(ctx, running); err != nil {
		t.Fatalf("save running: %v", err)
	}
	if err := s.Update(ctx, running); err != nil {
		t.Fatalf("update running: %v", err)
	}

	got, err := s.ListTerminalBefore(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(got))
	}
	if got[0].SagaID != "older" || got[1].SagaID != "old" {
		t.Fatalf("order mismatch: %s, %s", got[0].SagaID, got[1].SagaID)
	}

	limited, err := s.ListTerminalBefore(ctx, now.Add(-time.Hour), 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].SagaID != "older" {
		t.Fatalf("limit mismatch: %d", len(limited))
	}

	if err := s.Delete(ctx, "older"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "older"); !apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
		t.Fatalf("expected SAGA_NOT_FOUND after delete, got %v", err)
	}
	got, err = s.ListTerminalBefore(ctx, now, 10)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected deleted execution out of the index, got %d", len(got))
	}
}

func TestRedisExecutionStoreWithOrchestrator(t *testing.T) {
	s := NewRedisExecutionStore(newTestRedis(t), time.Hour)
	defs := NewRegistry()
	defs.MustRegister(NewDefinition("chained",
		FuncStep{
			StepName: "produce",
			ExecuteFunc: func(_ context.Context, sc *Context) error {
				sc.Set("reportUrl", "s3://reports/eng-1.pdf")
				return nil
			},
		},
	))
	orch := newTestOrchestrator(t, defs, s, nil)

	exec, err := orch.Execute(context.Background(), "chained", "saga-redis", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.Status)
	}

	stored, err := s.Get(context.Background(), "saga-redis")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED in store, got %s", stored.Status)
	}
	if stored.Ctx.GetString("reportUrl") != "s3://reports/eng-1.pdf" {
		t.Fatal("expected step output persisted")
	}
	// completed executions are indexed for the archival sweep
	listed, err := s.ListTerminalBefore(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].SagaID != "saga-redis" {
		t.Fatalf("expected saga-redis indexed, got %+v", listed)
	}
}
