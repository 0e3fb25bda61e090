package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// ExecutionStore persists execution records. Save creates and fails on a
// duplicate saga ID; Update requires the record to exist. ListTerminalBefore
// and Delete back the archival sweep.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, sagaID string) (*Execution, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int64) ([]*Execution, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemoryExecutionStore keeps executions in process, for tests and embedded
// use. Everything is deep-copied on the way in and out.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*Execution)}
}

func (s *MemoryExecutionStore) Save(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.SagaID]; exists {
		return apierrors.Newf(apierrors.CodeSagaExists, "saga %s already exists", exec.SagaID)
	}
	s.execs[exec.SagaID] = exec.Clone()
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.SagaID]; !exists {
		return apierrors.Newf(apierrors.CodeSagaNotFound, "saga %s not found", exec.SagaID)
	}
	s.execs[exec.SagaID] = exec.Clone()
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, sagaID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[sagaID]
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeSagaNotFound, "saga %s not found", sagaID)
	}
	return exec.Clone(), nil
}

func (s *MemoryExecutionStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int64) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, exec := range s.execs {
		if exec.Status.Terminal() && exec.FinishedAt.Before(before) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryExecutionStore) Delete(ctx context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, sagaID)
	return nil
}
