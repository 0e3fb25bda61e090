// Package archive copies terminal saga executions into PostgreSQL so the
// hot store can be trimmed without losing the audit trail.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/engagement/orchestration/internal/metrics"
	"github.com/engagement/orchestration/internal/saga"
	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// Record is one archived execution row.
type Record struct {
	ID          int64             `json:"id"`
	SagaID      string            `json:"sagaId"`
	Definition  string            `json:"definition"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Remediation []string          `json:"remediation,omitempty"`
	Steps       []saga.StepRecord `json:"steps"`
	Context     map[string]any    `json:"context"`
	StartedAt   int64             `json:"startedAt"`  // unix ms
	FinishedAt  int64             `json:"finishedAt"` // unix ms
	ArchivedAt  int64             `json:"archivedAt"` // unix ms
}

// NewRecord snapshots a terminal execution for archival.
func NewRecord(exec *saga.Execution) *Record {
	rec := &Record{
		SagaID:      exec.SagaID,
		Definition:  exec.Definition,
		Status:      string(exec.Status),
		Error:       exec.Error,
		Remediation: append([]string(nil), exec.Remediation...),
		Steps:       append([]saga.StepRecord(nil), exec.Steps...),
		StartedAt:   exec.StartedAt.UnixMilli(),
		FinishedAt:  exec.FinishedAt.UnixMilli(),
	}
	if exec.Ctx != nil {
		rec.Context = exec.Ctx.Snapshot()
	}
	if rec.Remediation == nil {
		rec.Remediation = []string{}
	}
	if rec.Steps == nil {
		rec.Steps = []saga.StepRecord{}
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	return rec
}

// Filter narrows an archive query. Zero fields are skipped.
type Filter struct {
	SagaID     string
	Definition string
	Status     string
	Since      int64 // finished_at >= Since, unix ms
	Until      int64 // finished_at <= Until, unix ms
	Limit      int
	Offset     int
}

// IDGenerator mints row IDs. *snowflake.Generator satisfies it.
type IDGenerator interface {
	Generate() (int64, error)
}

// Archiver writes execution records to PostgreSQL, by default through a
// bounded queue and background workers so archiving stays off the
// orchestration path.
type Archiver struct {
	db    *sql.DB
	idGen IDGenerator

	insertQueue chan *Record
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
	metrics *metrics.Metrics
}

type Option func(*options)

type options struct {
	queueSize   int
	workers     int
	onError     func(error)
	synchronous bool
	metrics     *metrics.Metrics
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite makes Archive insert inline. The retention sweep
// uses this so a row is confirmed before the hot-store copy is deleted.
func WithSynchronousWrite() Option {
	return func(o *options) {
		o.synchronous = true
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func New(db *sql.DB, idGen IDGenerator, opts ...Option) (*Archiver, error) {
	if db == nil {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "archive: db is nil")
	}
	if idGen == nil {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "archive: id generator is nil")
	}

	cfg := options{
		queueSize: 1024,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	a := &Archiver{
		db:      db,
		idGen:   idGen,
		onError: cfg.onError,
		metrics: cfg.metrics,
	}
	if cfg.synchronous {
		return a, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.insertQueue = make(chan *Record, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
	return a, nil
}

// Close stops the background workers. Queued records are abandoned; the
// retention sweep re-archives anything still in the hot store.
func (a *Archiver) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Archive writes the execution to the archive. Only terminal executions are
// accepted. In asynchronous mode a full queue drops the record and notifies
// the error handler; the retention sweep re-archives it later, so a drop is
// deferral, not loss.
func (a *Archiver) Archive(ctx context.Context, exec *saga.Execution) error {
	if a == nil || a.db == nil || exec == nil {
		return nil
	}
	if !exec.Status.Terminal() {
		return apierrors.Newf(apierrors.CodeInvalidRequest, "archive %s: status %s is not terminal", exec.SagaID, exec.Status)
	}

	rec := NewRecord(exec)
	if a.insertQueue == nil {
		return a.insert(ctx, rec)
	}

	select {
	case a.insertQueue <- rec:
		a.metrics.SetArchiveQueueDepth(len(a.insertQueue))
	default:
		a.onError(fmt.Errorf("archive: queue full, execution %s dropped", exec.SagaID))
	}
	return nil
}

// Get looks up one archived execution by saga ID.
func (a *Archiver) Get(ctx context.Context, sagaID string) (*Record, error) {
	if a == nil || a.db == nil {
		return nil, apierrors.New(apierrors.CodeUnavailable, "archive not configured")
	}
	if sagaID == "" {
		return nil, apierrors.New(apierrors.CodeInvalidParam, "saga ID is required")
	}

	row := a.db.QueryRowContext(ctx, `
SELECT `+selectColumns+`
FROM saga_executions
WHERE saga_id = $1
`, sagaID)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierrors.Newf(apierrors.CodeSagaNotFound, "saga %s not archived", sagaID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Query lists archived executions, newest finished first.
func (a *Archiver) Query(ctx context.Context, filter *Filter) ([]*Record, error) {
	if a == nil || a.db == nil {
		return nil, apierrors.New(apierrors.CodeUnavailable, "archive not configured")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.SagaID != "" {
			where = append(where, fmt.Sprintf("saga_id = $%d", argIdx))
			args = append(args, filter.SagaID)
			argIdx++
		}
		if filter.Definition != "" {
			where = append(where, fmt.Sprintf("definition = $%d", argIdx))
			args = append(args, filter.Definition)
			argIdx++
		}
		if filter.Status != "" {
			where = append(where, fmt.Sprintf("status = $%d", argIdx))
			args = append(args, filter.Status)
			argIdx++
		}
		if filter.Since != 0 {
			where = append(where, fmt.Sprintf("finished_at >= $%d", argIdx))
			args = append(args, filter.Since)
			argIdx++
		}
		if filter.Until != 0 {
			where = append(where, fmt.Sprintf("finished_at <= $%d", argIdx))
			args = append(args, filter.Until)
			argIdx++
		}
	}

	query := `
SELECT ` + selectColumns + `
FROM saga_executions
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY finished_at DESC, id DESC\n"

	limit := 100
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (a *Archiver) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.insertQueue:
			if rec == nil {
				continue
			}
			a.metrics.SetArchiveQueueDepth(len(a.insertQueue))
			if err := a.insert(ctx, rec); err != nil {
				a.onError(err)
			}
		}
	}
}

func (a *Archiver) insert(ctx context.Context, rec *Record) error {
	id, err := a.idGen.Generate()
	if err != nil {
		return fmt.Errorf("archive id: %w", err)
	}
	remediation, err := json.Marshal(rec.Remediation)
	if err != nil {
		return fmt.Errorf("marshal remediation: %w", err)
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	sagaCtx, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	archivedAt := rec.ArchivedAt
	if archivedAt == 0 {
		archivedAt = time.Now().UnixMilli()
	}

	// re-archiving the same saga is a no-op, so the retention sweep can
	// retry insert+delete safely
	const stmt = `
INSERT INTO saga_executions (
  id, saga_id, definition, status, error_msg, remediation, steps, context, started_at, finished_at, archived_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (saga_id) DO NOTHING
`
	if _, err := a.db.ExecContext(ctx, stmt,
		id,
		rec.SagaID,
		rec.Definition,
		rec.Status,
		rec.Error,
		remediation,
		steps,
		sagaCtx,
		rec.StartedAt,
		rec.FinishedAt,
		archivedAt,
	); err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.SagaID, err)
	}
	a.metrics.IncArchived()
	return nil
}

const selectColumns = `id, saga_id, definition, status, error_msg, remediation, steps, context, started_at, finished_at, archived_at`

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var remediation, steps, sagaCtx []byte
	if err := scan(
		&rec.ID,
		&rec.SagaID,
		&rec.Definition,
		&rec.Status,
		&rec.Error,
		&remediation,
		&steps,
		&sagaCtx,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.ArchivedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remediation, &rec.Remediation); err != nil {
		return nil, fmt.Errorf("decode remediation for %s: %w", rec.SagaID, err)
	}
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for %s: %w", rec.SagaID, err)
	}
	if err := json.Unmarshal(sagaCtx, &rec.Context); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", rec.SagaID, err)
	}
	return &rec, nil
}

// CreateTableSQL holds the saga_executions schema for boot-time migration.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_executions (
  id BIGINT PRIMARY KEY,
  saga_id VARCHAR(128) NOT NULL UNIQUE,
  definition VARCHAR(128) NOT NULL,
  status VARCHAR(32) NOT NULL,
  error_msg TEXT NOT NULL DEFAULT '',
  remediation JSONB NOT NULL DEFAULT '[]'::jsonb,
  steps JSONB NOT NULL DEFAULT '[]'::jsonb,
  context JSONB NOT NULL DEFAULT '{}'::jsonb,
  started_at BIGINT NOT NULL,
  finished_at BIGINT NOT NULL,
  archived_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_executions_def_finished ON saga_executions(definition, finished_at DESC);
CREATE INDEX IF NOT EXISTS idx_saga_executions_status_finished ON saga_executions(status, finished_at DESC);
`
