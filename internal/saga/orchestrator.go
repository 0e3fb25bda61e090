package saga

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/metrics"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
	"github.com/engagement/orchestration/pkg/tracing"
)

// Publisher emits lifecycle events. The bus satisfies it; a nil publisher
// disables lifecycle emission entirely.
type Publisher interface {
	Publish(ctx context.Context, evt *event.Event) (string, error)
}

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	StepTimeout       time.Duration // bounds one Execute call
	CompensateTimeout time.Duration // bounds one Compensate call
	PublishTimeout    time.Duration // bounds one lifecycle publish
}

func (o Options) withDefaults() Options {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}
	if o.CompensateTimeout <= 0 {
		o.CompensateTimeout = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	return o
}

// Orchestrator executes registered definitions. Each Execute call runs the
// definition's steps strictly in order, persisting the execution record
// before and after every transition so a crash never loses track of which
// steps committed.
type Orchestrator struct {
	defs    *Registry
	store   ExecutionStore
	pub     Publisher
	log     *logger.Logger
	metrics *metrics.Metrics
	opts    Options
}

func NewOrchestrator(defs *Registry, store ExecutionStore, pub Publisher, log *logger.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{
		defs:    defs,
		store:   store,
		pub:     pub,
		log:     log,
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Execute runs the named definition under the given saga ID. A failed step
// rolls back every completed step in reverse order; the returned error is
// nil only for a COMPLETED execution. The execution record is returned for
// every terminal outcome, error or not. Executions never retry a failed
// step; retries belong to the step's own transport or to the caller.
func (o *Orchestrator) Execute(ctx context.Context, definition, sagaID string, initial map[string]any) (*Execution, error) {
	def, err := o.defs.Get(definition)
	if err != nil {
		return nil, err
	}
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	steps := def.Steps()
	exec := newExecution(sagaID, def.Name(), steps, initial)

	ctx, span := tracing.StartSpan(ctx, "saga.execute "+exec.Definition)
	defer span.End()
	tracing.SetAttribute(ctx, "saga.id", sagaID)

	if err := o.store.Save(ctx, exec); err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	exec.Status = StatusRunning
	o.update(ctx, exec)
	o.emit(ctx, sagaID, event.TypeSagaStarted, &event.SagaStarted{
		SagaID:     sagaID,
		Definition: exec.Definition,
		StartedAt:  exec.StartedAt,
	})
	o.log.Infof("saga started", map[string]interface{}{
		"sagaId":     sagaID,
		"definition": exec.Definition,
		"steps":      len(steps),
	})

	for i, step := range steps {
		rec := &exec.Steps[i]

		// cancellation is observed at step boundaries only; committed
		// steps are rolled back like any other failure
		if cerr := ctx.Err(); cerr != nil {
			return o.fail(ctx, exec, steps, i, rec.Name,
				apierrors.Newf(apierrors.CodeCanceled, "saga canceled before step %s: %v", rec.Name, cerr))
		}

		rec.Status = StepRunning
		rec.StartedAt = time.Now().UTC()
		rec.Attempts++
		if err := o.persist(ctx, exec); err != nil {
			// write-ahead failed: do not run a step the record does not show
			rec.Status = StepFailed
			rec.Error = err.Error()
			rec.FinishedAt = time.Now().UTC()
			return o.fail(ctx, exec, steps, i, rec.Name,
				apierrors.Newf(apierrors.CodeStepExecution, "persist before step %s: %v", rec.Name, err))
		}

		err := o.runStep(ctx, step, exec.Ctx)
		rec.FinishedAt = time.Now().UTC()
		o.metrics.ObserveStepDuration(exec.Definition, rec.Name, rec.FinishedAt.Sub(rec.StartedAt))
		if err != nil {
			rec.Status = StepFailed
			rec.Error = err.Error()
			return o.fail(ctx, exec, steps, i, rec.Name,
				apierrors.Newf(apierrors.CodeStepExecution, "step %s: %v", rec.Name, err))
		}

		rec.Status = StepCompleted
		o.update(ctx, exec)
		tracing.AddEvent(ctx, "saga.step.completed", map[string]string{"step": rec.Name})
		o.emit(ctx, sagaID, event.TypeSagaStepCompleted, &event.SagaStepCompleted{
			SagaID:     sagaID,
			Definition: exec.Definition,
			Step:       rec.Name,
		})
	}

	exec.Status = StatusCompleted
	exec.FinishedAt = time.Now().UTC()
	o.update(ctx, exec)
	o.metrics.IncSagaOutcome(exec.Definition, string(exec.Status))
	o.emit(ctx, sagaID, event.TypeSagaCompleted, &event.SagaCompleted{
		SagaID:     sagaID,
		Definition: exec.Definition,
		DurationMS: exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
	})
	o.log.Infof("saga completed", map[string]interface{}{
		"sagaId":     sagaID,
		"definition": exec.Definition,
		"durationMs": exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
	})
	return exec, nil
}

// Get returns the stored execution record.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Execution, error) {
	return o.store.Get(ctx, sagaID)
}

// Definitions lists the registered definition names.
func (o *Orchestrator) Definitions() []string {
	return o.defs.Names()
}

// fail rolls back the completed steps in reverse order and settles the
// execution as FAILED or, when any compensation failed, COMPENSATION_FAILED.
// The sweep runs detached from the caller's cancellation so the rollback
// that cancellation triggered is not itself aborted.
func (o *Orchestrator) fail(ctx context.Context, exec *Execution, steps []Step, failedIdx int, failedStep string, cause error) (*Execution, error) {
	base := context.WithoutCancel(ctx)
	tracing.SetError(base, cause)

	exec.Status = StatusCompensating
	exec.Error = cause.Error()
	o.update(base, exec)
	o.log.WithError(cause).Warnf("saga compensating", map[string]interface{}{
		"sagaId":     exec.SagaID,
		"definition": exec.Definition,
		"step":       failedStep,
	})

	var compensated, remediation []string
	for j := failedIdx - 1; j >= 0; j-- {
		rec := &exec.Steps[j]
		if rec.Status != StepCompleted {
			continue
		}

		rec.Status = StepCompensating
		o.update(base, exec)
		if err := o.runCompensate(base, steps[j], exec.Ctx); err != nil {
			// best effort: record the failure and keep sweeping
			rec.Status = StepCompensationFailed
			rec.Error = err.Error()
			remediation = append(remediation, rec.Name)
			tracing.AddEvent(base, "saga.compensation.failed", map[string]string{"step": rec.Name})
			o.metrics.IncCompensationFailure(exec.Definition, rec.Name)
			o.log.WithError(err).Errorf("compensation failed", map[string]interface{}{
				"sagaId":     exec.SagaID,
				"definition": exec.Definition,
				"step":       rec.Name,
			})
			o.update(base, exec)
			continue
		}
		rec.Status = StepCompensated
		compensated = append(compensated, rec.Name)
		o.update(base, exec)
	}

	exec.Remediation = remediation
	exec.Status = StatusFailed
	if len(remediation) > 0 {
		exec.Status = StatusCompensationFailed
	}
	exec.FinishedAt = time.Now().UTC()
	o.update(base, exec)
	o.metrics.IncSagaOutcome(exec.Definition, string(exec.Status))

	o.emit(base, exec.SagaID, event.TypeSagaCompensated, &event.SagaCompensated{
		SagaID:      exec.SagaID,
		Definition:  exec.Definition,
		Compensated: compensated,
		Remediation: remediation,
	})
	o.emit(base, exec.SagaID, event.TypeSagaFailed, &event.SagaFailed{
		SagaID:     exec.SagaID,
		Definition: exec.Definition,
		Step:       failedStep,
		Reason:     exec.Error,
	})
	o.log.Errorf("saga failed", map[string]interface{}{
		"sagaId":      exec.SagaID,
		"definition":  exec.Definition,
		"status":      string(exec.Status),
		"step":        failedStep,
		"remediation": remediation,
	})

	if exec.Status == StatusCompensationFailed {
		return exec, apierrors.Newf(apierrors.CodeCompensation,
			"%s; compensation failed for %s", cause.Error(), strings.Join(remediation, ", "))
	}
	return exec, cause
}

// runStep executes one step under the step timeout. A panic inside a step
// is a step failure, not an orchestrator crash.
func (o *Orchestrator) runStep(ctx context.Context, step Step, sc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierrors.Newf(apierrors.CodeStepExecution, "step panic: %v", r)
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()
	return step.Execute(sctx, sc)
}

func (o *Orchestrator) runCompensate(ctx context.Context, step Step, sc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierrors.Newf(apierrors.CodeCompensation, "compensate panic: %v", r)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, o.opts.CompensateTimeout)
	defer cancel()
	return step.Compensate(cctx, sc)
}

// persist is the write-ahead path; its error blocks the pending step.
func (o *Orchestrator) persist(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	return o.store.Update(ctx, exec)
}

// update records a transition that already happened; a store hiccup must
// not stall the saga, so it only logs.
func (o *Orchestrator) update(ctx context.Context, exec *Execution) {
	if err := o.persist(ctx, exec); err != nil {
		o.log.WithError(err).Warnf("execution update failed", map[string]interface{}{
			"sagaId": exec.SagaID,
			"status": string(exec.Status),
		})
	}
}

// emit publishes a lifecycle event, detached from the caller's cancellation
// and bounded by PublishTimeout. Failures are logged and never surface.
func (o *Orchestrator) emit(ctx context.Context, sagaID, eventType string, payload any) {
	if o.pub == nil {
		return
	}
	evt, err := event.New(event.ChannelLifecycle, eventType, payload)
	if err != nil {
		o.log.WithError(err).Warnf("lifecycle event not built", map[string]interface{}{
			"type":   eventType,
			"sagaId": sagaID,
		})
		return
	}
	evt.Publisher = "orchestrator"
	evt.CorrelationID = sagaID

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PublishTimeout)
	defer cancel()
	if _, err := o.pub.Publish(pctx, evt); err != nil {
		o.log.WithError(err).Warnf("lifecycle event not published", map[string]interface{}{
			"type":   eventType,
			"sagaId": sagaID,
		})
	}
}
