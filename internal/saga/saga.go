// Package saga runs ordered multi-step transactions and rolls completed
// steps back when a later step fails.
package saga

import "context"

// Status is the lifecycle state of a saga execution.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompensating       Status = "COMPENSATING"
	StatusFailed             Status = "FAILED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step inside an execution.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Step is a saga unit of work with a compensating action. Compensate is
// invoked only for steps whose Execute committed, in reverse completion
// order. Both calls receive the execution's shared context bag.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *Context) error
	Compensate(ctx context.Context, sc *Context) error
}

// FuncStep adapts closures to the Step interface. A nil CompensateFunc
// means the step has nothing to undo; the rollback sweep still walks it
// and records it as compensated.
type FuncStep struct {
	StepName       string
	ExecuteFunc    func(ctx context.Context, sc *Context) error
	CompensateFunc func(ctx context.Context, sc *Context) error
}

func (s FuncStep) Name() string { return s.StepName }

func (s FuncStep) Execute(ctx context.Context, sc *Context) error {
	if s.ExecuteFunc == nil {
		return nil
	}
	return s.ExecuteFunc(ctx, sc)
}

func (s FuncStep) Compensate(ctx context.Context, sc *Context) error {
	if s.CompensateFunc == nil {
		return nil
	}
	return s.CompensateFunc(ctx, sc)
}
