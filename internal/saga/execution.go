package saga

import "time"

// StepRecord is the persisted trace of one step. Records live in the
// execution's slice and are addressed by index; they carry no pointer back
// to the execution or the step implementation.
type StepRecord struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// Execution is the persisted record of one saga run.
type Execution struct {
	SagaID     string       `json:"sagaId"`
	Definition string       `json:"definition"`
	Status     Status       `json:"status"`
	Steps      []StepRecord `json:"steps"`
	Ctx        *Context     `json:"context"`
	Error      string       `json:"error,omitempty"`

	// Remediation names the steps whose compensation failed. Non-empty
	// only on COMPENSATION_FAILED executions; these need manual follow-up.
	Remediation []string `json:"remediation,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func newExecution(sagaID, definition string, steps []Step, initial map[string]any) *Execution {
	now := time.Now().UTC()
	records := make([]StepRecord, len(steps))
	for i, s := range steps {
		records[i] = StepRecord{Name: s.Name(), Status: StepPending}
	}
	return &Execution{
		SagaID:     sagaID,
		Definition: definition,
		Status:     StatusPending,
		Steps:      records,
		Ctx:        NewContextFrom(initial),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// CompletedSteps lists step names that committed, in execution order.
func (e *Execution) CompletedSteps() []string {
	var out []string
	for _, rec := range e.Steps {
		if rec.Status == StepCompleted {
			out = append(out, rec.Name)
		}
	}
	return out
}

// Clone deep-copies the execution so store callers cannot alias state.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Steps = append([]StepRecord(nil), e.Steps...)
	cp.Remediation = append([]string(nil), e.Remediation...)
	if e.Ctx != nil {
		cp.Ctx = NewContextFrom(e.Ctx.Snapshot())
	}
	return &cp
}
