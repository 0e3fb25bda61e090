package event

import (
	"time"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// Channels used by the orchestration core.
const (
	ChannelLifecycle           = "saga.lifecycle"
	ChannelEngagementFinalized = "engagement.finalized"
	ChannelReportRendered      = "report.rendered"
)

// Event types. Domain channels carry the type of the same name.
const (
	TypeEngagementFinalized = "engagement.finalized"
	TypeReportRendered      = "report.rendered"
	TypeSagaStarted         = "saga.started"
	TypeSagaStepCompleted   = "saga.step.completed"
	TypeSagaCompleted       = "saga.completed"
	TypeSagaCompensated     = "saga.compensated"
	TypeSagaFailed          = "saga.failed"
	TypeDeadLetterReplayed  = "dlq.replayed"
)

// EngagementFinalized announces that an engagement closed out successfully.
type EngagementFinalized struct {
	EngagementID string `json:"engagementId"`
	ClientID     string `json:"clientId"`
	Period       string `json:"period"`
	ReportURL    string `json:"reportUrl,omitempty"`
}

func (p *EngagementFinalized) Validate() error {
	if p.EngagementID == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "engagementId is required")
	}
	return nil
}

// ReportRendered announces a rendered engagement report.
type ReportRendered struct {
	EngagementID string `json:"engagementId"`
	ReportID     string `json:"reportId"`
	Pages        int    `json:"pages,omitempty"`
}

func (p *ReportRendered) Validate() error {
	if p.EngagementID == "" || p.ReportID == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "engagementId and reportId are required")
	}
	return nil
}

// SagaStarted marks the transition into Running.
type SagaStarted struct {
	SagaID     string    `json:"sagaId"`
	Definition string    `json:"definition"`
	StartedAt  time.Time `json:"startedAt"`
}

func (p *SagaStarted) Validate() error {
	if p.SagaID == "" || p.Definition == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "sagaId and definition are required")
	}
	return nil
}

// SagaStepCompleted marks one forward step committing.
type SagaStepCompleted struct {
	SagaID     string `json:"sagaId"`
	Definition string `json:"definition"`
	Step       string `json:"step"`
}

// SagaCompleted marks the terminal Completed state.
type SagaCompleted struct {
	SagaID     string `json:"sagaId"`
	Definition string `json:"definition"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// SagaFailed marks the terminal Failed state after rollback.
type SagaFailed struct {
	SagaID     string `json:"sagaId"`
	Definition string `json:"definition"`
	Step       string `json:"step,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SagaCompensated reports the rollback sweep outcome. Remediation lists steps
// whose compensation failed and need manual follow-up.
type SagaCompensated struct {
	SagaID      string   `json:"sagaId"`
	Definition  string   `json:"definition"`
	Compensated []string `json:"compensated,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// DeadLetterReplayed marks a DLQ entry being republished.
type DeadLetterReplayed struct {
	Channel      string `json:"channel"`
	EventID      string `json:"eventId"`
	DeadLetterID string `json:"deadLetterId"`
}

// RegisterBuiltins installs the schemas above.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(TypeEngagementFinalized, func() any { return &EngagementFinalized{} })
	r.MustRegister(TypeReportRendered, func() any { return &ReportRendered{} })
	r.MustRegister(TypeSagaStarted, func() any { return &SagaStarted{} })
	r.MustRegister(TypeSagaStepCompleted, func() any { return &SagaStepCompleted{} })
	r.MustRegister(TypeSagaCompleted, func() any { return &SagaCompleted{} })
	r.MustRegister(TypeSagaCompensated, func() any { return &SagaCompensated{} })
	r.MustRegister(TypeSagaFailed, func() any { return &SagaFailed{} })
	r.MustRegister(TypeDeadLetterReplayed, func() any { return &DeadLetterReplayed{} })
}
