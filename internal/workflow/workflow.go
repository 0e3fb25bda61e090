// Package workflow wires the engagement sagas: the definitions, the step
// builders that call external services, and the service entry points that
// run them.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/saga"
	apierrors "github.com/engagement/orchestration/pkg/errors"
)

const (
	DefinitionFinalize   = "engagement.finalize"
	DefinitionCloseBooks = "engagement.close-books"
)

// External services the steps reach through the adapter.
const (
	ServiceLedger     = "ledger"
	ServiceCompliance = "compliance"
	ServiceReporting  = "reporting"
	ServiceStorage    = "storage"
)

// Step names. These surface in execution records and remediation lists.
const (
	StepLockEngagement  = "lock-engagement"
	StepComplianceCheck = "run-compliance-checks"
	StepGenerateReport  = "generate-report"
	StepUploadReport    = "upload-report"
	StepPostClosing     = "post-closing-entries"
	StepFreezePeriod    = "freeze-period"
)

// Saga context keys shared between steps and the service layer.
const (
	KeyEngagementID = "engagementId"
	KeyClientID     = "clientId"
	KeyPeriod       = "period"
	KeyLockToken    = "lockToken"
	KeyReportID     = "reportId"
	KeyReportURL    = "reportUrl"
	KeyPages        = "pages"
	KeyLedgerBatch  = "ledgerBatchId"
)

// Invoker is the outbound service gateway. *adapter.Adapter satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, service, operation string, payload any) (json.RawMessage, error)
}

// Deps carries what the step builders need.
type Deps struct {
	Invoker Invoker
	Redis   redis.Cmdable

	// LockTTL bounds how long an engagement stays locked if the process
	// dies mid-workflow. Defaults to 15 minutes.
	LockTTL time.Duration
}

func (d Deps) validate() error {
	if d.Invoker == nil {
		return apierrors.New(apierrors.CodeInvalidParam, "workflow: invoker is required")
	}
	if d.Redis == nil {
		return apierrors.New(apierrors.CodeInvalidParam, "workflow: redis client is required")
	}
	return nil
}

func (d Deps) lockTTL() time.Duration {
	if d.LockTTL > 0 {
		return d.LockTTL
	}
	return 15 * time.Minute
}

// Register installs the engagement definitions into the registry.
func Register(reg *saga.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if err := reg.Register(finalizeDefinition(deps)); err != nil {
		return err
	}
	return reg.Register(closeBooksDefinition(deps))
}

func finalizeDefinition(deps Deps) *saga.Definition {
	return saga.NewDefinition(DefinitionFinalize,
		lockEngagementStep(deps.Redis, deps.lockTTL()),
		complianceCheckStep(deps.Invoker),
		generateReportStep(deps.Invoker),
		uploadReportStep(deps.Invoker),
	)
}

func closeBooksDefinition(deps Deps) *saga.Definition {
	return saga.NewDefinition(DefinitionCloseBooks,
		lockEngagementStep(deps.Redis, deps.lockTTL()),
		postClosingEntriesStep(deps.Invoker),
		freezePeriodStep(deps.Invoker),
	)
}
