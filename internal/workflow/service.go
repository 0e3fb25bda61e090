package workflow

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/saga"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
)

// Service is the API-facing entry point for the engagement workflows. It
// runs the saga, frees the engagement lock after a successful run (the
// compensation sweep frees it on failed ones), and announces the outcome
// on the bus.
type Service struct {
	orchestrator *saga.Orchestrator
	bus          saga.Publisher
	redis        redis.Cmdable
	log          *logger.Logger
}

func NewService(orc *saga.Orchestrator, bus saga.Publisher, rdb redis.Cmdable, log *logger.Logger) *Service {
	return &Service{
		orchestrator: orc,
		bus:          bus,
		redis:        rdb,
		log:          log,
	}
}

// FinalizeRequest starts an engagement.finalize run. SagaID is optional;
// callers set it to make retried submissions idempotent.
type FinalizeRequest struct {
	EngagementID string `json:"engagementId"`
	ClientID     string `json:"clientId"`
	Period       string `json:"period"`
	SagaID       string `json:"sagaId,omitempty"`
}

func (r *FinalizeRequest) Validate() error {
	if r.EngagementID == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "engagementId is required")
	}
	if r.Period == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "period is required")
	}
	return nil
}

// FinalizeEngagement runs the finalize workflow to a terminal state. The
// execution comes back even when the run failed so callers can inspect
// step records and remediation.
func (s *Service) FinalizeEngagement(ctx context.Context, req *FinalizeRequest) (*saga.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exec, err := s.orchestrator.Execute(ctx, DefinitionFinalize, req.SagaID, map[string]any{
		KeyEngagementID: req.EngagementID,
		KeyClientID:     req.ClientID,
		KeyPeriod:       req.Period,
	})
	if err != nil {
		return exec, err
	}

	s.unlock(ctx, exec)
	s.announceFinalized(ctx, exec)
	return exec, nil
}

// CloseBooksRequest starts an engagement.close-books run.
type CloseBooksRequest struct {
	EngagementID string `json:"engagementId"`
	Period       string `json:"period"`
	SagaID       string `json:"sagaId,omitempty"`
}

func (r *CloseBooksRequest) Validate() error {
	if r.EngagementID == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "engagementId is required")
	}
	if r.Period == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "period is required")
	}
	return nil
}

func (s *Service) CloseBooks(ctx context.Context, req *CloseBooksRequest) (*saga.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exec, err := s.orchestrator.Execute(ctx, DefinitionCloseBooks, req.SagaID, map[string]any{
		KeyEngagementID: req.EngagementID,
		KeyPeriod:       req.Period,
	})
	if err != nil {
		return exec, err
	}

	s.unlock(ctx, exec)
	return exec, nil
}

// unlock frees the engagement lock a completed run still holds. Failure is
// non-fatal: the lock TTL bounds how long a leak lasts.
func (s *Service) unlock(ctx context.Context, exec *saga.Execution) {
	if err := releaseEngagementLock(ctx, s.redis, exec.Ctx); err != nil {
		s.log.WithError(err).Warnf("engagement lock not released", map[string]interface{}{
			"sagaId":       exec.SagaID,
			"engagementId": exec.Ctx.GetString(KeyEngagementID),
		})
	}
}

// announceFinalized publishes engagement.finalized for downstream
// consumers. Publish failure is logged, not surfaced: the workflow itself
// committed.
func (s *Service) announceFinalized(ctx context.Context, exec *saga.Execution) {
	if s.bus == nil {
		return
	}
	evt, err := event.New(event.ChannelEngagementFinalized, event.TypeEngagementFinalized, &event.EngagementFinalized{
		EngagementID: exec.Ctx.GetString(KeyEngagementID),
		ClientID:     exec.Ctx.GetString(KeyClientID),
		Period:       exec.Ctx.GetString(KeyPeriod),
		ReportURL:    exec.Ctx.GetString(KeyReportURL),
	})
	if err != nil {
		s.log.WithError(err).Errorf("engagement.finalized event not built", map[string]interface{}{
			"sagaId": exec.SagaID,
		})
		return
	}
	evt.Publisher = "workflow"
	evt.CorrelationID = exec.SagaID

	if _, err := s.bus.Publish(ctx, evt); err != nil {
		s.log.WithError(err).Warnf("engagement.finalized not published", map[string]interface{}{
			"sagaId":       exec.SagaID,
			"engagementId": exec.Ctx.GetString(KeyEngagementID),
		})
	}
}
