package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/saga"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	pkgredis "github.com/engagement/orchestration/pkg/redis"
)

// Request and response bodies for the external services. The adapter
// marshals requests and hands back raw responses; steps decode only the
// fields they carry forward.

type complianceRequest struct {
	EngagementID string `json:"engagementId"`
	Period       string `json:"period"`
}

type complianceResponse struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
}

type generateReportRequest struct {
	EngagementID string `json:"engagementId"`
	ClientID     string `json:"clientId,omitempty"`
	Period       string `json:"period"`
}

type generateReportResponse struct {
	ReportID string `json:"reportId"`
	Pages    int    `json:"pages"`
}

type voidReportRequest struct {
	ReportID string `json:"reportId"`
}

type uploadReportRequest struct {
	EngagementID string `json:"engagementId"`
	ReportID     string `json:"reportId"`
}

type uploadReportResponse struct {
	URL string `json:"url"`
}

type deleteUploadRequest struct {
	EngagementID string `json:"engagementId"`
	ReportID     string `json:"reportId"`
}

type closingEntriesRequest struct {
	EngagementID string `json:"engagementId"`
	Period       string `json:"period"`
}

type closingEntriesResponse struct {
	BatchID string `json:"batchId"`
	Entries int    `json:"entries"`
}

type reverseEntriesRequest struct {
	BatchID string `json:"batchId"`
}

type periodRequest struct {
	EngagementID string `json:"engagementId"`
	Period       string `json:"period"`
}

func lockKey(engagementID string) string {
	return "engagement:lock:" + engagementID
}

// lockEngagementStep takes the per-engagement mutex so two workflows never
// mutate the same engagement concurrently. The holder token goes into the
// saga context so both the compensation and the post-success release only
// free a lock this execution still owns.
func lockEngagementStep(rdb redis.Cmdable, ttl time.Duration) saga.Step {
	return saga.FuncStep{
		StepName: StepLockEngagement,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			engagementID := sc.GetString(KeyEngagementID)
			if engagementID == "" {
				return apierrors.New(apierrors.CodeInvalidParam, "engagementId missing from saga context")
			}
			token := uuid.NewString()
			lock := pkgredis.NewLock(rdb, lockKey(engagementID), token, ttl)
			ok, err := lock.Acquire(ctx)
			if err != nil {
				return apierrors.Newf(apierrors.CodeUnavailable, "acquire engagement lock: %v", err)
			}
			if !ok {
				return apierrors.Newf(apierrors.CodeAlreadyExists, "engagement %s locked by another workflow", engagementID)
			}
			sc.Set(KeyLockToken, token)
			return nil
		},
		CompensateFunc: func(ctx context.Context, sc *saga.Context) error {
			return releaseEngagementLock(ctx, rdb, sc)
		},
	}
}

// releaseEngagementLock frees the per-engagement lock when this execution
// still holds it. Missing key or token means there is nothing to free.
func releaseEngagementLock(ctx context.Context, rdb redis.Cmdable, sc *saga.Context) error {
	engagementID := sc.GetString(KeyEngagementID)
	token := sc.GetString(KeyLockToken)
	if engagementID == "" || token == "" {
		return nil
	}
	lock := pkgredis.NewLock(rdb, lockKey(engagementID), token, 0)
	if err := lock.Release(ctx); err != nil {
		return apierrors.Newf(apierrors.CodeUnavailable, "release engagement lock: %v", err)
	}
	return nil
}

// complianceCheckStep runs the pre-finalization checks. Reads mutate
// nothing, so there is no compensation.
func complianceCheckStep(inv Invoker) saga.Step {
	return saga.FuncStep{
		StepName: StepComplianceCheck,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			raw, err := inv.Invoke(ctx, ServiceCompliance, "run-checks", complianceRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				Period:       sc.GetString(KeyPeriod),
			})
			if err != nil {
				return err
			}
			var resp complianceResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return apierrors.Newf(apierrors.CodeSchemaInvalid, "decode compliance response: %v", err)
			}
			if !resp.Passed {
				return apierrors.Newf(apierrors.CodeRemoteRejected, "compliance checks failed: %s", strings.Join(resp.Findings, "; "))
			}
			return nil
		},
	}
}

func generateReportStep(inv Invoker) saga.Step {
	return saga.FuncStep{
		StepName: StepGenerateReport,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			raw, err := inv.Invoke(ctx, ServiceReporting, "generate-report", generateReportRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				ClientID:     sc.GetString(KeyClientID),
				Period:       sc.GetString(KeyPeriod),
			})
			if err != nil {
				return err
			}
			var resp generateReportResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return apierrors.Newf(apierrors.CodeSchemaInvalid, "decode report response: %v", err)
			}
			if resp.ReportID == "" {
				return apierrors.New(apierrors.CodeSchemaInvalid, "reporting returned no reportId")
			}
			sc.Set(KeyReportID, resp.ReportID)
			sc.Set(KeyPages, resp.Pages)
			return nil
		},
		CompensateFunc: func(ctx context.Context, sc *saga.Context) error {
			reportID := sc.GetString(KeyReportID)
			if reportID == "" {
				return nil
			}
			_, err := inv.Invoke(ctx, ServiceReporting, "void-report", voidReportRequest{ReportID: reportID})
			return err
		},
	}
}

func uploadReportStep(inv Invoker) saga.Step {
	return saga.FuncStep{
		StepName: StepUploadReport,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			raw, err := inv.Invoke(ctx, ServiceStorage, "upload-report", uploadReportRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				ReportID:     sc.GetString(KeyReportID),
			})
			if err != nil {
				return err
			}
			var resp uploadReportResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return apierrors.Newf(apierrors.CodeSchemaInvalid, "decode upload response: %v", err)
			}
			sc.Set(KeyReportURL, resp.URL)
			return nil
		},
		CompensateFunc: func(ctx context.Context, sc *saga.Context) error {
			if sc.GetString(KeyReportURL) == "" {
				return nil
			}
			_, err := inv.Invoke(ctx, ServiceStorage, "delete-upload", deleteUploadRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				ReportID:     sc.GetString(KeyReportID),
			})
			return err
		},
	}
}

func postClosingEntriesStep(inv Invoker) saga.Step {
	return saga.FuncStep{
		StepName: StepPostClosing,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			raw, err := inv.Invoke(ctx, ServiceLedger, "post-closing-entries", closingEntriesRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				Period:       sc.GetString(KeyPeriod),
			})
			if err != nil {
				return err
			}
			var resp closingEntriesResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return apierrors.Newf(apierrors.CodeSchemaInvalid, "decode closing entries response: %v", err)
			}
			if resp.BatchID == "" {
				return apierrors.New(apierrors.CodeSchemaInvalid, "ledger returned no batchId")
			}
			sc.Set(KeyLedgerBatch, resp.BatchID)
			return nil
		},
		CompensateFunc: func(ctx context.Context, sc *saga.Context) error {
			batchID := sc.GetString(KeyLedgerBatch)
			if batchID == "" {
				return nil
			}
			_, err := inv.Invoke(ctx, ServiceLedger, "reverse-closing-entries", reverseEntriesRequest{BatchID: batchID})
			return err
		},
	}
}

func freezePeriodStep(inv Invoker) saga.Step {
	return saga.FuncStep{
		StepName: StepFreezePeriod,
		ExecuteFunc: func(ctx context.Context, sc *saga.Context) error {
			_, err := inv.Invoke(ctx, ServiceLedger, "freeze-period", periodRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				Period:       sc.GetString(KeyPeriod),
			})
			return err
		},
		CompensateFunc: func(ctx context.Context, sc *saga.Context) error {
			_, err := inv.Invoke(ctx, ServiceLedger, "unfreeze-period", periodRequest{
				EngagementID: sc.GetString(KeyEngagementID),
				Period:       sc.GetString(KeyPeriod),
			})
			return err
		},
	}
}
