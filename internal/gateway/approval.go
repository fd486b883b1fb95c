package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UAPK/gateway-core/internal/approval"
	"github.com/UAPK/gateway-core/internal/approvalstore"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/metrics"
	"github.com/UAPK/gateway-core/internal/policy"
	"github.com/UAPK/gateway-core/internal/token"
)

// CreateApproval records (or returns the already-live) PENDING approval for
// rc/action (spec §6's CreateApproval), fingerprinted the same way
// policy.Engine's escalate path does so a subsequently issued override
// token still matches the fingerprint a later Execute recomputes.
func (g *Gateway) CreateApproval(ctx context.Context, rc policy.RequestContext, action policy.Action) (*approval.Approval, *gwerr.Fault) {
	fp, err := policy.Fingerprint(rc.UAPKID, action)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeEvalFault, fmt.Errorf("gateway: fingerprint action: %w", err))
	}

	draft := approval.Approval{
		OrgID:             rc.OrgID,
		UAPKID:            rc.UAPKID,
		ActionFingerprint: fp,
		ActionType:        action.Type,
		Tool:              action.Tool,
		ExpiresAt:         time.Now().UTC().Add(g.cfg.ApprovalTTL),
	}
	appr, err := g.cfg.Approvals.CreateOrGet(ctx, draft)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if appr.Status == approval.StatusPending {
		metrics.RecordApprovalCreated()
	}
	return appr, nil
}

// GetApproval returns the approval by id.
func (g *Gateway) GetApproval(ctx context.Context, id string) (*approval.Approval, *gwerr.Fault) {
	appr, err := g.cfg.Approvals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, approvalstore.ErrNotFound) {
			return nil, gwerr.NewFault(gwerr.CodeStoreFault, err)
		}
		return nil, wrapStoreErr(err)
	}
	return appr, nil
}

// DecideApproval implements spec §6's
// "DecideApproval(approver, approval_id, {approve|deny}, note) → {override_token?}":
// it transitions the approval and, on approve, issues a single-use override
// token bound to the approval id and its action fingerprint.
func (g *Gateway) DecideApproval(ctx context.Context, approver, approvalID string, approve bool, note string) (*approval.Approval, string, *gwerr.Fault) {
	existing, err := g.cfg.Approvals.Get(ctx, approvalID)
	if err != nil {
		if errors.Is(err, approvalstore.ErrNotFound) {
			return nil, "", gwerr.NewFault(gwerr.CodeStoreFault, err)
		}
		return nil, "", wrapStoreErr(err)
	}

	var overrideTokenValue, overrideTokenHash string
	if approve {
		overrideTokenValue, overrideTokenHash, err = token.IssueOverride(g.cfg.GatewayKeys.Current, "gateway", approvalID, existing.ActionFingerprint, g.cfg.OverrideTTL)
		if err != nil {
			return nil, "", gwerr.NewFault(gwerr.CodeEvalFault, fmt.Errorf("gateway: issue override token: %w", err))
		}
	}

	decided, err := g.cfg.Approvals.Decide(ctx, approvalID, approver, approve, note, overrideTokenHash)
	if err != nil {
		if errors.Is(err, approvalstore.ErrAlreadyDecided) {
			return nil, "", gwerr.NewFault(gwerr.CodeStoreFault, err)
		}
		return nil, "", wrapStoreErr(err)
	}

	// RecordApprovalDecided measures time from approval creation to human
	// decision, not the cost of this call.
	outcome := "denied"
	if approve {
		outcome = "approved"
	}
	metrics.RecordApprovalDecided(outcome, time.Since(existing.CreatedAt).Seconds())

	if !approve {
		return decided, "", nil
	}
	return decided, overrideTokenValue, nil
}
