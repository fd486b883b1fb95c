package gateway

import (
	"context"
	"fmt"

	"github.com/UAPK/gateway-core/internal/audit"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/gwerr"
	"github.com/UAPK/gateway-core/internal/metrics"
)

// VerifyAuditChain validates the (org_id, uapk_id) interaction chain
// against the gateway's signing key history (spec §6's VerifyAuditChain,
// §4.3's hash-chain and signature verification).
func (g *Gateway) VerifyAuditChain(ctx context.Context, key auditstore.Key) (audit.VerificationReport, *gwerr.Fault) {
	records, err := g.cfg.Audit.ListRecords(ctx, key, nil)
	if err != nil {
		return audit.VerificationReport{}, wrapStoreErr(err)
	}
	report := audit.VerifyChain(records, g.cfg.GatewayKeys.History)
	metrics.RecordAuditChainLength(key.OrgID, report.TotalRecords)
	return report, nil
}

// ExportAuditBundle builds the deterministic evidence bundle for key (spec
// §6's ExportAuditBundle), delegating to the injected evidence.Exporter.
func (g *Gateway) ExportAuditBundle(ctx context.Context, key auditstore.Key, filter *auditstore.Filter) ([]byte, *gwerr.Fault) {
	if g.cfg.Evidence == nil {
		return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: no evidence exporter configured"))
	}
	bundle, err := g.cfg.Evidence.ExportBundle(ctx, key, filter)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeAuditFault, fmt.Errorf("gateway: export bundle: %w", err))
	}
	return bundle, nil
}
