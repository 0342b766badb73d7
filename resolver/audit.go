package resolver

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/pkg/logger"
)

// Auditor checks the alias invariants of every tenant that has a physical index.  Violations are logged and
// counted by ReadTarget and WriteTargets; Run returns them combined.
type Auditor struct {
	gw gateway.Gateway
}

func NewAuditor(gw gateway.Gateway) *Auditor {
	return &Auditor{gw: gw}
}

func (a *Auditor) Name() string { return "alias-audit" }

func (a *Auditor) Run(ctx context.Context) error {
	tenants, err := a.Tenants(ctx)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.AuditError).Inc()
		return err
	}
	metrics.TenantsTotal.Set(float64(len(tenants)))

	var errs error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if _, err := ReadTarget(ctx, a.gw, tenantID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, err := WriteTargets(ctx, a.gw, tenantID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return fmt.Errorf("alias audit found %d problems: %w", len(multierr.Errors(errs)), errs)
	}
	logger.Debugf("Alias audit checked %d tenants", len(tenants))
	return nil
}

// Tenants returns the sorted ids of tenants with at least one physical index.
func (a *Auditor) Tenants(ctx context.Context) ([]string, error) {
	indices, err := a.gw.ListIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indices: %w", err)
	}

	var tenants []string
	for _, name := range indices {
		ti, err := naming.ParseIndexName(name)
		if err != nil {
			continue
		}
		tenants = append(tenants, ti.TenantID)
	}
	slices.Sort(tenants)
	return slices.Compact(tenants), nil
}
