// Package provision creates physical tenant indices with the document mapping and attaches them to the
// tenant's aliases.
package provision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/orgsearch/tenant-index/resolver"
	"github.com/orgsearch/tenant-index/schema"
)

var (
	// ErrDuplicateIndex means the tenant already has an index, so a fresh provisioning request is a conflict.
	ErrDuplicateIndex = errors.New("search index already exists for tenant")

	// ErrHealthTimeout means the index was created but did not leave red health in time.  The index is kept
	// and provisioning can be retried.
	ErrHealthTimeout = errors.New("timed out waiting for index health")
)

type Opts struct {
	// HealthInterval is the delay between health checks.  Defaults to 1s.
	HealthInterval time.Duration

	// HealthTimeout bounds the wait for a new index to become at least yellow.  Defaults to 2m.
	HealthTimeout time.Duration
}

type Options struct {
	// AttachReadAlias also points the read alias at the new index.  Only valid for a tenant that has no
	// index yet; during a migration the read alias stays on the old index until cutover.
	AttachReadAlias bool

	// FailIfExists fails with ErrDuplicateIndex, without touching the cluster, when the tenant already has an
	// index behind either alias or the physical index exists.
	FailIfExists bool
}

type Provisioner struct {
	gw   gateway.Gateway
	spec gateway.IndexSpec
	opts Opts
}

func New(gw gateway.Gateway, mapping schema.Mapping, opts Opts) (*Provisioner, error) {
	if err := mapping.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping: %w", err)
	}
	settings, err := mapping.Settings()
	if err != nil {
		return nil, err
	}
	mappings, err := mapping.Mappings()
	if err != nil {
		return nil, err
	}

	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Second
	}
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = 2 * time.Minute
	}

	return &Provisioner{
		gw:   gw,
		spec: gateway.IndexSpec{Settings: settings, Mappings: mappings},
		opts: opts,
	}, nil
}

// CreateTenant provisions the first index of a new tenant, serving both reads and writes.
func (p *Provisioner) CreateTenant(ctx context.Context, tenantID string, version int) (naming.TenantIndex, error) {
	return p.Provision(ctx, tenantID, version, Options{AttachReadAlias: true, FailIfExists: true})
}

// Provision creates tenantID's index at version, attaches it to the write alias (and the read alias when
// asked) and waits until the cluster reports it at least yellow.  It is safe to call again after a failure:
// an existing index is reused and only missing aliases are added.
func (p *Provisioner) Provision(ctx context.Context, tenantID string, version int, o Options) (naming.TenantIndex, error) {
	tenantID, err := naming.NormalizeTenantID(tenantID)
	if err != nil {
		return naming.TenantIndex{}, err
	}
	if version < 1 {
		return naming.TenantIndex{}, fmt.Errorf("invalid version %d", version)
	}

	ti := naming.TenantIndex{TenantID: tenantID, Version: version}
	name := ti.Name()

	needRead, err := p.checkAliases(ctx, ti, o)
	if err != nil {
		return ti, err
	}

	aliases := []string{ti.WriteAlias()}
	if needRead {
		aliases = append(aliases, ti.ReadAlias())
	}

	spec := p.spec
	spec.Aliases = aliases
	err = p.gw.CreateIndex(ctx, name, spec)
	switch {
	case err == nil:
		metrics.IndicesCreated.Inc()
		logger.Info("Created tenant index", "index", name, "aliases", aliases)
	case errors.Is(err, gateway.ErrIndexExists) && o.FailIfExists:
		return ti, fmt.Errorf("%w: %s", ErrDuplicateIndex, name)
	case errors.Is(err, gateway.ErrIndexExists):
		if err := p.attachMissing(ctx, ti, aliases); err != nil {
			return ti, err
		}
	default:
		metrics.ErrorsTotal.WithLabelValues(metrics.CreateIndexError).Inc()
		return ti, fmt.Errorf("create index %s: %w", name, err)
	}

	if err := p.WaitHealthy(ctx, name); err != nil {
		return ti, err
	}
	return ti, nil
}

// checkAliases enforces the duplicate and cardinality rules before anything is created, and reports whether
// the read alias still needs to be attached.
func (p *Provisioner) checkAliases(ctx context.Context, ti naming.TenantIndex, o Options) (bool, error) {
	name := ti.Name()

	write, err := p.gw.AliasTargets(ctx, ti.WriteAlias())
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", ti.WriteAlias(), err)
	}

	var read []string
	if o.FailIfExists || o.AttachReadAlias {
		read, err = p.gw.AliasTargets(ctx, ti.ReadAlias())
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", ti.ReadAlias(), err)
		}
	}

	if o.FailIfExists && (len(read) > 0 || len(write) > 0) {
		return false, fmt.Errorf("%w: tenant %s is served by %v", ErrDuplicateIndex, ti.TenantID, append(read, write...))
	}

	others := slices.DeleteFunc(slices.Clone(write), func(idx string) bool { return idx == name })
	if len(others) >= 2 {
		return false, &resolver.InvariantError{Alias: ti.WriteAlias(), Targets: write, Want: "at most 1 before adding " + name}
	}

	if !o.AttachReadAlias {
		return false, nil
	}
	switch {
	case len(read) == 0:
		return true, nil
	case len(read) == 1 && read[0] == name:
		return false, nil
	default:
		return false, fmt.Errorf("%w: read alias %s already points at %v", ErrDuplicateIndex, ti.ReadAlias(), read)
	}
}

// attachMissing adds whichever of aliases the existing index is not yet part of, in one request.
func (p *Provisioner) attachMissing(ctx context.Context, ti naming.TenantIndex, aliases []string) error {
	name := ti.Name()

	var actions []gateway.AliasAction
	for _, alias := range aliases {
		targets, err := p.gw.AliasTargets(ctx, alias)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", alias, err)
		}
		if !slices.Contains(targets, name) {
			actions = append(actions, gateway.AddAlias(name, alias))
		}
	}

	if len(actions) == 0 {
		logger.Infof("Index %s already exists with its aliases", name)
		return nil
	}
	logger.Infof("Index %s already exists, attaching %d missing aliases", name, len(actions))
	if err := p.gw.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("attach aliases to %s: %w", name, err)
	}
	return nil
}

// WaitHealthy polls index health until it is at least yellow.  It gives up with ErrHealthTimeout after the
// configured timeout, or with ctx's error if ctx ends first.  Transient health check failures are retried.
func (p *Provisioner) WaitHealthy(ctx context.Context, index string) error {
	start := time.Now()
	defer func() {
		metrics.HealthWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	var last gateway.HealthStatus
	err := wait.PollUntilContextTimeout(ctx, p.opts.HealthInterval, p.opts.HealthTimeout, true, func(ctx context.Context) (bool, error) {
		status, err := p.gw.Health(ctx, index)
		if err != nil {
			if gateway.IsTransient(err) {
				logger.Warnf("Health check for %s failed: %s", index, err)
				return false, nil
			}
			return false, err
		}
		last = status
		return status.Ready(), nil
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("wait for %s health: %w", index, ctx.Err())
	}
	if wait.Interrupted(err) {
		metrics.ErrorsTotal.WithLabelValues(metrics.HealthTimeoutError).Inc()
		return fmt.Errorf("%w: %s still %q after %s", ErrHealthTimeout, index, last, p.opts.HealthTimeout)
	}
	return fmt.Errorf("wait for %s health: %w", index, err)
}
