package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/resolver"
	"github.com/orgsearch/tenant-index/schema"
)

const tenant = "0b7e6c4a-8f7e-4d2a-9a57-3f0f2ad6a111"

func newProvisioner(t *testing.T, gw gateway.Gateway) *Provisioner {
	t.Helper()
	p, err := New(gw, schema.DefaultMapping, Opts{HealthInterval: time.Millisecond, HealthTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return p
}

func aliasTargets(t *testing.T, gw gateway.Gateway, alias string) []string {
	t.Helper()
	targets, err := gw.AliasTargets(context.Background(), alias)
	require.NoError(t, err)
	return targets
}

func TestCreateTenant(t *testing.T) {
	gw := gateway.NewFake()
	p := newProvisioner(t, gw)

	ti, err := p.CreateTenant(context.Background(), tenant, 1)
	require.NoError(t, err)
	require.Equal(t, naming.IndexName(tenant, 1), ti.Name())

	require.Equal(t, []string{ti.Name()}, aliasTargets(t, gw, naming.ReadAlias(tenant)))
	require.Equal(t, []string{ti.Name()}, aliasTargets(t, gw, naming.WriteAlias(tenant)))

	spec, ok := gw.Spec(ti.Name())
	require.True(t, ok)
	require.Contains(t, string(spec.Mappings), schema.TypeField)
	require.Contains(t, string(spec.Settings), "number_of_shards")

	// Aliases are attached by the create call itself.
	require.Len(t, gw.CallsNamed(gateway.CallCreateIndex), 1)
	require.Empty(t, gw.CallsNamed(gateway.CallUpdateAliases))
	require.NotEmpty(t, gw.CallsNamed(gateway.CallHealth))
}

func TestCreateTenant_NormalizesTenantID(t *testing.T) {
	gw := gateway.NewFake()
	p := newProvisioner(t, gw)

	ti, err := p.CreateTenant(context.Background(), "0B7E6C4A-8F7E-4D2A-9A57-3F0F2AD6A111", 1)
	require.NoError(t, err)
	require.Equal(t, tenant, ti.TenantID)

	_, err = p.CreateTenant(context.Background(), "not-a-uuid", 1)
	require.Error(t, err)

	_, err = p.Provision(context.Background(), tenant, 0, Options{})
	require.ErrorContains(t, err, "invalid version")
}

func TestProvision_DuplicateDoesNotMutate(t *testing.T) {
	for _, attach := range []bool{true, false} {
		gw := gateway.NewFake()
		gw.AddIndex(naming.IndexName(tenant, 1), naming.ReadAlias(tenant), naming.WriteAlias(tenant))
		p := newProvisioner(t, gw)

		_, err := p.Provision(context.Background(), tenant, 1, Options{AttachReadAlias: attach, FailIfExists: true})
		require.ErrorIs(t, err, ErrDuplicateIndex)
		require.Empty(t, gw.Mutations())
	}
}

func TestProvision_DuplicateOnNewVersion(t *testing.T) {
	gw := gateway.NewFake()
	gw.AddIndex(naming.IndexName(tenant, 1), naming.ReadAlias(tenant), naming.WriteAlias(tenant))
	p := newProvisioner(t, gw)

	_, err := p.CreateTenant(context.Background(), tenant, 2)
	require.ErrorIs(t, err, ErrDuplicateIndex)
	require.Empty(t, gw.Mutations())
	require.False(t, gw.HasIndex(naming.IndexName(tenant, 2)))
}

func TestProvision_DuplicateBareIndex(t *testing.T) {
	gw := gateway.NewFake()
	gw.AddIndex(naming.IndexName(tenant, 1))
	p := newProvisioner(t, gw)

	_, err := p.CreateTenant(context.Background(), tenant, 1)
	require.ErrorIs(t, err, ErrDuplicateIndex)
	require.Empty(t, aliasTargets(t, gw, naming.WriteAlias(tenant)))
}

func TestProvision_MigrationTarget(t *testing.T) {
	gw := gateway.NewFake()
	v1, v2 := naming.IndexName(tenant, 1), naming.IndexName(tenant, 2)
	gw.AddIndex(v1, naming.ReadAlias(tenant), naming.WriteAlias(tenant))
	p := newProvisioner(t, gw)

	ti, err := p.Provision(context.Background(), tenant, 2, Options{})
	require.NoError(t, err)
	require.Equal(t, v2, ti.Name())

	require.Equal(t, []string{v1}, aliasTargets(t, gw, naming.ReadAlias(tenant)))
	require.Equal(t, []string{v1, v2}, aliasTargets(t, gw, naming.WriteAlias(tenant)))
}

func TestProvision_ResumeAttachesMissingAliases(t *testing.T) {
	gw := gateway.NewFake()
	v1, v2 := naming.IndexName(tenant, 1), naming.IndexName(tenant, 2)
	gw.AddIndex(v1, naming.ReadAlias(tenant), naming.WriteAlias(tenant))
	gw.AddIndex(v2)
	p := newProvisioner(t, gw)

	_, err := p.Provision(context.Background(), tenant, 2, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{v1, v2}, aliasTargets(t, gw, naming.WriteAlias(tenant)))

	calls := gw.CallsNamed(gateway.CallUpdateAliases)
	require.Len(t, calls, 1)
	require.Equal(t, []gateway.AliasAction{gateway.AddAlias(v2, naming.WriteAlias(tenant))}, calls[0].Actions)

	// A second run finds nothing to do.
	gw.ResetCalls()
	_, err = p.Provision(context.Background(), tenant, 2, Options{})
	require.NoError(t, err)
	require.Empty(t, gw.CallsNamed(gateway.CallUpdateAliases))
}

func TestProvision_WriteAliasFull(t *testing.T) {
	gw := gateway.NewFake()
	gw.AddIndex(naming.IndexName(tenant, 1), naming.ReadAlias(tenant), naming.WriteAlias(tenant))
	gw.AddIndex(naming.IndexName(tenant, 2), naming.WriteAlias(tenant))
	p := newProvisioner(t, gw)

	_, err := p.Provision(context.Background(), tenant, 3, Options{})
	require.ErrorIs(t, err, resolver.ErrAliasInvariant)
	require.False(t, gw.HasIndex(naming.IndexName(tenant, 3)))
}

func TestProvision_WaitsForHealth(t *testing.T) {
	gw := gateway.NewFake()
	name := naming.IndexName(tenant, 1)
	gw.SetHealth(name, gateway.HealthRed, gateway.HealthRed, gateway.HealthYellow)
	p := newProvisioner(t, gw)

	_, err := p.CreateTenant(context.Background(), tenant, 1)
	require.NoError(t, err)
	require.Len(t, gw.CallsNamed(gateway.CallHealth), 3)
}

func TestProvision_HealthTimeout(t *testing.T) {
	gw := gateway.NewFake()
	name := naming.IndexName(tenant, 1)
	gw.SetHealth(name, gateway.HealthRed)
	p := newProvisioner(t, gw)

	_, err := p.CreateTenant(context.Background(), tenant, 1)
	require.ErrorIs(t, err, ErrHealthTimeout)
	require.True(t, gw.HasIndex(name), "index is kept for a retry")
}

func TestProvision_HealthWaitCancelled(t *testing.T) {
	gw := gateway.NewFake()
	name := naming.IndexName(tenant, 1)
	gw.SetHealth(name, gateway.HealthRed)

	p, err := New(gw, schema.DefaultMapping, Opts{HealthInterval: time.Millisecond, HealthTimeout: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.CreateTenant(ctx, tenant, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrHealthTimeout)
}

func TestProvision_HealthCheckErrors(t *testing.T) {
	gw := gateway.NewFake()
	p := newProvisioner(t, gw)
	name := naming.IndexName(tenant, 1)

	gw.FailOn(gateway.CallHealth, &gateway.Error{Status: 400, Type: "illegal_argument_exception"})
	err := p.WaitHealthy(context.Background(), name)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHealthTimeout)

	// Transient failures are retried until the timeout.
	gw.FailOn(gateway.CallHealth, gateway.ErrClusterUnavailable)
	err = p.WaitHealthy(context.Background(), name)
	require.ErrorIs(t, err, ErrHealthTimeout)
}

func TestNew_RejectsInvalidMapping(t *testing.T) {
	_, err := New(gateway.NewFake(), schema.Mapping{}, Opts{})
	require.Error(t, err)
}
