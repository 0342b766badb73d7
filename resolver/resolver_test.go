package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/metrics"
	"github.com/orgsearch/tenant-index/naming"
)

const tenant = "6f1c2d0e-5b1a-4c8e-9d7f-2a3b4c5d6e7f"

func TestReadTarget(t *testing.T) {
	gw := gateway.NewFake()
	v1 := naming.IndexName(tenant, 1)
	gw.AddIndex(v1, naming.ReadAlias(tenant), naming.WriteAlias(tenant))

	got, err := ReadTarget(context.Background(), gw, tenant)
	require.NoError(t, err)
	require.Equal(t, v1, got)
}

func TestReadTarget_Violations(t *testing.T) {
	for _, tc := range []struct {
		name    string
		indices []string
	}{
		{name: "missing alias"},
		{name: "two targets", indices: []string{naming.IndexName(tenant, 1), naming.IndexName(tenant, 2)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gw := gateway.NewFake()
			for _, idx := range tc.indices {
				gw.AddIndex(idx, naming.ReadAlias(tenant))
			}

			before := testutil.ToFloat64(metrics.AliasInvariantViolations.WithLabelValues("read"))
			_, err := ReadTarget(context.Background(), gw, tenant)
			require.ErrorIs(t, err, ErrAliasInvariant)

			var ie *InvariantError
			require.True(t, errors.As(err, &ie))
			require.Equal(t, naming.ReadAlias(tenant), ie.Alias)
			require.Len(t, ie.Targets, len(tc.indices))
			require.Equal(t, before+1, testutil.ToFloat64(metrics.AliasInvariantViolations.WithLabelValues("read")))
		})
	}
}

func TestWriteTargets(t *testing.T) {
	gw := gateway.NewFake()
	ctx := context.Background()

	_, err := WriteTargets(ctx, gw, tenant)
	require.ErrorIs(t, err, ErrAliasInvariant)

	gw.AddIndex(naming.IndexName(tenant, 1), naming.WriteAlias(tenant))
	targets, err := WriteTargets(ctx, gw, tenant)
	require.NoError(t, err)
	require.Equal(t, []string{naming.IndexName(tenant, 1)}, targets)

	gw.AddIndex(naming.IndexName(tenant, 2), naming.WriteAlias(tenant))
	targets, err = WriteTargets(ctx, gw, tenant)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	gw.AddIndex(naming.IndexName(tenant, 3), naming.WriteAlias(tenant))
	_, err = WriteTargets(ctx, gw, tenant)
	require.ErrorIs(t, err, ErrAliasInvariant)
}

func TestLookupErrorIsNotViolation(t *testing.T) {
	gw := gateway.NewFake()
	gw.FailOn(gateway.CallAliasTargets, gateway.ErrClusterUnavailable)

	_, err := ReadTarget(context.Background(), gw, tenant)
	require.ErrorIs(t, err, gateway.ErrClusterUnavailable)
	require.NotErrorIs(t, err, ErrAliasInvariant)
}
