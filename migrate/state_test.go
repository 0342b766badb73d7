package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orgsearch/tenant-index/gateway"
	"github.com/orgsearch/tenant-index/naming"
	"github.com/orgsearch/tenant-index/resolver"
)

func TestState(t *testing.T) {
	v1 := naming.IndexName(tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	read, write := naming.ReadAlias(tenantA), naming.WriteAlias(tenantA)

	for _, tc := range []struct {
		name  string
		setup func(gw *gateway.Fake)
		want  State
	}{
		{
			name: "discovered",
			setup: func(gw *gateway.Fake) {
				gw.AddIndex(v1, read, write)
			},
			want: Discovered,
		},
		{
			name: "new index exists without aliases",
			setup: func(gw *gateway.Fake) {
				gw.AddIndex(v1, read, write)
				gw.AddIndex(v2)
			},
			want: Discovered,
		},
		{
			name: "provisioned",
			setup: func(gw *gateway.Fake) {
				gw.AddIndex(v1, read, write)
				gw.AddIndex(v2, write)
			},
			want: Provisioned,
		},
		{
			name: "cut over",
			setup: func(gw *gateway.Fake) {
				gw.AddIndex(v1)
				gw.AddIndex(v2, read, write)
			},
			want: CutOver,
		},
		{
			name: "cleaned up",
			setup: func(gw *gateway.Fake) {
				gw.AddIndex(v2, read, write)
			},
			want: CleanedUp,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gw := gateway.NewFake()
			tc.setup(gw)
			o := newOrchestrator(t, gw, Opts{})

			got, err := o.State(context.Background(), v1, 2)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestState_ReadsNewButWritesOld(t *testing.T) {
	v1 := naming.IndexName(tenantA, 1)
	v2 := naming.IndexName(tenantA, 2)
	gw := gateway.NewFake()
	gw.AddIndex(v1, naming.WriteAlias(tenantA))
	gw.AddIndex(v2, naming.ReadAlias(tenantA), naming.WriteAlias(tenantA))
	o := newOrchestrator(t, gw, Opts{})

	_, err := o.State(context.Background(), v1, 2)
	require.ErrorIs(t, err, resolver.ErrAliasInvariant)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "discovered", Discovered.String())
	require.Equal(t, "backfilled", Backfilled.String())
	require.Equal(t, "cleaned_up", CleanedUp.String())
	require.Equal(t, "State(9)", State(9).String())
}
