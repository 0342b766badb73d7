package naming

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const tenant = "5f1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

func TestNames(t *testing.T) {
	require.Equal(t, tenant+"_v3", IndexName(tenant, 3))
	require.Equal(t, "read_"+tenant, ReadAlias(tenant))
	require.Equal(t, "write_"+tenant, WriteAlias(tenant))

	ti := TenantIndex{TenantID: tenant, Version: 7}
	require.Equal(t, IndexName(tenant, 7), ti.Name())
	require.Equal(t, ReadAlias(tenant), ti.ReadAlias())
	require.Equal(t, WriteAlias(tenant), ti.WriteAlias())
	require.Equal(t, ti.Name(), ti.String())
}

func TestParseIndexNameRoundTrip(t *testing.T) {
	for _, v := range []int{1, 2, 10, 12345} {
		ti, err := ParseIndexName(IndexName(tenant, v))
		require.NoError(t, err)
		require.Equal(t, TenantIndex{TenantID: tenant, Version: v}, ti)
	}
}

func TestParseIndexNameRejects(t *testing.T) {
	for _, name := range []string{
		"",
		"_v1",
		tenant,
		tenant + "_v",
		tenant + "_v0",
		tenant + "_v01",
		tenant + "_vx",
		tenant + "_v1a",
		tenant + "_v-1",
		"logs-2024.01.01",
		".kibana_1",
		"not-a-uuid_v1",
		"5F1B2C3D-4E5F-4A6B-8C7D-9E0F1A2B3C4D_v1",
		"{" + tenant + "}_v1",
		"read_" + tenant,
	} {
		_, err := ParseIndexName(name)
		require.True(t, errors.Is(err, ErrNotTenantIndex), "expected %q to be rejected", name)
	}
}

func TestNormalizeTenantID(t *testing.T) {
	id, err := NormalizeTenantID("5F1B2C3D-4E5F-4A6B-8C7D-9E0F1A2B3C4D")
	require.NoError(t, err)
	require.Equal(t, tenant, id)

	_, err = NormalizeTenantID("acme")
	require.ErrorIs(t, err, ErrInvalidTenantID)
}
