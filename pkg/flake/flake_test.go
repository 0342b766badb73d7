package flake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFlakeID(t *testing.T) {
	id := NextID()
	createdAt, err := ParseFlakeID(id)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), createdAt, time.Minute)

	id1 := NextID()
	require.NotEqual(t, id, id1)
	createdAt1, err := ParseFlakeID(id1)
	require.NoError(t, err)
	require.True(t, createdAt1.After(createdAt))

	_, err = ParseFlakeID("not-hex")
	require.Error(t, err)
}
