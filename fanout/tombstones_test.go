package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTombstones(t *testing.T) {
	ts := NewTombstones()
	require.Empty(t, ts.Drain("a"))

	ts.Record("a", "post:2", "post:1")
	ts.Record("a", "post:1")
	ts.Record("b", "team:1")
	ts.Record("c")
	require.Equal(t, 2, ts.Len("a"))
	require.Zero(t, ts.Len("c"))

	require.Equal(t, []string{"post:1", "post:2"}, ts.Drain("a"))
	require.Empty(t, ts.Drain("a"))

	ts.Track("b")
	require.True(t, ts.Tracked("b"))
	ts.Forget("b")
	require.False(t, ts.Tracked("b"))
	require.Zero(t, ts.Len("b"))
}

func TestTombstones_Concurrent(t *testing.T) {
	ts := NewTombstones()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ts.Record("a", DocumentID("post", string(rune('a'+i))))
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, ts.Drain("a"), 8)
}
