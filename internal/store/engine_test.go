package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{
		SweepInterval:             20 * time.Millisecond,
		MemoryLimitPercent:        80,
		EvictionHysteresisPercent: 10,
		ProcessMemoryCeiling:      func() int64 { return 1024 },
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return e
}

func TestGetAfterAddOrUpdate(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{}))
	v, ok := e.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestRemoveThenGetMisses(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{}))
	e.Remove("k")
	_, ok := e.Get("k")
	require.False(t, ok)

	// Idempotent: removing again and removing an absent key never errors.
	e.Remove("k")
	e.Remove("never-existed")
}

func TestUpdateOverwritesValue(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v1"), AddOptions{}))
	require.NoError(t, e.AddOrUpdate("k", []byte("v2"), AddOptions{}))
	v, ok := e.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestTaggedKeyAppearsExactlyOnce(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{Tag: "t1"}))
	require.Equal(t, []string{"k"}, e.tags.Keys("t1"))
}

func TestRetaggingMovesKeyToNewTagOnly(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{Tag: "t1"}))
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{Tag: "t2"}))
	require.Empty(t, e.tags.Keys("t1"))
	require.Equal(t, []string{"k"}, e.tags.Keys("t2"))
}

func TestGetManyPreservesOrder(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("a", []byte("1"), AddOptions{}))
	require.NoError(t, e.AddOrUpdate("c", []byte("3"), AddOptions{}))

	got := e.GetMany([]string{"a", "b", "c"})
	require.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, got)
}

func TestAbsoluteExpirationFiresAfterSweep(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{
		Mode:       ExpireAbsolute,
		AbsoluteAt: time.Now().Add(30 * time.Millisecond),
	}))
	_, ok := e.Get("k")
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	_, ok = e.Get("k")
	require.False(t, ok)
}

func TestSlidingExpirationRefreshesOnGet(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{
		Mode:       ExpireSliding,
		SlidingTTL: 100 * time.Millisecond,
	}))

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, ok := e.Get("k")
		require.True(t, ok)
		time.Sleep(30 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)
	_, ok := e.Get("k")
	require.False(t, ok)
}

func TestInternedEntryNeverExpiresOrEvicts(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", make([]byte, 900), AddOptions{Interned: true}))

	// Push well past the memory ceiling with ordinary entries.
	for i := 0; i < 20; i++ {
		require.NoError(t, e.AddOrUpdate(string(rune('a'+i)), make([]byte, 100), AddOptions{}))
	}

	_, ok := e.Get("k")
	require.True(t, ok, "interned entry must survive eviction pressure")
}

func TestEvictionConvergesBelowCeiling(t *testing.T) {
	e := newTestEngine(t)
	ceiling := int64(1024)
	limit := ceiling * 80 / 100

	for i := 0; i < 50; i++ {
		require.NoError(t, e.AddOrUpdate(string(rune('a'+i%26))+string(rune(i)), make([]byte, 50), AddOptions{}))
	}

	require.LessOrEqual(t, e.CurrentUsageBytes(), limit)
}

func TestRemoveTaggedGlob(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("user:1", []byte("a"), AddOptions{Tag: "users"}))
	require.NoError(t, e.AddOrUpdate("user:2", []byte("b"), AddOptions{Tag: "users"}))
	require.NoError(t, e.AddOrUpdate("admin:1", []byte("c"), AddOptions{Tag: "users"}))

	n := e.RemoveTagged("users", "user:*")
	require.Equal(t, 2, n)

	_, ok := e.Get("admin:1")
	require.True(t, ok)
	_, ok = e.Get("user:1")
	require.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k1", []byte("v"), AddOptions{Tag: "t"}))
	require.NoError(t, e.AddOrUpdate("k2", []byte("v"), AddOptions{}))
	e.Clear()
	require.Equal(t, 0, e.Count())
	require.Empty(t, e.tags.Keys("t"))
}

func TestRemovalEventsAreBestEffort(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddOrUpdate("k", []byte("v"), AddOptions{NotifyRemoved: true}))
	e.Remove("k")

	select {
	case ev := <-e.Removals():
		require.Equal(t, "k", ev.Key)
		require.Equal(t, ReasonRemoved, ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a removal event")
	}
}
