package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsDenseOrdinals(t *testing.T) {
	tbl := New()
	h0, isNew0 := tbl.Register("10.0.0.1", 33333)
	h1, isNew1 := tbl.Register("10.0.0.2", 33333)
	require.True(t, isNew0)
	require.True(t, isNew1)
	require.Equal(t, 0, h0.Ordinal)
	require.Equal(t, 1, h1.Ordinal)
	require.Equal(t, []string{"10.0.0.1:33333", "10.0.0.2:33333"}, tbl.Addresses())
}

func TestRegisterTwiceIsNotNew(t *testing.T) {
	tbl := New()
	tbl.Register("10.0.0.1", 33333)
	_, isNew := tbl.Register("10.0.0.1", 33333)
	require.False(t, isNew)
	require.Equal(t, 1, tbl.Count())
}

func TestDeregisterRenumbersRemainingHosts(t *testing.T) {
	tbl := New()
	tbl.Register("a", 1)
	tbl.Register("b", 1)
	tbl.Register("c", 1)

	require.True(t, tbl.Deregister("b", 1))
	addrs := tbl.Addresses()
	require.Equal(t, []string{"a:1", "c:1"}, addrs)

	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 0, snap[0].Ordinal)
	require.Equal(t, 1, snap[1].Ordinal)
}

func TestDeregisterAbsentHostReturnsFalse(t *testing.T) {
	tbl := New()
	require.False(t, tbl.Deregister("nowhere", 1))
}

func TestUpdatePerformanceResetsMissCounter(t *testing.T) {
	tbl := New()
	tbl.Register("a", 1)
	misses, ok := tbl.NoteMissedPoll("a", 1)
	require.True(t, ok)
	require.Equal(t, 1, misses)

	require.True(t, tbl.UpdatePerformance("a", 1, 10, 2048, 50))
	snap := tbl.Snapshot()
	require.Equal(t, int64(10), snap[0].ItemCount)
	require.Equal(t, 0, snap[0].ConsecutiveMisses)
}

func TestNoteMissedPollOnUnknownHost(t *testing.T) {
	tbl := New()
	_, ok := tbl.NoteMissedPoll("ghost", 1)
	require.False(t, ok)
}
