package tagindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetReplacesPreviousTag(t *testing.T) {
	idx := New()
	idx.Set("k1", "t1")
	idx.Set("k1", "t2")

	require.Equal(t, []string{}, idx.Keys("t1"))
	require.Equal(t, []string{"k1"}, idx.Keys("t2"))
}

func TestRemoveDropsBothDirections(t *testing.T) {
	idx := New()
	idx.Set("k1", "t1")
	idx.Remove("k1")

	_, ok := idx.TagOf("k1")
	require.False(t, ok)
	require.Empty(t, idx.Keys("t1"))
}

func TestKeysSnapshotIsCopy(t *testing.T) {
	idx := New()
	idx.Set("k1", "t1")
	snap := idx.Keys("t1")
	idx.Set("k2", "t1")
	require.Len(t, snap, 1, "snapshot must not observe later mutation")
}

func TestMatchingKeysGlob(t *testing.T) {
	idx := New()
	idx.Set("user:1", "users")
	idx.Set("user:2", "users")
	idx.Set("admin:1", "users")

	got := idx.MatchingKeys("users", "user:*")
	require.ElementsMatch(t, []string{"user:1", "user:2"}, got)

	all := idx.MatchingKeys("users", "*")
	require.ElementsMatch(t, []string{"user:1", "user:2", "admin:1"}, all)
}
