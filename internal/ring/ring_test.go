package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKeyDeterministic(t *testing.T) {
	require.Equal(t, HashKey("foo"), HashKey("foo"))
	require.NotEqual(t, HashKey("foo"), HashKey("bar"))
}

func TestRecomputeCoversEntireSpace(t *testing.T) {
	r := New()
	r.Recompute([]string{"h1:33333", "h2:33333", "h3:33333"})

	buckets := r.Buckets()
	require.NotEmpty(t, buckets)
	// Every signed int32 is covered by exactly one contiguous run: check the
	// boundary stitching rather than enumerate 2^32 values.
	for i := 1; i < len(buckets); i++ {
		require.Equal(t, buckets[i-1].Max+1, buckets[i].Min, "gap or overlap at bucket %d", i)
	}
}

func TestLookupSameMembershipSameOwnerEverywhere(t *testing.T) {
	hosts := []string{"h1:33333", "h2:33333", "h3:33333"}

	r1 := New()
	r1.Recompute(hosts)
	r2 := New()
	r2.Recompute(hosts)

	for _, k := range []string{"a", "bbbb", "some-long-key-1234", "x"} {
		o1, ok1 := r1.Lookup(k)
		o2, ok2 := r2.Lookup(k)
		require.Equal(t, ok1, ok2)
		require.Equal(t, o1, o2, "key %q routed differently", k)
	}
}

func TestLookupDistributesAcrossHostsAndLocal(t *testing.T) {
	r := New()
	r.Recompute([]string{"h1:33333", "h2:33333"})

	seen := map[string]int{}
	for i := 0; i < 10000; i++ {
		owner, _ := r.Lookup(string(rune('a'+i%26)) + string(rune('A'+(i/26)%26)) + string(rune(i%251)))
		seen[owner]++
	}
	require.Greater(t, len(seen), 1, "expected keys to land on more than one owner/local bucket")
}

func TestLoadBalanceRequiredFiresOnRecompute(t *testing.T) {
	r := New()
	ch := r.LoadBalanceRequired()
	r.Recompute([]string{"h1:33333"})

	select {
	case <-ch:
	default:
		t.Fatal("expected a rebalance signal after Recompute")
	}
}

func TestEmptyMembershipEverythingIsLocal(t *testing.T) {
	r := New()
	r.Recompute(nil)
	owner, ok := r.Lookup("anything")
	require.True(t, ok)
	require.Equal(t, Local, owner)
}
