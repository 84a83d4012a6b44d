package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/distcache/internal/host"
	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
)

// fakeHost runs internal/host's dispatcher behind a raw TCP listener, enough
// to exercise the client's wire-level routing without pkg/hostserver.
type fakeHost struct {
	ln   net.Listener
	disp *host.Dispatcher
}

func startFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	e := store.New(store.Config{ProcessMemoryCeiling: func() int64 { return 1 << 30 }})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fh := &fakeHost{ln: ln, disp: &host.Dispatcher{Engine: e, Location: time.UTC}}
	go fh.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		cancel()
		e.Stop()
	})
	return fh
}

func (fh *fakeHost) acceptLoop() {
	for {
		conn, err := fh.ln.Accept()
		if err != nil {
			return
		}
		go fh.serve(conn)
	}
}

func (fh *fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
		if err != nil {
			return
		}
		req, err := wire.Decode(payload)
		if err != nil {
			return
		}
		resp := fh.disp.Dispatch(req)
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			return
		}
	}
}

func newSingleHostClient(t *testing.T) (*Client, string) {
	t.Helper()
	fh := startFakeHost(t)
	addr := fh.ln.Addr().String()

	r := ring.New()
	cl := New(Config{RequestTimeout: 2 * time.Second}, r, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cl.Start(ctx)
	cl.SetMembership(ctx, []string{addr})
	t.Cleanup(func() { cancel(); cl.Stop() })

	require.Eventually(t, func() bool {
		l, ok := cl.linkFor(addr)
		return ok && l.State().String() == "connected"
	}, time.Second, 5*time.Millisecond)

	return cl, addr
}

func TestClientAddThenGetRoundTrips(t *testing.T) {
	cl, _ := newSingleHostClient(t)

	require.NoError(t, cl.AddOrUpdate("foo", []byte("bar"), store.AddOptions{}))

	v, ok, err := cl.Get(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bar"), v)
}

func TestClientGetManyPreservesOrder(t *testing.T) {
	cl, _ := newSingleHostClient(t)

	require.NoError(t, cl.AddOrUpdateMany(map[string][]byte{"a": []byte("1"), "c": []byte("3")}, store.AddOptions{}))

	got, err := cl.GetMany([]string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, got)
}

func TestClientRemoveThenGetMisses(t *testing.T) {
	cl, _ := newSingleHostClient(t)

	require.NoError(t, cl.AddOrUpdate("k", []byte("v"), store.AddOptions{}))
	require.NoError(t, cl.Remove("k"))

	_, ok, err := cl.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientNearCacheServesWithoutNetwork(t *testing.T) {
	fh := startFakeHost(t)
	addr := fh.ln.Addr().String()

	r := ring.New()
	cl := New(Config{RequestTimeout: 2 * time.Second, NearCache: NearCacheConfig{Enabled: true, TTL: time.Second}}, r, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl.Start(ctx)
	cl.SetMembership(ctx, []string{addr})
	defer cl.Stop()

	require.Eventually(t, func() bool {
		l, ok := cl.linkFor(addr)
		return ok && l.State().String() == "connected"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cl.AddOrUpdate("k", []byte("v"), store.AddOptions{}))
	_, _, err := cl.Get(ctx, "k")
	require.NoError(t, err)

	fh.disp.Engine.Remove("k") // the host no longer has k: only the near-cache can return it
	_ = fh.ln.Close()          // no new connection to the host can be opened
	v, ok, err := cl.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestClientNoHostsAvailable(t *testing.T) {
	r := ring.New()
	cl := New(Config{}, r, nil)
	ctx := context.Background()
	cl.Start(ctx)
	cl.SetMembership(ctx, nil)
	defer cl.Stop()

	_, _, err := cl.Get(ctx, "anything")
	require.Error(t, err)
}

// A single-host ring's reserved local bucket covers roughly half the hash
// space (n=2 buckets for one host). This exercises a key that lands there to
// confirm the client routes it to the one known host instead of dropping it.
func TestClientRoutesLocalBucketKeyToHighestOrdinalHost(t *testing.T) {
	cl, addr := newSingleHostClient(t)

	var localKey string
	for i := 0; i < 10000; i++ {
		k := "probe-" + strconv.Itoa(i)
		if owner, _ := cl.ring.Lookup(k); owner == ring.Local {
			localKey = k
			break
		}
	}
	require.NotEmpty(t, localKey, "expected at least one of the probe keys to land in the local bucket")

	owner, ok := cl.resolveOwner(localKey)
	require.True(t, ok)
	require.Equal(t, addr, owner)

	require.NoError(t, cl.AddOrUpdate(localKey, []byte("v"), store.AddOptions{}))
	v, found, err := cl.Get(context.Background(), localKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}
