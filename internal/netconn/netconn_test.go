package netconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestLinkConnectsAndSignalsReconnected(t *testing.T) {
	ln := listenLoopback(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	l := New("test", func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}, nil, 20*time.Millisecond, nil)

	reconnected := l.Reconnected()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("expected a Connected edge")
	}
	require.Equal(t, Connected, l.State())

	srvConn := <-accepted
	_ = srvConn.Close()
}

func TestLinkSignalsDisconnectedWhenPeerCloses(t *testing.T) {
	ln := listenLoopback(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	l := New("test", func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}, nil, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	srvConn := <-accepted
	require.Eventually(t, func() bool { return l.State() == Connected }, time.Second, 5*time.Millisecond)

	disconnected := l.Disconnected()
	_ = srvConn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a Disconnected edge after peer close")
	}
}

func TestLinkRetriesUntilListenerAppears(t *testing.T) {
	addr := "127.0.0.1:0"
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	target := ln.Addr().String()
	require.NoError(t, ln.Close()) // nobody listening yet

	l := New("test", func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", target)
	}, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	require.Equal(t, Disconnected, l.State())

	ln2, err := net.Listen("tcp", target)
	require.NoError(t, err)
	defer ln2.Close()
	go func() { _, _ = ln2.Accept() }()

	require.Eventually(t, func() bool { return l.State() == Connected }, 2*time.Second, 10*time.Millisecond)
}
