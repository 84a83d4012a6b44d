// Package netconn implements the reconnect state machine shared by the
// host-to-Manager link (spec §4.5) and the client-to-host link (spec §4.7):
// a DISCONNECTED/CONNECTED pair with edge-triggered signals so a caller can
// react to a transition exactly once rather than polling a boolean.
package netconn

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one edge of the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

const (
	defaultRetryInterval = 5 * time.Second
	minRetryInterval     = 1 * time.Second
	maxRetryInterval     = 60 * time.Second
)

// Dialer opens the underlying transport. Returning a live net.Conn flips the
// Link to Connected; a non-nil error keeps it Disconnected and schedules a
// retry after RetryInterval.
type Dialer func(ctx context.Context) (net.Conn, error)

// OnConnect runs once per Connected transition, with the new conn. A non-nil
// return value is treated as a connect-time failure (e.g. the initial
// registration handshake failed) and the Link drops back to Disconnected.
type OnConnect func(ctx context.Context, conn net.Conn) error

// Link manages one reconnecting outbound connection. All state transitions
// are serialized under mu; callers never observe a torn read of State or
// Conn.
type Link struct {
	name          string
	dial          Dialer
	onConnect     OnConnect
	retryInterval time.Duration
	log           *zap.Logger

	mu      sync.Mutex
	state   State
	conn    net.Conn
	started bool // set by the first Start

	// readMu serializes every conn.Read call for the current connection
	// between the liveness prober (waitForClose) and the owner's own
	// protocol reads (sendRequest, readFanOut, ...). Without this, two
	// goroutines blocked in Read on the same net.Conn race the netpoller
	// for arriving bytes and the loser sees a corrupted frame (see
	// DESIGN.md). Owners must wrap any Read on Conn() with
	// AcquireRead/the returned release.
	readMu sync.Mutex

	disconnected chan struct{} // closed and replaced on each Disconnected edge
	reconnected  chan struct{} // closed and replaced on each Connected edge

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Link. retryInterval is clamped to [1s,60s]; zero selects the
// 5s default from spec §4.5/§4.7.
func New(name string, dial Dialer, onConnect OnConnect, retryInterval time.Duration, log *zap.Logger) *Link {
	switch {
	case retryInterval == 0:
		retryInterval = defaultRetryInterval
	case retryInterval < minRetryInterval:
		retryInterval = minRetryInterval
	case retryInterval > maxRetryInterval:
		retryInterval = maxRetryInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Link{
		name:          name,
		dial:          dial,
		onConnect:     onConnect,
		retryInterval: retryInterval,
		log:           log,
		state:         Disconnected,
		disconnected:  make(chan struct{}),
		reconnected:   make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the connect/retry loop in the background. Idempotent: a
// second Start on a running Link is a no-op.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	select {
	case <-l.stopCh:
	default:
		l.started = true
		l.wg.Add(1)
		go l.run(ctx)
		return
	}
}

// Stop halts the loop and closes the current connection, if any. Idempotent.
func (l *Link) Stop() {
	l.mu.Lock()
	select {
	case <-l.stopCh:
		l.mu.Unlock()
		return
	default:
		close(l.stopCh)
	}
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	l.wg.Wait()
}

func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.log.Warn("dial failed, will retry", zap.String("link", l.name), zap.Error(err), zap.Duration("retryIn", l.retryInterval))
			l.markDisconnected()
			if !l.sleep(ctx, l.retryInterval) {
				return
			}
			continue
		}

		if l.onConnect != nil {
			if err := l.onConnect(ctx, conn); err != nil {
				l.log.Warn("connect handshake failed, will retry", zap.String("link", l.name), zap.Error(err))
				_ = conn.Close()
				l.markDisconnected()
				if !l.sleep(ctx, l.retryInterval) {
					return
				}
				continue
			}
		}

		l.markConnected(conn)
		l.waitForClose(ctx, conn)
		l.markDisconnected()
	}
}

// AcquireRead locks the Link's shared read lock and returns the matching
// release function. Any owner performing its own protocol-level conn.Read
// on the connection returned by Conn() must hold this lock for the
// duration of that read, and from before it writes any request whose reply
// it will read, so the liveness prober in waitForClose is never inside a
// Read when bytes meant for the owner's frame arrive.
func (l *Link) AcquireRead() func() {
	l.readMu.Lock()
	return l.readMu.Unlock
}

// waitForClose blocks until conn stops being readable (peer closed, network
// error) or the Link is stopped. The probe read takes readMu so it never
// races an owner's in-flight protocol read for the same bytes; while the
// owner holds the lock the prober simply waits and retries.
func (l *Link) waitForClose(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if !l.readMu.TryLock() {
				select {
				case <-time.After(50 * time.Millisecond):
					continue
				case <-l.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			_, err := conn.Read(buf)
			l.readMu.Unlock()
			if err != nil {
				var ne net.Error
				if ok := asNetError(err, &ne); ok && ne.Timeout() {
					select {
					case <-l.stopCh:
						return
					case <-ctx.Done():
						return
					default:
						continue
					}
				}
				return
			}
		}
	}()
	select {
	case <-done:
	case <-l.stopCh:
		_ = conn.Close()
		<-done
	case <-ctx.Done():
		_ = conn.Close()
		<-done
	}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Link) markConnected(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.state = Connected
	close(l.reconnected)
	l.reconnected = make(chan struct{})
	l.mu.Unlock()
}

func (l *Link) markDisconnected() {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	if l.state != Disconnected {
		l.state = Disconnected
		close(l.disconnected)
		l.disconnected = make(chan struct{})
	}
	l.mu.Unlock()
}

// State returns the current edge.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Conn returns the live connection, or nil when Disconnected.
func (l *Link) Conn() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Disconnected returns a channel that closes on the next Disconnected edge.
// Each edge gets a fresh channel so callers must re-call Disconnected after
// it fires to observe the next one.
func (l *Link) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

// Reconnected returns a channel that closes on the next Connected edge.
func (l *Link) Reconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnected
}
