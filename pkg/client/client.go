// Package client implements the Cache Client (spec §4.7): one persistent
// connection per known host, hash-route-batch-dispatch-remerge, an optional
// near-cache, and the HostDisconnected/no-hosts-available error paths.
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/distcache/internal/host"
	"github.com/Voskan/distcache/internal/netconn"
	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/errs"
)

// HostDisconnectedEvent is emitted once per DISCONNECTED transition of a
// known host (spec §4.7, edge-triggered).
type HostDisconnectedEvent struct {
	Host string
}

// NearCacheConfig enables the client's optional local-only read path.
type NearCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// Config bundles the client's tunables.
type Config struct {
	RequestTimeout  time.Duration // default 15s, spec §5
	ReconnectInterval time.Duration
	NearCache       NearCacheConfig
}

func (c Config) withDefaults() Config {
	out := c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 15 * time.Second
	}
	if out.NearCache.Enabled && out.NearCache.TTL <= 0 {
		out.NearCache.TTL = 5 * time.Second
	}
	return out
}

// Client routes requests across a known set of Cache Hosts.
type Client struct {
	cfg  Config
	ring *ring.Ring
	log  *zap.Logger

	linksMu sync.RWMutex
	links   map[string]*netconn.Link // keyed by "host:port"

	group singleflight.Group // coalesces concurrent network fetches of the same key (see fetchAndCache)

	near *store.Engine // nil when NearCache.Enabled == false

	disconnectEvents chan HostDisconnectedEvent
	wasConnected     map[string]bool
	wasConnectedMu   sync.Mutex

	membershipMu   sync.RWMutex
	hostsByOrdinal []string // mirrors the set last passed to ring.Recompute
}

// New constructs a Client bound to r (the shared routing ring, kept current
// by whatever membership feed the caller wires in, e.g. a dashboard-style
// poller of the Manager's Board endpoint).
func New(cfg Config, r *ring.Ring, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := cfg.withDefaults()
	cl := &Client{
		cfg:              c,
		ring:             r,
		log:              log,
		links:            make(map[string]*netconn.Link),
		disconnectEvents: make(chan HostDisconnectedEvent, 64),
		wasConnected:     make(map[string]bool),
	}
	if c.NearCache.Enabled {
		cl.near = store.New(store.Config{})
	}
	return cl
}

// Start launches the near-cache sweeper, if enabled.
func (c *Client) Start(ctx context.Context) {
	if c.near != nil {
		c.near.Start(ctx)
	}
}

// Stop releases every link and the near-cache.
func (c *Client) Stop() {
	c.linksMu.Lock()
	links := make([]*netconn.Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.linksMu.Unlock()
	for _, l := range links {
		l.Stop()
	}
	if c.near != nil {
		c.near.Stop()
	}
}

// Disconnected surfaces HostDisconnectedEvent for every known host.
func (c *Client) Disconnected() <-chan HostDisconnectedEvent { return c.disconnectEvents }

// EnsureHost registers host ("addr:port") as a known peer and starts its
// reconnecting link if this is the first time it is seen.
func (c *Client) EnsureHost(ctx context.Context, hostAddr string) {
	c.linksMu.Lock()
	if _, ok := c.links[hostAddr]; ok {
		c.linksMu.Unlock()
		return
	}
	link := netconn.New(hostAddr, func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", hostAddr)
	}, nil, c.cfg.ReconnectInterval, c.log)
	c.links[hostAddr] = link
	c.linksMu.Unlock()

	link.Start(ctx)
	go c.watchDisconnects(hostAddr, link)
}

func (c *Client) watchDisconnects(hostAddr string, link *netconn.Link) {
	for {
		select {
		case <-link.Disconnected():
			c.wasConnectedMu.Lock()
			fired := c.wasConnected[hostAddr]
			c.wasConnected[hostAddr] = false
			c.wasConnectedMu.Unlock()
			if fired {
				select {
				case c.disconnectEvents <- HostDisconnectedEvent{Host: hostAddr}:
				default:
				}
			}
		case <-link.Reconnected():
			c.wasConnectedMu.Lock()
			c.wasConnected[hostAddr] = true
			c.wasConnectedMu.Unlock()
		}
	}
}

func (c *Client) linkFor(hostAddr string) (*netconn.Link, bool) {
	c.linksMu.RLock()
	defer c.linksMu.RUnlock()
	l, ok := c.links[hostAddr]
	return l, ok
}

func (c *Client) knownHosts() []string {
	c.linksMu.RLock()
	defer c.linksMu.RUnlock()
	out := make([]string, 0, len(c.links))
	for h := range c.links {
		out = append(out, h)
	}
	return out
}

// SetMembership installs the current ordered host list, recomputes the
// shared ring (spec §4.3), and ensures a reconnecting link exists for each
// host. Callers typically drive this from whatever feed tracks the
// Manager's membership (e.g. a poller of the Board endpoint).
func (c *Client) SetMembership(ctx context.Context, hostsByOrdinal []string) {
	c.membershipMu.Lock()
	c.hostsByOrdinal = append([]string(nil), hostsByOrdinal...)
	c.membershipMu.Unlock()

	c.ring.Recompute(hostsByOrdinal)
	for _, h := range hostsByOrdinal {
		if h != "" {
			c.EnsureHost(ctx, h)
		}
	}
}

// resolveOwner translates a ring lookup into an address to dial. The ring's
// reserved "local" bucket (spec §4.3's "+1 for the local node") exists so a
// *host* can serve a key without a loopback round trip; a pure client has no
// local store, so a client-side lookup maps that bucket to the highest-
// ordinal host instead of silently dropping the key (see DESIGN.md).
func (c *Client) resolveOwner(key string) (addr string, ok bool) {
	owner, _ := c.ring.Lookup(key)
	if owner != ring.Local {
		return owner, true
	}
	c.membershipMu.RLock()
	defer c.membershipMu.RUnlock()
	if len(c.hostsByOrdinal) == 0 {
		return "", false
	}
	return c.hostsByOrdinal[len(c.hostsByOrdinal)-1], true
}

// routeKeys groups keys by owning host address. Keys with no resolvable
// owner (no membership known yet) are bucketed under "" so callers can
// detect the no-hosts-available condition.
func (c *Client) routeKeys(keys []string) map[string][]int {
	byHost := make(map[string][]int)
	for i, k := range keys {
		owner, ok := c.resolveOwner(k)
		if !ok {
			owner = ring.Local
		}
		byHost[owner] = append(byHost[owner], i)
	}
	return byHost
}

// sendRequest writes req on hostAddr's connection and reads one response,
// honoring the configured request timeout (spec §5).
func (c *Client) sendRequest(hostAddr string, req wire.Message) (wire.Message, error) {
	link, ok := c.linkFor(hostAddr)
	if !ok {
		return wire.Message{}, errs.ErrNoHostsAvailable
	}
	conn := link.Conn()
	if conn == nil {
		return wire.Message{}, errs.ErrNoHostsAvailable
	}

	// Serialize against the Link's liveness prober (see netconn.Link.AcquireRead):
	// the lock is held from before the request is written until its response
	// has been read, so the prober can never read a byte out from under it.
	release := link.AcquireRead()
	defer release()

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := wire.WriteFrame(conn, req.Encode()); err != nil {
		return wire.Message{}, errs.Wrap(errs.ErrInternal, err.Error())
	}
	_ = conn.SetReadDeadline(deadline)
	payload, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return wire.Message{}, errs.Wrap(errs.ErrTimeout, hostAddr)
		}
		return wire.Message{}, errs.Wrap(errs.ErrInternal, err.Error())
	}
	resp, err := wire.Decode(payload)
	if err != nil {
		return wire.Message{}, errs.Wrap(errs.ErrInternal, err.Error())
	}
	if resp.Op == host.OpError {
		detail := ""
		if len(resp.Fields) > 0 {
			detail = resp.Fields[0]
		}
		return wire.Message{}, errs.Wrap(errs.ErrInternal, detail)
	}
	return resp, nil
}
