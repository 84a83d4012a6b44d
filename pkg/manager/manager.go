// Package manager implements the Cache Manager (spec §4.6): the
// authoritative membership registry, fan-out of join/leave events to every
// connected host, and the read-only Board snapshot endpoint.
package manager

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/distcache/internal/membership"
	"github.com/Voskan/distcache/internal/mgmtproto"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/config"
)

// peerConn is one live host connection the Manager can push fan-out
// messages down.
type peerConn struct {
	addr string
	port int
	conn net.Conn

	writeMu sync.Mutex
}

// writeFrame serializes writes to conn. wire.WriteFrame issues a header
// write followed by a payload write; without this lock, a registration
// fan-out and a concurrent deregistration push (or two overlapping
// fan-outs) to the same peer can interleave header/payload across frames
// and corrupt what the host reads (spec §5's within-one-connection
// ordering guarantee).
func (p *peerConn) writeFrame(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteFrame(p.conn, payload)
}

// Manager holds the cluster's membership and drives registration, fan-out,
// and deregistration exactly as spec §4.6.
type Manager struct {
	cfg   config.ManagerConfig
	table *membership.Table
	log   *zap.Logger

	ln net.Listener

	peersMu sync.Mutex
	peers   map[string]*peerConn // keyed by "addr:port"

	deregisterQueue chan string // "addr:port" entries pending removal

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager. Call ListenAndServe to begin accepting hosts.
func New(cfg config.ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:             cfg,
		table:           membership.New(),
		log:             log,
		peers:           make(map[string]*peerConn),
		deregisterQueue: make(chan string, 256),
		stopCh:          make(chan struct{}),
	}
}

// Table exposes the membership registry, e.g. for the Board endpoint.
func (m *Manager) Table() *membership.Table { return m.table }

// ListenAndServe binds the configured port and begins accepting host
// connections; the deregistration drain worker starts alongside it.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(m.cfg.Port))
	if err != nil {
		return err
	}
	m.ln = ln

	m.wg.Add(1)
	go m.acceptLoop(ctx)

	m.wg.Add(1)
	go m.deregisterWorker(ctx)

	return nil
}

// Stop closes the listener and waits for all goroutines to exit. Idempotent.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	if m.ln != nil {
		_ = m.ln.Close()
	}
	m.wg.Wait()
}

func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			default:
				m.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleHost(ctx, conn)
		}()
	}
}

// handleHost performs the §4.6 registration handshake and then serves the
// duplex link until it closes or faults, at which point the host is queued
// for deregistration.
func (m *Manager) handleHost(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	frame, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
	if err != nil {
		return
	}
	op, fields, err := mgmtproto.Decode(frame)
	if err != nil || op != mgmtproto.OpRegister {
		return
	}
	addr, port, initialCount, err := mgmtproto.ParseRegister(fields)
	if err != nil {
		return
	}
	_ = initialCount

	desc, _ := m.table.Register(addr, port)
	key := net.JoinHostPort(addr, strconv.Itoa(port))

	pc := &peerConn{addr: addr, port: port, conn: conn}
	m.peersMu.Lock()
	m.peers[key] = pc
	m.peersMu.Unlock()

	total := m.table.Count()
	ackPayload := mgmtproto.Encode(mgmtproto.OpRegisterAck, mgmtproto.RegisterAckFields(desc.Ordinal, total))
	if err := pc.writeFrame(ackPayload); err != nil {
		m.dropPeer(key)
		return
	}

	m.fanOutRegistration(key, desc, total)
	m.log.Info("host registered", zap.String("addr", addr), zap.Int("port", port), zap.Int("ordinal", desc.Ordinal))

	m.serveHostLink(ctx, key, conn)
	m.queueDeregistration(key)
}

// fanOutRegistration tells every other peer about the new host, and tells
// the new host about every existing peer, per spec §4.6 ("fan-out is
// O(N)"). Failures to one peer during fan-out mark that peer for
// deregistration but do not abort the current registration.
func (m *Manager) fanOutRegistration(newKey string, newDesc membership.HostDescriptor, total int) {
	payload := mgmtproto.Encode(mgmtproto.OpRegisterHost, mgmtproto.RegisterHostFields(newDesc.Address, newDesc.Port, newDesc.Ordinal, total))

	m.peersMu.Lock()
	targets := make([]*peerConn, 0, len(m.peers))
	for k, p := range m.peers {
		if k == newKey {
			continue
		}
		targets = append(targets, p)
	}
	newPeer := m.peers[newKey]
	m.peersMu.Unlock()

	for _, p := range targets {
		if err := p.writeFrame(payload); err != nil {
			m.queueDeregistration(net.JoinHostPort(p.addr, strconv.Itoa(p.port)))
		}
	}

	if newPeer == nil {
		return
	}
	for _, existing := range m.table.Snapshot() {
		if existing.Address == newDesc.Address && existing.Port == newDesc.Port {
			continue
		}
		existingPayload := mgmtproto.Encode(mgmtproto.OpRegisterHost, mgmtproto.RegisterHostFields(existing.Address, existing.Port, existing.Ordinal, total))
		if err := newPeer.writeFrame(existingPayload); err != nil {
			m.queueDeregistration(newKey)
			return
		}
	}
}

// serveHostLink reads OpPerformanceReport updates until the link closes.
func (m *Manager) serveHostLink(ctx context.Context, key string, conn net.Conn) {
	addr, portStr, _ := net.SplitHostPort(key)
	port, _ := strconv.Atoi(portStr)
	for {
		frame, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
		if err != nil {
			return
		}
		op, fields, err := mgmtproto.Decode(frame)
		if err != nil {
			continue
		}
		if op != mgmtproto.OpPerformanceReport {
			continue
		}
		itemCount, usageBytes, memPercent, err := mgmtproto.ParsePerformanceReport(fields)
		if err != nil {
			continue
		}
		m.table.UpdatePerformance(addr, port, itemCount, usageBytes, memPercent)
	}
}

// queueDeregistration enqueues key for removal, absorbing correlated-failure
// storms behind the drain worker's fixed cadence (spec §4.6).
func (m *Manager) queueDeregistration(key string) {
	select {
	case m.deregisterQueue <- key:
	default:
		m.log.Warn("deregistration queue full, dropping", zap.String("key", key))
	}
}

func (m *Manager) dropPeer(key string) {
	m.peersMu.Lock()
	delete(m.peers, key)
	m.peersMu.Unlock()
}

func (m *Manager) deregisterWorker(ctx context.Context) {
	defer m.wg.Done()
	cadence := m.cfg.DeregistrationCadence()
	if cadence <= 0 {
		cadence = 5 * time.Second
	}
	t := time.NewTicker(cadence)
	defer t.Stop()

	pending := make(map[string]struct{})
	for {
		select {
		case key := <-m.deregisterQueue:
			pending[key] = struct{}{}
		case <-t.C:
			if len(pending) == 0 {
				continue
			}
			for key := range pending {
				m.drainOne(key)
			}
			pending = make(map[string]struct{})
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) drainOne(key string) {
	addr, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(portStr)
	if !m.table.Deregister(addr, port) {
		return
	}
	m.dropPeer(key)
	m.log.Info("host deregistered", zap.String("addr", addr), zap.Int("port", port))

	payload := mgmtproto.Encode(mgmtproto.OpDeregisterHost, mgmtproto.DeregisterHostFields(addr, port))
	m.peersMu.Lock()
	targets := make([]*peerConn, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, p)
	}
	m.peersMu.Unlock()
	for _, p := range targets {
		if err := p.writeFrame(payload); err != nil {
			m.queueDeregistration(net.JoinHostPort(p.addr, strconv.Itoa(p.port)))
		}
	}
}

// GetPerformanceInformation returns a snapshot for the dashboard (spec
// §4.6).
func (m *Manager) GetPerformanceInformation() []membership.HostDescriptor {
	return m.table.Snapshot()
}
