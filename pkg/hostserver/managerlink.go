package hostserver

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/distcache/internal/mgmtproto"
	"github.com/Voskan/distcache/internal/netconn"
	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/config"
)

// ManagerLink is the host side of spec §4.5's persistent duplex link: it
// registers on every (re)connect, pushes performance reports, and applies
// the Manager's membership fan-out to the local ring.
type ManagerLink struct {
	cfg      config.HostConfig
	selfAddr string
	selfPort int
	server   *Server
	ring     *ring.Ring
	log      *zap.Logger

	link *netconn.Link

	hostsByOrdinal map[int]string
}

// NewManagerLink builds the link but does not dial yet; call Start.
func NewManagerLink(cfg config.HostConfig, selfAddr string, selfPort int, server *Server, r *ring.Ring, log *zap.Logger) *ManagerLink {
	if log == nil {
		log = zap.NewNop()
	}
	ml := &ManagerLink{
		cfg:            cfg,
		selfAddr:       selfAddr,
		selfPort:       selfPort,
		server:         server,
		ring:           r,
		log:            log,
		hostsByOrdinal: make(map[int]string),
	}
	managerAddr := net.JoinHostPort(cfg.ManagerAddress, strconv.Itoa(cfg.ManagerPort))
	ml.link = netconn.New("manager", func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", managerAddr)
	}, ml.onConnect, cfg.ReconnectInterval(), log)
	return ml
}

func (ml *ManagerLink) Start(ctx context.Context) { ml.link.Start(ctx) }
func (ml *ManagerLink) Stop()                     { ml.link.Stop() }

// onConnect re-registers with the Manager, per spec §4.5's reconnect
// semantics, then spawns the goroutine that applies further pushes from the
// Manager (fan-out of RegisterHost/DeregisterHost) for the lifetime of this
// connection.
func (ml *ManagerLink) onConnect(ctx context.Context, conn net.Conn) error {
	itemCount, _, _ := ml.server.PerformanceSnapshot()
	payload := mgmtproto.Encode(mgmtproto.OpRegister, mgmtproto.RegisterFields(ml.selfAddr, ml.selfPort, itemCount))
	if err := wire.WriteFrame(conn, payload); err != nil {
		return err
	}

	frame, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
	if err != nil {
		return err
	}
	op, fields, err := mgmtproto.Decode(frame)
	if err != nil {
		return err
	}
	if op != mgmtproto.OpRegisterAck {
		return errUnexpectedOp
	}
	ordinal, total, err := mgmtproto.ParseRegisterAck(fields)
	if err != nil {
		return err
	}
	ml.log.Info("registered with manager", zap.Int("ordinal", ordinal), zap.Int("total", total))

	// Taken here, before the Link starts its liveness prober for this
	// connection, and released by readFanOut when it exits.
	release := ml.link.AcquireRead()
	go ml.pushPerformanceReports(ctx)
	go ml.readFanOut(ctx, conn, release)
	return nil
}

var errUnexpectedOp = netconnProtoError("mgmtproto: unexpected response opcode")

type netconnProtoError string

func (e netconnProtoError) Error() string { return string(e) }

// pushPerformanceReports sends a report once per second for the lifetime of
// the current connection (spec §4.4's 1 Hz poller feeding the Manager).
func (ml *ManagerLink) pushPerformanceReports(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			conn := ml.link.Conn()
			if conn == nil {
				return
			}
			itemCount, usageBytes, memPercent := ml.server.PerformanceSnapshot()
			payload := mgmtproto.Encode(mgmtproto.OpPerformanceReport, mgmtproto.PerformanceReportFields(itemCount, usageBytes, memPercent))
			if err := wire.WriteFrame(conn, payload); err != nil {
				return
			}
		case <-ml.link.Disconnected():
			return
		case <-ctx.Done():
			return
		}
	}
}

// readFanOut applies OpRegisterHost/OpDeregisterHost pushes from the
// Manager to the local ring until the connection drops. The loop holds the
// Link's shared read lock (acquired by onConnect) for its whole lifetime and
// calls release on exit, so the background liveness prober in netconn.Link
// never races this loop for the same bytes (see DESIGN.md).
func (ml *ManagerLink) readFanOut(ctx context.Context, conn net.Conn, release func()) {
	defer release()
	for {
		frame, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
		if err != nil {
			return
		}
		op, fields, err := mgmtproto.Decode(frame)
		if err != nil {
			ml.log.Warn("malformed manager push", zap.Error(err))
			continue
		}
		switch op {
		case mgmtproto.OpRegisterHost:
			addr, port, ordinal, total, err := mgmtproto.ParseRegisterHost(fields)
			if err != nil {
				ml.log.Warn("malformed RegisterHost push", zap.Error(err))
				continue
			}
			ml.applyMembership(addr, port, ordinal, total)
		case mgmtproto.OpDeregisterHost:
			addr, port, err := mgmtproto.ParseDeregisterHost(fields)
			if err == nil {
				ml.removeMembership(addr, port)
			}
		case mgmtproto.OpPerformanceAck:
			// no-op: acknowledgement only
		}
	}
}

func (ml *ManagerLink) applyMembership(addr string, port, ordinal, total int) {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	ml.hostsByOrdinal[ordinal] = key
	ml.recomputeRing(total)
}

func (ml *ManagerLink) removeMembership(addr string, port int) {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	for ord, k := range ml.hostsByOrdinal {
		if k == key {
			delete(ml.hostsByOrdinal, ord)
		}
	}
	ml.recomputeRing(len(ml.hostsByOrdinal))
}

func (ml *ManagerLink) recomputeRing(total int) {
	ordered := make([]string, total)
	for ord, addr := range ml.hostsByOrdinal {
		if ord < total {
			ordered[ord] = addr
		}
	}
	ml.ring.Recompute(ordered)
}
