// Package hostserver wires internal/host's request dispatcher to a TCP
// listener and bounded worker pool (spec §4.4), and drives the Cache-to-
// Manager link (spec §4.5) via internal/netconn and internal/mgmtproto.
package hostserver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/distcache/internal/host"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/config"
)

// Server is one Cache Host process's request-serving side.
type Server struct {
	cfg    config.HostConfig
	engine *store.Engine
	disp   *host.Dispatcher
	log    *zap.Logger
	metrics metricsSink

	ln net.Listener

	sem chan struct{} // bounded to cfg.MaximumConnections

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Server around engine. Pass a non-nil prometheus.Registry to
// enable metrics; nil disables them.
func New(cfg config.HostConfig, engine *store.Engine, log *zap.Logger, reg *prometheus.Registry) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	maxConns := cfg.MaximumConnections
	if maxConns <= 0 {
		maxConns = 20
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		disp:    &host.Dispatcher{Engine: engine, Location: time.Local},
		log:     log,
		metrics: newMetricsSink(reg),
		sem:     make(chan struct{}, maxConns),
		stopCh:  make(chan struct{}),
	}
}

// ListenAndServe binds the configured port and serves until ctx is
// cancelled or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", addrForPort(s.cfg.Port))
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.wg.Add(1)
	go s.performancePoller(ctx)

	return nil
}

func addrForPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// Stop closes the listener and waits for all in-flight connections and
// background goroutines to exit. Idempotent.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves requests on one connection until the peer closes it or a
// framing error occurs. Responses are written in request order (spec §5).
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	maxSize := uint32(s.cfg.MaximumMessageSizeBytes)
	timeout := s.cfg.CommunicationTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		payload, err := wire.ReadFrame(conn, maxSize)
		if err != nil {
			return
		}

		req, err := wire.Decode(payload)
		if err != nil {
			s.metrics.incError()
			continue
		}
		s.metrics.incOp(byte(req.Op))

		resp := s.disp.Dispatch(req)
		if resp.Op == host.OpError {
			s.metrics.incError()
		}

		if timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			return
		}
	}
}

// performancePoller updates exported counters at 1 Hz (spec §4.4).
func (s *Server) performancePoller(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.metrics.setObjectCount(float64(s.engine.Count()))
			s.metrics.setUsageBytes(float64(s.engine.CurrentUsageBytes()))
			s.metrics.setUsagePercent(s.engine.MemoryLimitPercent())
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// PerformanceSnapshot returns the current counters for a manual poll (used
// by the Cache-to-Manager client to build an OpPerformanceReport).
func (s *Server) PerformanceSnapshot() (itemCount, usageBytes int64, memPercent int) {
	return int64(s.engine.Count()), s.engine.CurrentUsageBytes(), int(s.engine.MemoryLimitPercent())
}
