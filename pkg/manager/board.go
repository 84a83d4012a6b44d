package manager

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a correlation id, logged alongside
// the route and latency so a snapshot poll can be traced through the logs.
func requestIDMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.New().String()
			w.Header().Set("X-Request-Id", id)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
			log.Debug("board request",
				zap.String("request_id", id),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

// boardHost is the JSON shape of one row in the Board snapshot (spec §4.6,
// §9 "Dashboard... reimplementation is mechanical").
type boardHost struct {
	Address          string `json:"address"`
	Port             int    `json:"port"`
	Ordinal          int    `json:"ordinal"`
	ItemCount        int64  `json:"itemCount"`
	UsageBytes       int64  `json:"usageBytes"`
	MemoryLimitPct   int    `json:"memoryLimitPercent"`
	ConsecutiveMisses int   `json:"consecutiveMisses"`
}

// Board serves a read-only JSON snapshot of cluster membership over plain
// HTTP, polled by the dashboard (out of scope per spec §9 — this endpoint
// is the thin, mechanical producer side only).
type Board struct {
	mgr *Manager
	log *zap.Logger

	srv *http.Server
	wg  sync.WaitGroup
}

func NewBoard(mgr *Manager, log *zap.Logger) *Board {
	if log == nil {
		log = zap.NewNop()
	}
	return &Board{mgr: mgr, log: log}
}

func (b *Board) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))
	r.Use(requestIDMiddleware(b.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/snapshot", b.handleSnapshot)
	return r
}

func (b *Board) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	hosts := b.mgr.GetPerformanceInformation()
	out := make([]boardHost, len(hosts))
	for i, h := range hosts {
		out[i] = boardHost{
			Address:           h.Address,
			Port:              h.Port,
			Ordinal:           h.Ordinal,
			ItemCount:         h.ItemCount,
			UsageBytes:        h.UsageBytes,
			MemoryLimitPct:    h.MemoryLimitPct,
			ConsecutiveMisses: h.ConsecutiveMisses,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		b.log.Warn("failed to encode board snapshot", zap.Error(err))
	}
}

// ListenAndServe binds dashboardPort and serves until ctx is cancelled or
// Stop is called.
func (b *Board) ListenAndServe(ctx context.Context) error {
	b.srv = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(b.mgr.cfg.DashboardPort)),
		Handler:           b.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", b.srv.Addr)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		_ = b.srv.Close()
	}()
	return nil
}

// Stop shuts the HTTP server down and waits for it to exit. Idempotent.
func (b *Board) Stop() {
	if b.srv != nil {
		_ = b.srv.Close()
	}
	b.wg.Wait()
}
