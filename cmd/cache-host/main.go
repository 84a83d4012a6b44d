// main.go starts one Cache Host process: it binds the client-facing TCP
// port, registers with the configured Manager, and serves until SIGINT or
// SIGTERM.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/distcache/internal/ring"
	"github.com/Voskan/distcache/internal/store"
	"github.com/Voskan/distcache/pkg/config"
	"github.com/Voskan/distcache/pkg/hostserver"
)

var version = "dev"

type options struct {
	port            int
	managerAddr     string
	managerPort     int
	memoryLimitPct  int
	storageProvider string
	metrics         bool
	printVersion    bool
}

func parseFlags() *options {
	def := config.DefaultHostConfig()
	opts := &options{}
	flag.IntVar(&opts.port, "port", def.Port, "client-facing TCP port")
	flag.StringVar(&opts.managerAddr, "manager-address", "127.0.0.1", "Manager host/IP")
	flag.IntVar(&opts.managerPort, "manager-port", def.ManagerPort, "Manager TCP port")
	flag.IntVar(&opts.memoryLimitPct, "memory-limit-percent", def.CacheMemoryLimitPercentage, "eviction threshold as a percent of process memory ceiling")
	flag.StringVar(&opts.storageProvider, "storage-provider", string(def.StorageProvider), "payload transform: plain or gzip")
	flag.BoolVar(&opts.metrics, "metrics", true, "collect Prometheus metrics in an in-process registry (not served over HTTP)")
	flag.BoolVar(&opts.printVersion, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()
	if opts.printVersion {
		fmt.Println(version)
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	cfg := config.DefaultHostConfig()
	cfg.Port = opts.port
	cfg.ManagerAddress = opts.managerAddr
	cfg.ManagerPort = opts.managerPort
	cfg.CacheMemoryLimitPercentage = opts.memoryLimitPct
	cfg.StorageProvider = config.StorageProvider(opts.storageProvider)
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	engine := store.New(store.Config{
		SweepInterval:      cfg.SweepInterval(),
		MemoryLimitPercent: cfg.CacheMemoryLimitPercentage,
	})
	engine.Start(ctx)
	defer engine.Stop()

	var reg *prometheus.Registry
	if opts.metrics {
		reg = prometheus.NewRegistry()
	}

	srv := hostserver.New(cfg, engine, log, reg)
	if err := srv.ListenAndServe(ctx); err != nil {
		fatal(err)
	}
	defer srv.Stop()

	selfAddr, selfPort := selfAddress(cfg.Port)
	r := ring.New()
	link := hostserver.NewManagerLink(cfg, selfAddr, selfPort, srv, r, log)
	link.Start(ctx)
	defer link.Stop()

	log.Info("cache host listening", zap.Int("port", cfg.Port), zap.String("manager", fmt.Sprintf("%s:%d", cfg.ManagerAddress, cfg.ManagerPort)))
	<-ctx.Done()
}

// selfAddress resolves the address the Manager should dial back, falling
// back to "127.0.0.1" when the host has no routable hostname configured.
func selfAddress(port int) (string, int) {
	host, _ := os.Hostname()
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		return addrs[0], port
	}
	return "127.0.0.1", port
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cache-host:", err)
	os.Exit(1)
}
