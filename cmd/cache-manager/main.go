// main.go starts one Cache Manager process: the authoritative membership
// registry, fan-out coordinator, and read-only dashboard snapshot server.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Voskan/distcache/pkg/config"
	"github.com/Voskan/distcache/pkg/manager"
)

var version = "dev"

type options struct {
	port          int
	dashboardPort int
	printVersion  bool
}

func parseFlags() *options {
	def := config.DefaultManagerConfig()
	opts := &options{}
	flag.IntVar(&opts.port, "port", def.Port, "host-facing TCP port")
	flag.IntVar(&opts.dashboardPort, "dashboard-port", def.DashboardPort, "read-only JSON snapshot HTTP port")
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

	cfg := config.DefaultManagerConfig()
	cfg.Address = "0.0.0.0" // the host-facing listener binds every interface
	cfg.Port = opts.port
	cfg.DashboardPort = opts.dashboardPort
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

	mgr := manager.New(cfg, log)
	if err := mgr.ListenAndServe(ctx); err != nil {
		fatal(err)
	}
	defer mgr.Stop()

	board := manager.NewBoard(mgr, log)
	if err := board.ListenAndServe(ctx); err != nil {
		fatal(err)
	}
	defer board.Stop()

	log.Info("cache manager listening", zap.Int("port", cfg.Port), zap.Int("dashboardPort", cfg.DashboardPort))
	<-ctx.Done()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cache-manager:", err)
	os.Exit(1)
}
