// main.go implements the distcache-ctl inspector CLI: it polls a Cache
// Manager's read-only Board snapshot endpoint and prints cluster membership
// either as pretty text or JSON, once or on a watch interval.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	version  bool
}

type boardHost struct {
	Address           string `json:"address"`
	Port              int    `json:"port"`
	Ordinal           int    `json:"ordinal"`
	ItemCount         int64  `json:"itemCount"`
	UsageBytes        int64  `json:"usageBytes"`
	MemoryLimitPct    int    `json:"memoryLimitPercent"`
	ConsecutiveMisses int    `json:"consecutiveMisses"`
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://127.0.0.1:33335", "Manager dashboard base URL")
	flag.BoolVar(&opts.json, "json", false, "print raw JSON instead of a table")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single snapshot")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval in watch mode")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()
	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	hosts, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hosts)
	}
	return prettyPrint(hosts)
}

func fetchSnapshot(ctx context.Context, base string) ([]boardHost, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/snapshot", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var hosts []boardHost
	if err := json.NewDecoder(res.Body).Decode(&hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

func prettyPrint(hosts []boardHost) error {
	fmt.Printf("%-4s %-22s %10s %12s %6s %6s\n", "ORD", "ADDRESS", "ITEMS", "USAGE", "MEM%", "MISS")
	for _, h := range hosts {
		fmt.Printf("%-4d %-22s %10d %12d %6d %6d\n",
			h.Ordinal, fmt.Sprintf("%s:%d", h.Address, h.Port), h.ItemCount, h.UsageBytes, h.MemoryLimitPct, h.ConsecutiveMisses)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "distcache-ctl:", err)
	os.Exit(1)
}
