package main

// main.go implements the compiler-core inspector CLI: it parses
// command-line flags, fetches diagnostic data from a running orchestrator
// process exposing the debug endpoint, and prints it either as pretty text
// or JSON. It also supports periodic watch mode and pprof snapshot
// download.
//
// The target process is expected to expose:
//   • GET /debug/compiler-core/snapshot  – JSON metrics.Snapshot payload.
//   • GET /debug/compiler-core/health    – JSON metrics.HealthReport payload.
//   • GET /debug/pprof/{heap,goroutine}  – standard pprof handlers (net/http/pprof).
//
// The snapshot/health objects are decoded into map[string]any to avoid
// version skew between CLI and library.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
// ---------------------------------------------------------------
// © 2025 compiler-core authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target           string
	json             bool
	health           bool
	watch            bool
	interval         time.Duration
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://127.0.0.1:9090", "base URL of the orchestrator's debug endpoint")
	flag.BoolVar(&opts.json, "json", false, "print the raw JSON payload instead of a formatted summary")
	flag.BoolVar(&opts.health, "health", false, "fetch the health report instead of the metrics snapshot")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly at -interval instead of exiting after one fetch")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "polling interval used with -watch")
	flag.StringVar(&opts.heapProfile, "heap-profile", "", "download a heap pprof profile to this path and exit")
	flag.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download a goroutine pprof profile to this path and exit")
	flag.BoolVar(&opts.version, "version", false, "print the CLI version and exit")
	flag.Parse()
	opts.target = strings.TrimSuffix(opts.target, "/")
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

	// pprof dump takes precedence over watch/json.
	if opts.heapProfile != "" {
		if err := downloadProfile(ctx, opts.target, "heap", opts.heapProfile); err != nil {
			fatal(err)
		}
		return
	}
	if opts.goroutineProfile != "" {
		if err := downloadProfile(ctx, opts.target, "goroutine", opts.goroutineProfile); err != nil {
			fatal(err)
		}
		return
	}

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

	// one-shot
	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

/* -------------------------------------------------------------------------
   Helpers
   ------------------------------------------------------------------------- */

func dumpOnce(ctx context.Context, opts *options) error {
	var (
		data map[string]any
		err  error
	)
	if opts.health {
		data, err = fetchJSON(ctx, opts.target+"/debug/compiler-core/health")
	} else {
		data, err = fetchJSON(ctx, opts.target+"/debug/compiler-core/snapshot")
	}
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	if opts.health {
		return prettyPrintHealth(data)
	}
	return prettyPrintSnapshot(data)
}

func fetchJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrintSnapshot(data map[string]any) error {
	fmt.Printf("Status:      %v\n", data["status"])
	fmt.Printf("Hits:        %v\n", data["hits"])
	fmt.Printf("Misses:      %v\n", data["misses"])
	fmt.Printf("Writes:      %v\n", data["writes"])
	fmt.Printf("Evictions:   %v\n", data["evictions"])
	fmt.Printf("Errors:      %v\n", data["errors"])
	fmt.Printf("Hit rate:    %.2f%%\n", toFloat(data["hit_rate"])*100)
	fmt.Printf("Utilization: %.2f%%\n", toFloat(data["utilization_percent"]))
	if stages, ok := data["stages"].([]any); ok {
		fmt.Println("Stages:")
		for _, s := range stages {
			row, ok := s.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %-16s hits=%-6v misses=%-6v writes=%-6v avg_read_ms=%.2f avg_write_ms=%.2f avg_build_s=%.2f\n",
				row["stage"], row["hits"], row["misses"], row["writes"],
				toFloat(row["avg_read_latency_ms"]), toFloat(row["avg_write_latency_ms"]), toFloat(row["avg_build_time_s"]))
		}
	}
	return nil
}

func prettyPrintHealth(data map[string]any) error {
	snap, _ := data["snapshot"].(map[string]any)
	if snap != nil {
		if err := prettyPrintSnapshot(snap); err != nil {
			return err
		}
	}
	if recs, ok := data["recommendations"].([]any); ok {
		fmt.Println("Recommendations:")
		for _, r := range recs {
			fmt.Printf("  - %v\n", r)
		}
	}
	return nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

func downloadProfile(ctx context.Context, base, name, path string) error {
	url := fmt.Sprintf("%s/debug/pprof/%s", base, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, res.Body); err != nil {
		return err
	}
	fmt.Printf("%s profile saved to %s\n", name, path)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "compiler-core-inspect:", err)
	os.Exit(1)
}
