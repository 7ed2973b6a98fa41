package main

// cmd/kvserver is the memcached-text daemon: it opens a cache.Store,
// binds the wire server to it, and exposes Prometheus metrics plus a
// JSON debug snapshot on a second HTTP listener. Structure follows the
// teacher's cmd/arena-cache-inspect main.go (flag parsing up front,
// context cancellation on SIGINT/SIGTERM, a small set of named helper
// functions rather than one long main), generalized from "one-shot CLI
// client" to "long-running daemon" by handing lifecycle supervision to
// golang.org/x/sync/errgroup — the teacher imports x/sync for
// singleflight (request collapsing on cache-miss loads), a concern this
// design has no equivalent of since there is no loader; errgroup is the
// pack's other x/sync concern and fits a multi-goroutine daemon exactly.
//
// © 2025 kvcached authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvshard/kvcached/internal/server"
	cache "github.com/kvshard/kvcached/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	port        int
	poolMB      int
	debugAddr   string
	help        bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("kvserver", flag.ContinueOnError)
	opts := &options{}
	fs.IntVar(&opts.port, "p", 11211, "TCP port to listen on")
	fs.IntVar(&opts.poolMB, "m", 64, "total cache pool size, in megabytes")
	fs.StringVar(&opts.debugAddr, "debug-addr", "", "address for /metrics and /debug/snapshot (empty disables)")
	fs.BoolVar(&opts.help, "h", false, "show usage")
	help2 := fs.Bool("help", false, "show usage")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.help = opts.help || *help2
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.help {
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Println("kvserver -p <port> -m <pool_megabytes> [-debug-addr host:port]")
		os.Exit(0)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	st, err := cache.Open(int64(opts.poolMB)<<20, cache.WithMetrics(registry), cache.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvserver:", err)
		os.Exit(1)
	}
	defer st.Close()

	srv, err := server.New(server.Config{
		Port:   opts.port,
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvserver:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		return nil
	})

	var debugSrv *http.Server
	if opts.debugAddr != "" {
		debugSrv = newDebugServer(opts.debugAddr, srv, registry)
		g.Go(func() error {
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return debugSrv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "kvserver:", err)
		os.Exit(1)
	}
}

// newDebugServer builds the optional /metrics + /debug/snapshot HTTP
// listener. Unlike the wire protocol port, this one uses the standard
// net/http stack: it is low-traffic, operator-facing tooling, not a
// latency-critical path, so there is nothing to gain from the reactor.
//
// /debug/snapshot deliberately goes through srv.Stats(), not
// st.Stats(): the reactor thread talks to the Store exclusively through
// its lock-free NoLock API, so a handler goroutine calling a locked
// Store method directly would race it. srv.Stats() routes the request
// onto the reactor thread itself and waits for its answer.
func newDebugServer(addr string, srv *server.Server, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		agg, err := srv.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		snap := map[string]any{
			"curr_items":      agg.CurrItems,
			"bytes":           agg.Bytes,
			"limit_maxbytes":  agg.LimitMaxBytes,
			"get_hits":        agg.GetHits,
			"get_misses":      agg.GetMisses,
			"shards":          agg.Shards,
			"shards_migrating": agg.Migrating,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	return &http.Server{Addr: addr, Handler: mux}
}
