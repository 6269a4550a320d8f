// llmerger merges DMX lighting layers submitted by several local clients
// over a framed-JSON IPC protocol into a single output universe.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manuco/llmerger/internal/config"
	"github.com/manuco/llmerger/internal/dispatch"
	"github.com/manuco/llmerger/internal/iomux"
	"github.com/manuco/llmerger/internal/merge"
	"github.com/manuco/llmerger/internal/metrics"
	"github.com/manuco/llmerger/pkg/logger"
)

func main() {
	cfgFile := flag.String("config", "config.json", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("llmerger v0.0.1")
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx, cfg); err != nil {
		logger.Error("llmerger: %v", err)
		os.Exit(1)
	}

	<-sigCh
	logger.Info("shutting down...")
	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("shutdown complete")
}

// run wires a merger, a multiplexer, and a dispatcher together and starts
// every configured listener. It returns once everything is listening;
// the multiplexer's loop keeps running on its own goroutine until Stop
// is called by a "quit" request. main keeps the process alive until
// SIGINT or SIGTERM; that shutdown path does not call Stop.
func run(ctx context.Context, cfg config.Config) error {
	collector := metrics.NewCollector()
	merger := merge.New()

	dialer, err := iomux.NewDialer(socksConfig(cfg.Socks))
	if err != nil {
		return fmt.Errorf("building dialer: %w", err)
	}
	mux := iomux.New(dialer)

	var d *dispatch.Dispatcher
	d = dispatch.New(merger, mux, collector, func() { mux.Stop() })

	mux.RegisterHighLevelListener(func(ev iomux.HighLevelEvent) {
		switch ev.Kind {
		case iomux.EventPacket:
			d.Dispatch(ev.CID, ev.Doc)
		case iomux.EventIncomingConnection, iomux.EventOutcomingConnection:
			collector.IncConnectionsActive()
		case iomux.EventConnectionClosed:
			collector.DecConnectionsActive()
			d.HandleConnectionClosed(ev.CID)
		case iomux.EventProtocolError:
			collector.IncFramingGarbage()
		}
	})

	go mux.Main()

	socketPath := cfg.Socket.Path
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	if _, err := mux.ListenUnix(socketPath); err != nil {
		return fmt.Errorf("listening on unix socket %s: %w", socketPath, err)
	}
	logger.Info("listening on unix socket %s", socketPath)

	if cfg.TCP.Enabled {
		tlsCfg, err := tcpTLSConfig(cfg.TCP.TLS)
		if err != nil {
			return err
		}
		if _, err := mux.Listen(cfg.TCP.Port, cfg.TCP.IPv6, tlsCfg); err != nil {
			return fmt.Errorf("listening on tcp port %d: %w", cfg.TCP.Port, err)
		}
		logger.Info("listening on tcp port %d (ipv6=%v tls=%v)", cfg.TCP.Port, cfg.TCP.IPv6, tlsCfg != nil)
	}

	if cfg.HTTP.Listen != "" {
		metrics.Register(cfg.HTTP.Namespace, collector)
		go httpServe(ctx, cfg.HTTP.Listen, merger, collector)
	}

	return nil
}

func socksConfig(s config.SocksConfig) *iomux.SocksConfig {
	if !s.Enabled {
		return nil
	}
	return &iomux.SocksConfig{
		Enabled:  s.Enabled,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
	}
}

func tcpTLSConfig(t config.TLSConfig) (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// httpServe starts the optional HTTP endpoint: /healthz for liveness,
// /status for a JSON snapshot of layers and the merged universe, and
// /metrics for prometheus scraping.
func httpServe(ctx context.Context, addr string, merger *merge.Merger, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"layers":  merger.Status(),
			"output":  merger.Output(),
			"metrics": collector.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http: %v", err)
	}
}
