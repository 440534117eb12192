// Command pagecached wires the page cache, fault injector, fault
// command channel, and telemetry reporter together the way an
// embedding FS adapter would, and keeps the process alive serving
// fault records until interrupted.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazyfs-go/pagecache/internal/config"
	"github.com/lazyfs-go/pagecache/internal/fault"
	"github.com/lazyfs-go/pagecache/internal/fifo"
	"github.com/lazyfs-go/pagecache/internal/pagecache/cache"
	"github.com/lazyfs-go/pagecache/internal/telemetry"
	"github.com/lazyfs-go/pagecache/logger"
)

func main() {
	fmt.Println("Starting pagecached...")

	var configPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "", "path to a TOML config file (default config if empty)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "optional host:port to serve a /metrics websocket on")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{LogPath: cfg.LogFile, LogLevel: "info"}); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	logger.Infof("config loaded: nr_pages=%d page_size=%d io_block_size=%d eviction=%v",
		cfg.CacheNrPages, cfg.CachePageSize, cfg.IOBlockSize, cfg.ApplyLRUEviction)

	c := cache.New(cfg.CacheNrPages, cfg.IOBlockSize, cfg.CachePageSize, cfg.ApplyLRUEviction)

	var stats telemetry.Stats
	c.SetTelemetry(&stats)
	reporter := telemetry.NewReporter(&stats, c)

	// The same Injector is registered against by the FIFO control
	// channel below and consulted by the cache's real write path — a
	// fault armed over the wire actually perturbs disk I/O only because
	// both sides share this one instance.
	injector := fault.New()
	c.SetFaultInjector(injector)
	startFaultChannel(cfg, injector)

	if metricsAddr != "" {
		startMetricsServer(metricsAddr, reporter)
	}

	logger.Info("pagecached ready")
	waitForShutdown()
	logger.Info("pagecached shutting down")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// startFaultChannel runs the fifo.Server reading fault records in the
// background. A missing fifo_path means faults are simply disabled for
// this run — not every deployment wants crash-consistency testing.
func startFaultChannel(cfg config.Config, injector *fault.Injector) {
	if cfg.FifoPath == "" {
		return
	}
	srv := fifo.NewServer(cfg.FifoPath, cfg.FifoPathCompleted, injector)
	if err := srv.EnsurePipes(); err != nil {
		logger.Warnf("fault channel disabled: %v", err)
		return
	}
	go func() {
		if err := srv.Run(); err != nil {
			logger.Errorf("fault channel stopped: %v", err)
		}
	}()
	logger.Infof("fault channel listening on %s", cfg.FifoPath)
}

func startMetricsServer(addr string, reporter *telemetry.Reporter) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		reporter.ServeWS(w, r, 2*time.Second)
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("metrics server stopped: %v", err)
		}
	}()
	logger.Infof("metrics websocket listening on %s/metrics", addr)
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
