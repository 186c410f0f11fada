package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ai-gateway/orchestrator/internal/admission"
	"github.com/ai-gateway/orchestrator/internal/cache"
	"github.com/ai-gateway/orchestrator/internal/config"
	"github.com/ai-gateway/orchestrator/internal/dispatcher"
	"github.com/ai-gateway/orchestrator/internal/health"
	"github.com/ai-gateway/orchestrator/internal/httpapi"
	"github.com/ai-gateway/orchestrator/internal/jobmanager"
	"github.com/ai-gateway/orchestrator/internal/obs"
	"github.com/ai-gateway/orchestrator/internal/pool"
	"github.com/ai-gateway/orchestrator/internal/redisclient"
	"github.com/ai-gateway/orchestrator/internal/registry"
)

var version = "dev"

func main() {
	var configPath string
	var addr string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&addr, "addr", ":8080", "Address for the northbound HTTP API")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := registry.New(cfg)
	p := pool.New(cfg.Pool)
	jobs := jobmanager.New(cfg.JobRetention.Window, cfg.Retry.MaxAttempts, logger)
	jobs.StartJanitor(cfg.JobRetention.Window)
	defer jobs.StopJanitor()

	var respCache dispatcher.ResponseCache
	if cfg.Cache.Backend == "redis" {
		rdb := redisclient.New(cfg)
		defer rdb.Close()
		respCache = cache.NewRedis(rdb, cfg.Cache.TTL)
		logger.Info("response cache backed by redis", obs.String("addr", cfg.Redis.Addr))
	} else {
		respCache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxKeys)
	}

	adm := admission.New(cfg.Admission.GlobalQueueCap)
	hAgg := health.New(reg, p, cfg.Health.ProbeInterval, logger)
	hAgg.Start()

	d := dispatcher.New(cfg, reg, p, jobs, respCache, adm, hAgg, logger)
	defer d.Shutdown()

	audit, err := httpapi.NewAuditLogger(cfg.Audit)
	if err != nil {
		logger.Fatal("failed to init audit logger", obs.Err(err))
	}
	api := httpapi.New(d, logger, cfg.WaitForResult, audit).WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	server := &http.Server{Addr: addr, Handler: api.Router()}

	readyCheck := func(c context.Context) error {
		for _, b := range reg.All() {
			if b.Status() != registry.Unhealthy {
				return nil
			}
		}
		return fmt.Errorf("all backends unhealthy")
	}
	obsSrv := obs.StartHTTPServer(fmt.Sprintf(":%d", cfg.Observability.MetricsPort), readyCheck)
	defer func() { _ = obsSrv.Shutdown(context.Background()) }()

	go func() {
		logger.Info("northbound API listening", obs.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", obs.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown timed out", obs.Err(err))
		}
		close(shutdownDone)
	}()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-shutdownDone:
	}
}
