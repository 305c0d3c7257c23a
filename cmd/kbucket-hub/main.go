package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/flatironinstitute/kbucket/internal/gateway"
	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/internal/ratelimiter"
	"github.com/flatironinstitute/kbucket/pkg/config"
	"github.com/flatironinstitute/kbucket/pkg/metrics"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
	"github.com/flatironinstitute/kbucket/pkg/upload"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/kbucket/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "kbucket-hub: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	logFile, err := logger.SetOutput(cfg.Logging.Output)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hubMetrics *metrics.HubMetrics
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		registry = metrics.GetRegistry()
		hubMetrics = metrics.NewHubMetrics(registry)
	}

	store, err := config.CreateBlobStore(ctx, &cfg.Blob, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	index, err := config.CreateBlobIndex(ctx, &cfg.Index, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create blob index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Warn("Failed to close blob index: %v", err)
		}
	}()

	uploads, err := upload.NewManager(ctx, cfg.Storage.StagingDir(), store, index, cfg.Upload.MaxSizeBytes())
	if err != nil {
		return fmt.Errorf("failed to create upload manager: %w", err)
	}

	var limiter *ratelimiter.RateLimiter
	if cfg.Upload.RatePerSecond > 0 {
		limiter = ratelimiter.New(cfg.Upload.RatePerSecond, cfg.Upload.Burst)
	}

	gw := gateway.New(gateway.Config{
		HubURL:   cfg.Server.HubURL,
		Store:    store,
		Index:    index,
		Uploads:  uploads,
		Shares:   tunnel.NewRegistry(),
		Limiter:  limiter,
		Metrics:  hubMetrics,
		Registry: registry,
	})

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: gw.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Hub listening on %s (advertised as %s)", cfg.Server.ListenAddr, cfg.Server.HubURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down hub...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Hub stopped")
	return nil
}
