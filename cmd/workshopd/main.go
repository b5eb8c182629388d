// Command workshopd runs the shared-workspace daemon: channel publish and
// subscribe, the task queue, blobs, and presence, over plain HTTP on a
// trusted network.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/workshop/internal/blob"
	"github.com/basket/workshop/internal/config"
	"github.com/basket/workshop/internal/hub"
	workshopotel "github.com/basket/workshop/internal/otel"
	"github.com/basket/workshop/internal/persistence"
	"github.com/basket/workshop/internal/retention"
	"github.com/basket/workshop/internal/server"
	"github.com/basket/workshop/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "workshopd: load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workshopd: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		logger.Error("open blob store", "dir", cfg.BlobDir, "error", err)
		os.Exit(1)
	}

	otelProvider, err := workshopotel.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("init otel", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := workshopotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		os.Exit(1)
	}

	events := hub.New(logger)
	events.Start(ctx)
	defer events.Stop()

	cleanup := retention.NewScheduler(retention.Config{
		Store:       store,
		Logger:      logger,
		MessageDays: cfg.RetentionDays,
	})
	if err := cleanup.Start(ctx); err != nil {
		logger.Error("start retention", "error", err)
		os.Exit(1)
	}
	defer cleanup.Stop()

	srv := server.New(server.Config{
		Store:             store,
		Blobs:             blobs,
		Hub:               events,
		Logger:            logger,
		Metrics:           metrics,
		MaxBlobBytes:      cfg.MaxBlobBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Verbose:           cfg.Verbose,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		// Close, not Shutdown: live push streams never drain, so the
		// acceptor is torn down and in-flight writes are abandoned.
		_ = httpServer.Close()
	}()

	logger.Info("workshopd listening",
		"port", cfg.Port,
		"db", cfg.DBPath,
		"blobs", cfg.BlobDir,
		"retention_days", cfg.RetentionDays,
		"version", Version,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "error", err)
		os.Exit(1)
	}
	logger.Info("workshopd stopped")
}

// loadDotEnv reads KEY=VALUE lines from path into the environment, skipping
// comments and keys already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
