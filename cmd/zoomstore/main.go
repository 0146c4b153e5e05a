// Package main is the entry point for the ZoomStore Deep Zoom tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/logging"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/server"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

func main() {
	configPath := flag.String("config", "zoomstore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 5000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	root := flag.String("root", "", "override image root directory (default: from config or ./data/images)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *root != "" {
		cfg.Storage.RootDir = *root
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logOut, logCloser := logging.Output(cfg.Logging)
	defer logCloser.Close()
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, logOut)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Every startup is recovery: temp files, abandoned runs and
	// uncommitted pyramids are cleaned before anything is scheduled.
	ctx := context.Background()
	svc, err := zoom.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	rep, err := svc.Recover(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recovery failed: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Recovered image root",
		"root", cfg.Storage.RootDir,
		"images", rep.Images,
		"temp_files", rep.TempFiles,
		"stale_runs", rep.StaleRuns,
		"incomplete", rep.Incomplete,
		"orphans", rep.Orphans,
		"restored", rep.Restored,
		"dropped", rep.Dropped,
	)
	if _, err := svc.Resume(ctx); err != nil {
		slog.Warn("Failed to resume pending pyramids", "error", err)
	}

	srv, err := server.New(cfg, server.WithService(svc))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ZoomStore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
	// Unfinished runs are abandoned; the next startup regenerates them.
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("Failed to stop generation", "error", err)
	}
	slog.Info("Server stopped")
	if exitCode != 0 {
		logCloser.Close()
		os.Exit(exitCode)
	}
}
