// Package main is the CAM server entry point: it owns the store, the
// event bus and the manager, reconciles orphaned agents on boot, and
// serves the HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/api"
	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/manager"
	"github.com/camdev/cam/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting CAM server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Declarative adapters: the user adapter directory first, then
	// explicit tool mappings from configuration.
	if dir := adapterDir(); dir != "" {
		if err := adapter.LoadDir(dir); err != nil {
			log.Warn("loading adapter directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	for name, file := range cfg.Tools {
		decl, err := adapter.LoadFile(file)
		if err != nil {
			log.Warn("loading tool adapter failed",
				zap.String("tool", name), zap.String("file", file), zap.Error(err))
			continue
		}
		adapter.Register(decl)
	}

	paths := cfg.DataPaths()
	if err := paths.EnsureDirs(); err != nil {
		log.Fatal("Failed to prepare data directories", zap.Error(err))
	}
	st, err := store.Open(paths.Database, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err), zap.String("db_path", paths.Database))
	}
	defer st.Close()
	log.Info("Store opened", zap.String("db_path", paths.Database))

	mgr, err := manager.New(cfg, st, eventBus, log)
	if err != nil {
		log.Fatal("Failed to build manager", zap.Error(err))
	}
	defer mgr.Close()
	mgr.RunnerBin = findRunnerBin(log)

	// Agents whose sessions died while no supervisor was watching get
	// finalized now rather than lingering as running forever.
	if orphans, err := mgr.Reconcile(ctx); err != nil {
		log.Warn("startup reconcile failed", zap.Error(err))
	} else if len(orphans) > 0 {
		log.Info("reconciled orphaned agents", zap.Int("count", len(orphans)))
	}

	server := api.NewServer(cfg, mgr, st, eventBus, log)
	go server.RunStatusPoller(ctx)

	httpServer := server.HTTPServer()
	go func() {
		log.Info("API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down CAM...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("CAM stopped")
}

// adapterDir returns the user-scoped declarative adapter directory.
func adapterDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "cam", "adapters")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cam", "adapters")
}

// findRunnerBin locates the detached runner executable: next to this
// binary first, then on PATH. Empty disables detached launches.
func findRunnerBin(log *logger.Logger) string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "cam-runner")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := exec.LookPath("cam-runner"); err == nil {
		return path
	}
	log.Warn("cam-runner not found; agents will be supervised in-process")
	return ""
}
