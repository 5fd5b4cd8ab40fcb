// Package runner is the detached supervision process for a single agent.
// The manager forks one runner per background agent; the runner re-opens
// the store, re-hydrates the agent record and supervises it to a terminal
// status, so the launching CLI can exit immediately.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/manager"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
)

// Run supervises agentID until it reaches a terminal status. It owns the
// pid file for the agent and removes it on any exit path. SIGTERM and
// SIGINT cancel supervision, which finalizes the agent as killed.
func Run(cfg *config.Config, log *logger.Logger, agentID string) error {
	paths := cfg.DataPaths()
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing data directories: %w", err)
	}

	pidFile := paths.PidFile(agentID)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.Open(paths.Database, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer natsBus.Close()
		eventBus = natsBus
	} else {
		// Without NATS a detached runner has no cross-process bus; events
		// still reach the store and the agent log, which the server polls.
		eventBus = bus.NewMemoryEventBus(log)
	}

	agent, err := st.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	if agent.IsTerminal() {
		log.Info("agent already finished, nothing to supervise",
			zap.String("agent_id", agentID),
			zap.String("status", string(agent.Status)))
		return nil
	}

	var ctxRecord *models.Context
	if agent.ContextID != "" {
		ctxRecord, err = st.GetContext(ctx, agent.ContextID)
		if err != nil {
			log.Warn("context lookup failed, supervising without one",
				zap.String("context_id", agent.ContextID), zap.Error(err))
			ctxRecord = nil
		}
	}

	mgr, err := manager.New(cfg, st, eventBus, log)
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}
	defer mgr.Close()

	log.Info("runner supervising agent",
		zap.String("agent_id", agentID),
		zap.String("session", agent.TmuxSession))

	status := mgr.Supervise(ctx, agent, ctxRecord)

	log.Info("runner finished",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)))
	return nil
}
