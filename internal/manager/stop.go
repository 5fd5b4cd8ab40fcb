package manager

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
)

// StopAgent stops a live agent: cancels its in-process monitor, signals
// its detached runner, kills the session, and finalizes killed. Stopping
// a terminal agent is a no-op.
func (m *Manager) StopAgent(ctx context.Context, idOrPrefix string, graceful bool) (*models.Agent, error) {
	agent, err := m.GetAgent(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if agent.IsTerminal() {
		return agent, nil
	}

	// In-process monitor first, so supervision cannot race the kill.
	m.mu.Lock()
	if cancel, ok := m.monitors[agent.ID]; ok {
		cancel()
		delete(m.monitors, agent.ID)
	}
	m.mu.Unlock()

	m.signalRunner(agent.ID)

	ctxRecord := m.contextForAgent(ctx, agent)
	if tr, err := m.transportFor(ctxRecord); err == nil {
		tr.KillSession(ctx, agent.TmuxSession)
	} else {
		m.logger.WithError(err).Warn("transport unavailable for stop", zap.String("agent_id", agent.ID))
	}

	reason := "Force killed"
	if graceful {
		reason = "Stopped by user"
	}
	m.emit(agent, models.EventAgentKilled, map[string]any{"graceful": graceful})
	m.finalize(agent, models.StatusKilled, reason)
	return agent, nil
}

// signalRunner sends SIGTERM to the detached runner named in the
// agent's pid-file, if any. The runner removes its own pid-file.
func (m *Manager) signalRunner(agentID string) {
	data, err := os.ReadFile(m.paths.PidFile(agentID))
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("runner signal failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// contextForAgent resolves the agent's stored context; nil (local
// machine) when the context is gone or was never set.
func (m *Manager) contextForAgent(ctx context.Context, agent *models.Agent) *models.Context {
	if agent.ContextID == "" {
		return nil
	}
	record, err := m.store.GetContext(ctx, agent.ContextID)
	if err != nil {
		m.logger.Debug("agent context unavailable",
			zap.String("agent_id", agent.ID), zap.String("context_id", agent.ContextID))
		return nil
	}
	return record
}

// Reconcile cross-checks every running agent against its live session
// and fails the orphans.
func (m *Manager) Reconcile(ctx context.Context) ([]*models.Agent, error) {
	running, err := m.store.ListAgents(ctx, store.AgentFilter{
		Statuses: []models.AgentStatus{models.StatusRunning},
	})
	if err != nil {
		return nil, err
	}

	// Liveness checks can each cost a remote round-trip; run them
	// concurrently with a bound.
	alive := make([]bool, len(running))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, agent := range running {
		i, agent := i, agent
		g.Go(func() error {
			if agent.TmuxSession == "" {
				return nil
			}
			tr, err := m.transportFor(m.contextForAgent(gctx, agent))
			if err != nil {
				return nil
			}
			alive[i] = tr.SessionExists(gctx, agent.TmuxSession)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var orphans []*models.Agent
	for i, agent := range running {
		if alive[i] {
			continue
		}
		m.emit(agent, models.EventAgentOrphaned, map[string]any{"session": agent.TmuxSession})
		m.finalize(agent, models.StatusFailed, "TMUX session disappeared")
		orphans = append(orphans, agent)
	}
	return orphans, nil
}
