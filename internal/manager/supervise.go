package manager

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/monitor"
)

// Supervise runs the monitor with the retry loop around it and returns
// the final status. It is used by the follow path and by the detached
// runner after re-hydration.
func (m *Manager) Supervise(ctx context.Context, agent *models.Agent, ctxRecord *models.Context) models.AgentStatus {
	// Register ownership so StopAgent can cancel this monitor.
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.monitors[agent.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.monitors, agent.ID)
		m.mu.Unlock()
	}()

	ad, err := adapter.Resolve(agent.Task.Tool)
	if err != nil {
		m.finalize(agent, models.StatusFailed, err.Error())
		return agent.Status
	}
	tr, err := m.transportFor(ctxRecord)
	if err != nil {
		m.finalize(agent, models.StatusFailed, err.Error())
		return agent.Status
	}

	monitorCfg := monitor.FromConfig(m.cfg)
	if agent.Task.AutoConfirm != nil {
		monitorCfg.AutoConfirm = *agent.Task.AutoConfirm
	}
	logPath := m.paths.AgentLogFile(agent.ID)
	policy := agent.Task.Retry

	attempt := 0
	for {
		status := monitor.New(agent, ad, tr, m.store, m.bus, nil, monitorCfg, logPath, m.logger).Run(ctx)
		if status != models.StatusFailed || attempt >= policy.MaxRetries {
			return status
		}
		attempt++

		backoff := math.Min(math.Pow(policy.BackoffBase, float64(attempt)), policy.BackoffMax)
		m.logger.Info("retrying failed agent",
			zap.String("agent_id", agent.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", policy.MaxRetries),
			zap.Float64("backoff_seconds", backoff))

		agent.Status = models.StatusRetrying
		agent.State = models.StateInitializing
		agent.RetryCount = attempt
		agent.CompletedAt = nil
		agent.ExitReason = ""
		if err := m.store.SaveAgent(context.Background(), agent); err != nil {
			m.logger.WithError(err).Error("retry persist failed")
		}
		m.emit(agent, models.EventAgentRetry, map[string]any{
			"attempt":         attempt,
			"max_retries":     policy.MaxRetries,
			"backoff_seconds": backoff,
		})

		select {
		case <-ctx.Done():
			m.finalize(agent, models.StatusKilled, "Monitor cancelled")
			return agent.Status
		case <-time.After(time.Duration(backoff * float64(time.Second))):
		}

		// Clear any leftover session before recreating under the same name.
		tr.KillSession(ctx, agent.TmuxSession)
		argv := ad.LaunchArgv(&agent.Task, ctxRecord)
		if !tr.CreateSession(ctx, agent.TmuxSession, sessionSpec(argv, agent.ContextPath, ctxRecord)) {
			m.finalize(agent, models.StatusFailed, "Failed to recreate session for retry")
			return agent.Status
		}
		if ad.NeedsPromptAfterLaunch() {
			m.awaitReadyAndSendPrompt(ctx, agent, ad, tr)
		}

		agent.Status = models.StatusRunning
		if err := m.store.SaveAgent(context.Background(), agent); err != nil {
			m.logger.WithError(err).Error("retry persist failed")
		}
	}
}
