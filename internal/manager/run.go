package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/transport"
)

// RunAgent launches a task in a fresh session and supervises it. With
// follow=true it blocks until the agent is terminal; otherwise it hands
// supervision to a detached runner process and returns immediately.
// Launch failures finalize the agent as failed and return it without an
// error: callers key off the status.
func (m *Manager) RunAgent(ctx context.Context, task models.TaskDefinition, ctxRecord *models.Context, follow bool) (*models.Agent, error) {
	if err := m.applyTaskDefaults(&task); err != nil {
		return nil, err
	}
	ad, err := adapter.Resolve(task.Tool)
	if err != nil {
		return nil, err
	}
	tr, err := m.transportFor(ctxRecord)
	if err != nil {
		return nil, err
	}

	transportType := tr.Type()
	agent := models.NewAgent(task, ctxRecord, transportType)
	if transportType == "local" {
		agent.TmuxSocket = m.paths.SocketFile(agent.TmuxSession)
	}
	agent.Status = models.StatusStarting
	if err := m.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}

	workdir := agent.ContextPath
	if workdir == "" {
		if workdir, err = os.Getwd(); err != nil {
			return nil, err
		}
		agent.ContextPath = workdir
	}

	argv := ad.LaunchArgv(&task, ctxRecord)
	if !tr.CreateSession(ctx, agent.TmuxSession, sessionSpec(argv, workdir, ctxRecord)) {
		m.finalize(agent, models.StatusFailed, "Failed to create session")
		return agent, nil
	}
	// Raw pane bytes feed the screen-reconstruction read path; losing
	// them is not fatal.
	if !tr.StartLogging(ctx, agent.TmuxSession, m.paths.RawLogFile(agent.ID)) {
		m.logger.Warn("raw output logging unavailable", zap.String("agent_id", agent.ID))
	}

	if ad.NeedsPromptAfterLaunch() {
		m.awaitReadyAndSendPrompt(ctx, agent, ad, tr)
	}

	agent.Status = models.StatusRunning
	if err := m.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	if agent.ContextID != "" {
		if err := m.store.TouchContext(ctx, agent.ContextID); err != nil {
			m.logger.WithError(err).Debug("context touch failed")
		}
	}
	m.emit(agent, models.EventAgentStarted, map[string]any{
		"tool":      task.Tool,
		"session":   agent.TmuxSession,
		"transport": transportType,
	})

	if follow {
		m.Supervise(ctx, agent, ctxRecord)
		return agent, nil
	}
	if m.RunnerBin == "" {
		// No runner binary: supervise on a background goroutine instead.
		// Supervision then dies with this process.
		go m.Supervise(context.Background(), agent, ctxRecord)
		return agent, nil
	}
	if err := m.spawnDetached(agent); err != nil {
		// The session is alive but unsupervised; reconcile or a manual
		// stop will pick it up. Surface the spawn failure.
		return agent, fmt.Errorf("failed to spawn detached runner: %w", err)
	}
	return agent, nil
}

// awaitReadyAndSendPrompt polls for the tool's input prompt, answering
// pre-prompt dialogs (trust prompts) along the way, then delivers the
// task prompt. On timeout the prompt is sent anyway.
func (m *Manager) awaitReadyAndSendPrompt(ctx context.Context, agent *models.Agent, ad adapter.Adapter, tr transport.Transport) {
	deadline := time.Now().Add(time.Duration(ad.StartupWaitSeconds() * float64(time.Second)))
	for time.Now().Before(deadline) {
		output := tr.CaptureOutput(ctx, agent.TmuxSession, 50)
		if output != "" {
			if c := ad.ShouldAutoConfirm(output); c != nil {
				if tr.SendInput(ctx, agent.TmuxSession, c.Response, c.SendEnter) {
					m.emit(agent, models.EventAutoConfirm, map[string]any{
						"response":   c.Response,
						"send_enter": c.SendEnter,
						"phase":      "startup",
					})
				}
			} else if ad.IsReadyForInput(output) {
				tr.SendInput(ctx, agent.TmuxSession, agent.Task.Prompt, true)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.readyPoll):
		}
	}
	m.logger.Warn("startup readiness wait expired, sending prompt anyway",
		zap.String("agent_id", agent.ID), zap.String("tool", ad.Name()))
	tr.SendInput(ctx, agent.TmuxSession, agent.Task.Prompt, true)
}

// spawnDetached starts the runner process so supervision survives this
// process's exit.
func (m *Manager) spawnDetached(agent *models.Agent) error {
	if m.RunnerBin == "" {
		return fmt.Errorf("no runner binary configured")
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(m.RunnerBin, agent.ID)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	// New session: the runner must not die with our controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	// Reap without waiting.
	go func() { _ = cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateAgentPID(ctx, agent.ID, pid); err != nil {
		m.logger.WithError(err).Warn("runner pid persist failed")
	}
	agent.PID = pid
	m.logger.Info("detached runner started",
		zap.String("agent_id", agent.ID), zap.Int("pid", pid))
	return nil
}

// finalize is the manager-side terminal transition for agents that never
// reached a monitor (launch failures, stop of an unmonitored agent).
func (m *Manager) finalize(agent *models.Agent, status models.AgentStatus, reason string) {
	if !agent.Finalize(status, reason) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateAgentStatus(ctx, agent.ID, status, reason, agent.CompletedAt); err != nil {
		m.logger.WithError(err).Error("finalize persist failed")
	}
	m.emit(agent, models.EventFinalize, map[string]any{"status": string(status), "reason": reason})
	m.emit(agent, models.EventAgentFinished, map[string]any{"status": string(status)})
}
