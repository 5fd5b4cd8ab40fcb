// Package monitor implements the per-agent supervision loop: capture
// the pane, answer dialogs, track activity, and decide when the tool is
// finished via adapter heuristics, prompt return, or the echo probe.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/agentlog"
	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/common/stringutil"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/probe"
	"github.com/camdev/cam/internal/store"
	"github.com/camdev/cam/internal/transport"
)

const (
	captureLines = 200

	// autoConfirmCooldown spaces out dialog answers so one redraw cannot
	// trigger a double send.
	autoConfirmCooldown = 5 * time.Second

	// completionStable is how long output must be unchanged before
	// adapter completion heuristics are trusted.
	completionStable = 3 * time.Second

	// probeConsecutiveNeeded completed probes finalize the agent.
	probeConsecutiveNeeded = 2
)

// Prober abstracts the echo probe for testing.
type Prober interface {
	Run(ctx context.Context, session string) probe.Result
}

// Config carries the supervision knobs, pre-converted to durations.
type Config struct {
	PollInterval     time.Duration
	HealthCheckEvery int           // ticks between session_exists checks
	IdleTimeout      time.Duration // 0 disables
	AutoConfirm      bool
	ProbeEnabled     bool
	ProbeStable      time.Duration // output stability before probing
	ProbeCooldown    time.Duration // spacing between probes
}

// FromConfig converts the loaded configuration into monitor settings.
func FromConfig(cfg *config.Config) Config {
	return Config{
		PollInterval:     time.Duration(cfg.PollInterval * float64(time.Second)),
		HealthCheckEvery: cfg.HealthCheckInterval,
		IdleTimeout:      time.Duration(cfg.IdleTimeout * float64(time.Second)),
		AutoConfirm:      cfg.AutoConfirm,
		ProbeEnabled:     cfg.ProbeDetection,
		ProbeStable:      time.Duration(cfg.ProbeStableSeconds * float64(time.Second)),
		ProbeCooldown:    time.Duration(cfg.ProbeCooldown * float64(time.Second)),
	}
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = 5
	}
	if c.ProbeStable <= 0 {
		c.ProbeStable = 10 * time.Second
	}
	if c.ProbeCooldown <= 0 {
		c.ProbeCooldown = 30 * time.Second
	}
}

// Monitor supervises one agent until it reaches a terminal status.
type Monitor struct {
	agent     *models.Agent
	adapter   adapter.Adapter
	transport transport.Transport
	store     *store.Store
	bus       bus.EventBus
	prober    Prober
	cfg       Config
	logger    *logger.Logger
	logPath   string // per-agent JSON-lines file; empty disables

	// tick state
	lastOutput  string
	lastChange  time.Time
	lastConfirm time.Time
	lastProbe   time.Time
	hasWorked   bool
	// readinessLost is armed when the input prompt disappears after the
	// tool has worked; the prompt coming back then means the turn ended.
	readinessLost   bool
	probeCompletedN int
}

// New builds a monitor. prober may be nil, in which case the real echo
// probe over the transport is used.
func New(agent *models.Agent, ad adapter.Adapter, tr transport.Transport, st *store.Store, eb bus.EventBus, prober Prober, cfg Config, logPath string, log *logger.Logger) *Monitor {
	cfg.applyDefaults()
	if prober == nil {
		prober = probe.New(tr, log)
	}
	return &Monitor{
		agent:     agent,
		adapter:   ad,
		transport: tr,
		store:     st,
		bus:       eb,
		prober:    prober,
		cfg:       cfg,
		logger:    log.WithAgentID(agent.ID).WithSession(agent.TmuxSession),
		logPath:   logPath,
	}
}

// Run supervises until terminal and returns the final status. A context
// cancellation finalizes killed; a panic finalizes failed.
func (m *Monitor) Run(ctx context.Context) (status models.AgentStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor panicked", zap.Any("panic", r))
			m.finalize(models.StatusFailed, fmt.Sprintf("Monitor crashed: %v", r))
			status = m.agent.Status
		}
	}()

	m.lastChange = time.Now()
	m.emit(models.EventMonitorStart, nil)

	session := m.agent.TmuxSession
	tick := 0
	for {
		select {
		case <-ctx.Done():
			m.finalize(models.StatusKilled, "Monitor cancelled")
			return m.agent.Status
		default:
		}
		tick++

		// Total timeout.
		if limit := m.agent.Task.TimeoutSeconds; limit > 0 {
			if elapsed := time.Since(m.agent.StartedAt); elapsed > time.Duration(limit*float64(time.Second)) {
				m.emit(models.EventTimeout, map[string]any{"elapsed_seconds": int(elapsed.Seconds())})
				m.transport.KillSession(ctx, session)
				m.finalize(models.StatusTimeout, fmt.Sprintf("Total timeout after %gs", limit))
				return m.agent.Status
			}
		}

		// Idle timeout.
		if m.cfg.IdleTimeout > 0 && time.Since(m.lastChange) > m.cfg.IdleTimeout {
			m.emit(models.EventIdleTimeout, map[string]any{"idle_seconds": int(time.Since(m.lastChange).Seconds())})
			m.transport.KillSession(ctx, session)
			m.finalize(models.StatusTimeout, fmt.Sprintf("Idle timeout after %s without output", m.cfg.IdleTimeout))
			return m.agent.Status
		}

		// Health check, every N ticks.
		if tick%m.cfg.HealthCheckEvery == 0 && !m.transport.SessionExists(ctx, session) {
			m.emit(models.EventSessionGone, nil)
			// A session exiting on its own is a completion either way;
			// tool failures surface through adapter error patterns first.
			if m.adapter.DetectCompletion(m.lastOutput) == adapter.CompletionCompleted {
				m.finalize(models.StatusCompleted, "Session ended cleanly")
			} else {
				m.finalize(models.StatusCompleted, "TMUX session exited")
			}
			return m.agent.Status
		}

		output := m.transport.CaptureOutput(ctx, session, captureLines)
		if output == "" {
			// No signal this tick.
			m.sleep(ctx)
			continue
		}

		changed := output != m.lastOutput
		if changed {
			m.lastOutput = output
			m.lastChange = time.Now()
			m.emit(models.EventOutput, map[string]any{
				"chars": len(output),
				"tail":  stringutil.Ellipsize(lastLine(output), 120),
			})
		}

		if changed && m.cfg.AutoConfirm && time.Since(m.lastConfirm) >= autoConfirmCooldown {
			if c := m.adapter.ShouldAutoConfirm(output); c != nil {
				if m.transport.SendInput(ctx, session, c.Response, c.SendEnter) {
					m.lastConfirm = time.Now()
					m.emit(models.EventAutoConfirm, map[string]any{
						"response":   c.Response,
						"send_enter": c.SendEnter,
					})
				} else {
					m.logger.Warn("auto-confirm send failed")
				}
				m.sleep(ctx)
				continue
			}
		}

		if state, ok := m.adapter.DetectState(output); ok && state != m.agent.State {
			prev := m.agent.State
			m.agent.State = state
			if err := m.store.UpdateAgentState(context.Background(), m.agent.ID, state); err != nil {
				m.logger.WithError(err).Warn("state persist failed")
			}
			m.emit(models.EventStateChange, map[string]any{"from": string(prev), "to": string(state)})
			if state != models.StateInitializing {
				m.hasWorked = true
			}
		}

		stable := time.Since(m.lastChange) >= completionStable

		if stable {
			switch m.adapter.DetectCompletion(output) {
			case adapter.CompletionCompleted:
				m.finalize(models.StatusCompleted, "Tool reported completion")
				return m.agent.Status
			case adapter.CompletionFailed:
				m.finalize(models.StatusFailed, "Tool reported an error")
				return m.agent.Status
			}
		}

		// Prompt-return completion: the input prompt vanished while the
		// tool worked and has now come back.
		if m.adapter.NeedsPromptAfterLaunch() && m.hasWorked {
			ready := m.adapter.IsReadyForInput(output)
			if !ready {
				m.readinessLost = true
			} else if m.readinessLost {
				m.emit(models.EventPromptReturnCompletion, nil)
				m.finalize(models.StatusCompleted, "Prompt returned after work")
				return m.agent.Status
			}
		}

		if m.cfg.ProbeEnabled && m.hasWorked &&
			time.Since(m.lastChange) >= m.cfg.ProbeStable &&
			time.Since(m.lastProbe) >= m.cfg.ProbeCooldown {
			m.lastProbe = time.Now()
			result := m.prober.Run(ctx, session)
			m.emit(models.EventProbe, map[string]any{"result": string(result)})
			switch result {
			case probe.ResultCompleted:
				m.probeCompletedN++
				if m.probeCompletedN >= probeConsecutiveNeeded {
					m.finalize(models.StatusCompleted, "Probe detected completion")
					return m.agent.Status
				}
			case probe.ResultBusy:
				m.probeCompletedN = 0
				// A busy probe proves the tool is alive even if silent.
				m.lastChange = time.Now()
			default:
				m.probeCompletedN = 0
			}
		}

		m.sleep(ctx)
	}
}

// lastLine returns the trimmed final non-empty line of the capture.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// sleep waits one poll interval; false means the context ended first.
func (m *Monitor) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.cfg.PollInterval):
		return true
	}
}

// finalize moves the agent to a terminal status, persists it, and emits
// the finalize/agent_finished pair. Safe to call twice.
func (m *Monitor) finalize(status models.AgentStatus, reason string) {
	if !m.agent.Finalize(status, reason) {
		return
	}
	// Finalization must land even when the monitor's own context is
	// already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateAgentStatus(ctx, m.agent.ID, status, reason, m.agent.CompletedAt); err != nil {
		m.logger.WithError(err).Error("finalize persist failed")
	}
	m.emit(models.EventFinalize, map[string]any{"status": string(status), "reason": reason})
	m.emit(models.EventAgentFinished, map[string]any{"status": string(status)})
	m.logger.Info("agent finalized", zap.String("status", string(status)), zap.String("reason", reason))
}

// emit records an event everywhere it belongs: the store, the per-agent
// log file, the in-line trailing buffer, and the bus.
func (m *Monitor) emit(eventType string, detail map[string]any) {
	ev := models.NewAgentEvent(m.agent.ID, eventType, detail)
	m.agent.RecordEvent(ev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.WithError(err).Warn("event persist failed", zap.String("event", eventType))
	}
	if m.logPath != "" {
		if err := agentlog.Append(m.logPath, ev); err != nil {
			m.logger.WithError(err).Warn("event log append failed")
		}
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.logger.WithError(err).Warn("event publish failed")
		}
	}
}
