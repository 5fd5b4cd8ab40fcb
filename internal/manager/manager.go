// Package manager owns agent lifecycles: launching tools into sessions,
// handing supervision to monitors (inline or detached), stopping agents,
// and reconciling the store against live sessions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/agentlog"
	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
	"github.com/camdev/cam/internal/transport"
)

// ErrAgentTerminal is returned when an operation needs a live agent.
var ErrAgentTerminal = errors.New("agent already finished")

// Manager coordinates agents across transports and monitor ownership.
type Manager struct {
	cfg    *config.Config
	paths  config.Paths
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	// RunnerBin is the detached runner executable; empty means detached
	// launches are unavailable (tests, embedded use).
	RunnerBin string

	mu         sync.Mutex
	transports map[string]transport.Transport // keyed by MachineConfig.Key()
	monitors   map[string]context.CancelFunc  // in-process monitors by agent id

	// readyPoll is the readiness loop cadence, overridable in tests.
	readyPoll time.Duration
}

// New builds a manager over an open store and bus.
func New(cfg *config.Config, st *store.Store, eb bus.EventBus, log *logger.Logger) (*Manager, error) {
	paths := cfg.DataPaths()
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preparing data directories: %w", err)
	}
	return &Manager{
		cfg:        cfg,
		paths:      paths,
		store:      st,
		bus:        eb,
		logger:     log.WithFields(zap.String("component", "manager")),
		transports: make(map[string]transport.Transport),
		monitors:   make(map[string]context.CancelFunc),
		readyPoll:  time.Second,
	}, nil
}

// transportFor returns a live transport for the context's machine,
// reusing one instance per machine configuration. Per-context settings
// (pre_command) never live on the pooled transport; they travel in the
// SessionSpec of each CreateSession call.
func (m *Manager) transportFor(ctxRecord *models.Context) (transport.Transport, error) {
	machine := models.MachineConfig{}
	if ctxRecord != nil {
		machine = ctxRecord.Machine
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := machine.Key()
	if tr, ok := m.transports[key]; ok {
		return tr, nil
	}
	tr, err := transport.New(machine, transport.Options{
		Paths:  m.paths,
		Docker: m.cfg.Docker,
		Logger: m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.transports[key] = tr
	return tr, nil
}

// sessionSpec assembles the CreateSession payload for a task launch.
func sessionSpec(argv []string, workdir string, ctxRecord *models.Context) transport.SessionSpec {
	spec := transport.SessionSpec{Argv: argv, Workdir: workdir}
	if ctxRecord != nil {
		spec.PreCommand = ctxRecord.PreCommand
	}
	return spec
}

// ListAgents passes filters through to the store.
func (m *Manager) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*models.Agent, error) {
	return m.store.ListAgents(ctx, filter)
}

// GetAgent looks up by exact id, then by unique prefix.
func (m *Manager) GetAgent(ctx context.Context, idOrPrefix string) (*models.Agent, error) {
	a, err := m.store.GetAgent(ctx, idOrPrefix)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return m.store.GetAgentByPrefix(ctx, idOrPrefix)
}

// Events returns the persisted event history of an agent.
func (m *Manager) Events(ctx context.Context, agentID string) ([]models.AgentEvent, error) {
	return m.store.ListEvents(ctx, agentID)
}

// DeleteAgents removes agents and their events from the store.
func (m *Manager) DeleteAgents(ctx context.Context, ids []string) error {
	return m.store.DeleteAgents(ctx, ids)
}

// Paths exposes the resolved data-directory layout.
func (m *Manager) Paths() config.Paths {
	return m.paths
}

// CaptureLive returns the current pane text of an agent's session through
// the transport that owns it, for output inspection when no local raw log
// is available.
func (m *Manager) CaptureLive(ctx context.Context, agent *models.Agent, lines int) (string, error) {
	ctxRecord := m.contextForAgent(ctx, agent)
	tr, err := m.transportFor(ctxRecord)
	if err != nil {
		return "", err
	}
	if !tr.SessionExists(ctx, agent.TmuxSession) {
		return "", fmt.Errorf("session %s is not running", agent.TmuxSession)
	}
	return tr.CaptureOutput(ctx, agent.TmuxSession, lines), nil
}

// ReadRawOutput fetches a chunk of the agent's raw output stream through
// its transport. Remote transports keep the raw log off-host, so this is
// the read path when no local raw file exists.
func (m *Manager) ReadRawOutput(ctx context.Context, agent *models.Agent, offset int64, maxBytes int) ([]byte, int64, error) {
	tr, err := m.transportFor(m.contextForAgent(ctx, agent))
	if err != nil {
		return nil, offset, err
	}
	return tr.ReadOutputLog(ctx, agent.TmuxSession, offset, maxBytes)
}

// Close releases every pooled transport.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tr := range m.transports {
		if err := tr.Close(); err != nil {
			m.logger.WithError(err).Debug("transport close failed", zap.String("machine", key))
		}
		delete(m.transports, key)
	}
}

// emit records an event in the store, the per-agent log and on the bus.
func (m *Manager) emit(agent *models.Agent, eventType string, detail map[string]any) {
	ev := models.NewAgentEvent(agent.ID, eventType, detail)
	agent.RecordEvent(ev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.WithError(err).Warn("event persist failed", zap.String("event", eventType))
	}
	if err := agentlog.Append(m.paths.AgentLogFile(agent.ID), ev); err != nil {
		m.logger.WithError(err).Warn("event log append failed")
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.logger.WithError(err).Warn("event publish failed", zap.String("event", eventType))
		}
	}
}

// applyTaskDefaults fills unset task knobs from the configuration.
func (m *Manager) applyTaskDefaults(task *models.TaskDefinition) error {
	if task.Tool == "" {
		task.Tool = m.cfg.DefaultTool
	}
	if task.TimeoutSeconds == 0 && m.cfg.DefaultTimeout != "" {
		seconds, err := config.ParseDuration(m.cfg.DefaultTimeout)
		if err != nil {
			return fmt.Errorf("default_timeout: %w", err)
		}
		task.TimeoutSeconds = seconds
	}
	if task.Retry.MaxRetries == 0 {
		task.Retry.MaxRetries = m.cfg.MaxRetries
	}
	if task.Retry.BackoffBase == 0 {
		task.Retry.BackoffBase = m.cfg.BackoffBase
	}
	if task.Retry.BackoffMax == 0 {
		task.Retry.BackoffMax = m.cfg.BackoffMax
	}
	return task.Validate()
}
