package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
	"github.com/camdev/cam/internal/transport/transporttest"
)

// scriptedAdapter is a scriptable adapter for manager tests.
type scriptedAdapter struct {
	name        string
	needsPrompt bool
	ready       func(string) bool
	state       func(string) (models.ActivityState, bool)
	complete    func(string) adapter.Completion
}

func (a *scriptedAdapter) Name() string        { return a.name }
func (a *scriptedAdapter) DisplayName() string { return a.name }
func (a *scriptedAdapter) LaunchArgv(task *models.TaskDefinition, c *models.Context) []string {
	return []string{a.name}
}
func (a *scriptedAdapter) NeedsPromptAfterLaunch() bool { return a.needsPrompt }
func (a *scriptedAdapter) StartupWaitSeconds() float64  { return 0.2 }
func (a *scriptedAdapter) IsReadyForInput(out string) bool {
	if a.ready == nil {
		return false
	}
	return a.ready(out)
}
func (a *scriptedAdapter) DetectState(out string) (models.ActivityState, bool) {
	if a.state == nil {
		return "", false
	}
	return a.state(out)
}
func (a *scriptedAdapter) ShouldAutoConfirm(out string) *adapter.Confirmation { return nil }
func (a *scriptedAdapter) DetectCompletion(out string) adapter.Completion {
	if a.complete == nil {
		return adapter.CompletionNone
	}
	return a.complete(out)
}
func (a *scriptedAdapter) EstimateCost(out string) (float64, bool) { return 0, false }
func (a *scriptedAdapter) ParseFilesChanged(out string) []string   { return nil }

type managerFixture struct {
	mgr   *Manager
	store *store.Store
	fake  *transporttest.Fake
	log   *logger.Logger
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		DefaultTool:         "generic",
		PollInterval:        0.01,
		HealthCheckInterval: 1,
		BackoffBase:         2,
		BackoffMax:          60,
		DataDir:             t.TempDir(),
		Logging:             logger.LoggingConfig{Level: "error"},
	}

	st, err := store.Open(cfg.DataPaths().Database, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := New(cfg, st, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	mgr.readyPoll = 5 * time.Millisecond

	fake := transporttest.New()
	mgr.transports["local"] = fake

	return &managerFixture{mgr: mgr, store: st, fake: fake, log: log}
}

func (f *managerFixture) eventTypes(t *testing.T, agentID string) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), agentID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunAgentSessionFailureFinalizesFailed(t *testing.T) {
	f := newManagerFixture(t)
	f.fake.FailCreate = true

	task, err := models.NewTask("generic", "do the thing")
	require.NoError(t, err)

	agent, err := f.mgr.RunAgent(context.Background(), *task, nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, agent.Status)
	assert.Equal(t, "Failed to create session", agent.ExitReason)
	require.NotNil(t, agent.CompletedAt)

	stored, err := f.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestRunAgentSendsPromptWhenReady(t *testing.T) {
	f := newManagerFixture(t)
	adapter.Register(&scriptedAdapter{
		name:        "prompt-tool",
		needsPrompt: true,
		ready:       func(out string) bool { return out != "" },
	})
	// Session vanishes under the first health check, so follow returns
	// promptly after the prompt is delivered.
	f.fake.Exists = false
	f.fake.Captures = []string{"> "}

	task, err := models.NewTask("prompt-tool", "fix the flaky test")
	require.NoError(t, err)

	agent, err := f.mgr.RunAgent(context.Background(), *task, nil, true)
	require.NoError(t, err)

	texts := f.fake.SentTexts()
	require.NotEmpty(t, texts)
	assert.Contains(t, texts, "fix the flaky test")
	for _, in := range f.fake.Inputs {
		if in.Text == "fix the flaky test" {
			assert.True(t, in.SendEnter)
		}
	}
	assert.True(t, agent.IsTerminal())
}

func TestSuperviseRetriesAfterCrashThenCompletes(t *testing.T) {
	f := newManagerFixture(t)

	var crashed atomic.Bool
	adapter.Register(&scriptedAdapter{
		name: "crashy-tool",
		state: func(out string) (models.ActivityState, bool) {
			if crashed.CompareAndSwap(false, true) {
				panic("detector exploded")
			}
			return "", false
		},
	})
	f.fake.Captures = []string{"some output"}

	task, err := models.NewTask("crashy-tool", "do the thing")
	require.NoError(t, err)
	task.Retry = models.RetryPolicy{MaxRetries: 2, BackoffBase: 1.001, BackoffMax: 0.01}

	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	// After the retry kills and recreates the session, the fake keeps it
	// dead, so the second attempt exits on its first health check.
	status := f.mgr.Supervise(context.Background(), agent, nil)

	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, 1, agent.RetryCount)
	assert.Equal(t, 1, f.fake.KillCount())
	// The retry recreates the session under the same name.
	assert.Equal(t, []string{agent.TmuxSession}, f.fake.Created)

	types := f.eventTypes(t, agent.ID)
	assert.Contains(t, types, models.EventAgentRetry)

	events, err := f.store.ListEvents(context.Background(), agent.ID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == models.EventAgentRetry {
			assert.EqualValues(t, 1, ev.Detail["attempt"])
			assert.EqualValues(t, 2, ev.Detail["max_retries"])
		}
	}
}

func TestSuperviseRetriesUntilExhausted(t *testing.T) {
	f := newManagerFixture(t)

	adapter.Register(&scriptedAdapter{
		name: "always-crashes",
		state: func(out string) (models.ActivityState, bool) {
			panic("detector exploded")
		},
	})
	// Sessions stay alive so every attempt reaches the crashing detector.
	f.fake.ExistsFunc = func(call int) bool { return true }
	f.fake.Captures = []string{"some output"}

	task, err := models.NewTask("always-crashes", "do the thing")
	require.NoError(t, err)
	task.Retry = models.RetryPolicy{MaxRetries: 2, BackoffBase: 1.001, BackoffMax: 0.01}

	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	status := f.mgr.Supervise(context.Background(), agent, nil)

	assert.Equal(t, models.StatusFailed, status)
	assert.Equal(t, 2, agent.RetryCount)

	retries := 0
	for _, typ := range f.eventTypes(t, agent.ID) {
		if typ == models.EventAgentRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRunAgentAppliesPerContextPreCommand(t *testing.T) {
	f := newManagerFixture(t)
	// Sessions die under the first health check so follow returns fast.
	f.fake.Exists = false

	venvA, err := models.NewContext("venv-a", t.TempDir(), models.MachineConfig{})
	require.NoError(t, err)
	venvA.PreCommand = "source /opt/venv-a/bin/activate"
	venvB, err := models.NewContext("venv-b", t.TempDir(), models.MachineConfig{})
	require.NoError(t, err)
	venvB.PreCommand = "source /opt/venv-b/bin/activate"

	// Both contexts share the pooled local transport; each launch must
	// still carry its own context's pre-command.
	for _, ctxRecord := range []*models.Context{venvA, venvB} {
		task, err := models.NewTask("generic", "run inside "+ctxRecord.Name)
		require.NoError(t, err)
		_, err = f.mgr.RunAgent(context.Background(), *task, ctxRecord, true)
		require.NoError(t, err)
	}

	require.Len(t, f.fake.Specs, 2)
	assert.Equal(t, "source /opt/venv-a/bin/activate", f.fake.Specs[0].PreCommand)
	assert.Equal(t, "source /opt/venv-b/bin/activate", f.fake.Specs[1].PreCommand)
	assert.Equal(t, venvA.Path, f.fake.Specs[0].Workdir)
	assert.Equal(t, venvB.Path, f.fake.Specs[1].Workdir)
}

func TestRunAgentWithoutContextHasNoPreCommand(t *testing.T) {
	f := newManagerFixture(t)
	f.fake.Exists = false

	task, err := models.NewTask("generic", "plain launch")
	require.NoError(t, err)
	_, err = f.mgr.RunAgent(context.Background(), *task, nil, true)
	require.NoError(t, err)

	require.Len(t, f.fake.Specs, 1)
	assert.Empty(t, f.fake.Specs[0].PreCommand)
}

func TestReadRawOutputFetchesThroughTransport(t *testing.T) {
	f := newManagerFixture(t)
	f.fake.RawLog = []byte("hello from the pane")

	task, err := models.NewTask("generic", "log producer")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	data, next, err := f.mgr.ReadRawOutput(context.Background(), agent, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.EqualValues(t, 5, next)

	data, next, err = f.mgr.ReadRawOutput(context.Background(), agent, next, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte(" from the pane"), data)
	assert.EqualValues(t, len("hello from the pane"), next)
}

func TestStopAgentTerminalIsNoOp(t *testing.T) {
	f := newManagerFixture(t)

	task, err := models.NewTask("generic", "done already")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Finalize(models.StatusCompleted, "Session ended cleanly")
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	got, err := f.mgr.StopAgent(context.Background(), agent.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Zero(t, f.fake.KillCount())
}

func TestStopAgentKillsRunningSession(t *testing.T) {
	f := newManagerFixture(t)

	task, err := models.NewTask("generic", "long haul")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	got, err := f.mgr.StopAgent(context.Background(), agent.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, got.Status)
	assert.Equal(t, "Stopped by user", got.ExitReason)
	assert.Equal(t, 1, f.fake.KillCount())

	stored, err := f.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, stored.Status)
	assert.Contains(t, f.eventTypes(t, agent.ID), models.EventAgentKilled)
}

func TestStopAgentForceReason(t *testing.T) {
	f := newManagerFixture(t)

	task, err := models.NewTask("generic", "long haul")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	got, err := f.mgr.StopAgent(context.Background(), agent.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "Force killed", got.ExitReason)
}

func TestReconcileMarksOrphans(t *testing.T) {
	f := newManagerFixture(t)
	f.fake.Exists = false

	task, err := models.NewTask("generic", "was running before restart")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	orphans, err := f.mgr.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, agent.ID, orphans[0].ID)

	stored, err := f.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "TMUX session disappeared", stored.ExitReason)
	assert.Contains(t, f.eventTypes(t, agent.ID), models.EventAgentOrphaned)
}

func TestReconcileLeavesLiveAgentsAlone(t *testing.T) {
	f := newManagerFixture(t)
	f.fake.Exists = true

	task, err := models.NewTask("generic", "still working")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	orphans, err := f.mgr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)

	stored, err := f.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestApplyTaskDefaults(t *testing.T) {
	f := newManagerFixture(t)
	f.mgr.cfg.DefaultTimeout = "30m"
	f.mgr.cfg.MaxRetries = 3

	task := models.TaskDefinition{Tool: "", Prompt: "use defaults"}
	require.NoError(t, f.mgr.applyTaskDefaults(&task))

	assert.Equal(t, "generic", task.Tool)
	assert.Equal(t, float64(1800), task.TimeoutSeconds)
	assert.Equal(t, 3, task.Retry.MaxRetries)
}

func TestApplyTaskDefaultsRejectsEmptyPrompt(t *testing.T) {
	f := newManagerFixture(t)
	task := models.TaskDefinition{Tool: "generic", Prompt: "  "}
	assert.Error(t, f.mgr.applyTaskDefaults(&task))
}

func TestGetAgentByPrefix(t *testing.T) {
	f := newManagerFixture(t)

	task, err := models.NewTask("generic", "findable")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	got, err := f.mgr.GetAgent(context.Background(), agent.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}
