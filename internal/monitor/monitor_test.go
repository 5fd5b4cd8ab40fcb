package monitor

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/adapter"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/probe"
	"github.com/camdev/cam/internal/store"
	"github.com/camdev/cam/internal/transport/transporttest"
)

// testAdapter is a scriptable adapter for monitor tests.
type testAdapter struct {
	needsPrompt bool
	ready       func(string) bool
	state       func(string) (models.ActivityState, bool)
	confirm     func(string) *adapter.Confirmation
	complete    func(string) adapter.Completion
}

func (a *testAdapter) Name() string        { return "test" }
func (a *testAdapter) DisplayName() string { return "Test Tool" }
func (a *testAdapter) LaunchArgv(task *models.TaskDefinition, c *models.Context) []string {
	return []string{"test"}
}
func (a *testAdapter) NeedsPromptAfterLaunch() bool { return a.needsPrompt }
func (a *testAdapter) StartupWaitSeconds() float64  { return 1 }
func (a *testAdapter) IsReadyForInput(out string) bool {
	if a.ready == nil {
		return false
	}
	return a.ready(out)
}
func (a *testAdapter) DetectState(out string) (models.ActivityState, bool) {
	if a.state == nil {
		return "", false
	}
	return a.state(out)
}
func (a *testAdapter) ShouldAutoConfirm(out string) *adapter.Confirmation {
	if a.confirm == nil {
		return nil
	}
	return a.confirm(out)
}
func (a *testAdapter) DetectCompletion(out string) adapter.Completion {
	if a.complete == nil {
		return adapter.CompletionNone
	}
	return a.complete(out)
}
func (a *testAdapter) EstimateCost(out string) (float64, bool) { return 0, false }
func (a *testAdapter) ParseFilesChanged(out string) []string   { return nil }

// fakeProber returns scripted results in order, repeating the last.
type fakeProber struct {
	results []probe.Result
	calls   int
}

func (p *fakeProber) Run(ctx context.Context, session string) probe.Result {
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i]
}

type fixture struct {
	store *store.Store
	bus   bus.EventBus
	agent *models.Agent
	fake  *transporttest.Fake
	log   *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := store.Open(filepath.Join(t.TempDir(), "cam.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	task, err := models.NewTask("test", "do the thing")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, s.SaveAgent(context.Background(), agent))

	return &fixture{
		store: s,
		bus:   bus.NewMemoryEventBus(log),
		agent: agent,
		fake:  transporttest.New(),
		log:   log,
	}
}

func (f *fixture) run(t *testing.T, ctx context.Context, ad adapter.Adapter, prober Prober, cfg Config) models.AgentStatus {
	t.Helper()
	m := New(f.agent, ad, f.fake, f.store, f.bus, prober, cfg, "", f.log)
	return m.Run(ctx)
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), f.agent.ID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func fastConfig() Config {
	return Config{
		PollInterval:     10 * time.Millisecond,
		HealthCheckEvery: 1,
		ProbeStable:      time.Millisecond,
		ProbeCooldown:    time.Millisecond,
	}
}

func TestSessionExitAfterWorkCompletesCleanly(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"Done\n"}
	f.fake.ExistsFunc = func(call int) bool { return call == 0 }

	ad := &testAdapter{complete: func(out string) adapter.Completion {
		if strings.Contains(out, "Done") {
			return adapter.CompletionCompleted
		}
		return adapter.CompletionNone
	}}

	status := f.run(t, context.Background(), ad, nil, fastConfig())
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, "Session ended cleanly", f.agent.ExitReason)
	assert.Contains(t, f.eventTypes(t), models.EventSessionGone)
}

func TestSessionExitWithoutSignalStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.fake.Exists = false

	status := f.run(t, context.Background(), &testAdapter{}, nil, fastConfig())
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, "TMUX session exited", f.agent.ExitReason)
}

func TestAutoConfirmSendsOnceWithinCooldown(t *testing.T) {
	f := newFixture(t)
	// Two distinct captures both containing the dialog: the second is a
	// change but lands inside the 5 s cooldown.
	f.fake.Captures = []string{
		"starting up\n",
		"Apply changes? [Y/n]\n",
		"Apply changes? [Y/n] _\n",
	}
	dialog := regexp.MustCompile(`Apply changes\? \[Y/n\]`)
	ad := &testAdapter{confirm: func(out string) *adapter.Confirmation {
		if dialog.MatchString(out) {
			return &adapter.Confirmation{Response: "y", SendEnter: true}
		}
		return nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	status := f.run(t, ctx, ad, nil, fastConfig())
	assert.Equal(t, models.StatusKilled, status)

	require.Len(t, f.fake.Inputs, 1)
	assert.Equal(t, "y", f.fake.Inputs[0].Text)
	assert.True(t, f.fake.Inputs[0].SendEnter)

	events, err := f.store.ListEvents(context.Background(), f.agent.ID)
	require.NoError(t, err)
	var confirms int
	for _, ev := range events {
		if ev.Type == models.EventAutoConfirm {
			confirms++
			assert.Equal(t, "y", ev.Detail["response"])
			assert.Equal(t, true, ev.Detail["send_enter"])
		}
	}
	assert.Equal(t, 1, confirms)
}

func TestAutoConfirmDisabledByConfig(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"Apply changes? [Y/n]\n"}
	ad := &testAdapter{confirm: func(string) *adapter.Confirmation {
		return &adapter.Confirmation{Response: "y", SendEnter: true}
	}}

	cfg := fastConfig()
	cfg.AutoConfirm = false
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.run(t, ctx, ad, nil, cfg)
	assert.Empty(t, f.fake.Inputs)
}

func TestTotalTimeout(t *testing.T) {
	f := newFixture(t)
	f.agent.Task.TimeoutSeconds = 1
	f.agent.StartedAt = time.Now().Add(-2 * time.Second)
	f.fake.Captures = []string{"working...\n"}

	cfg := fastConfig()
	cfg.AutoConfirm = true
	status := f.run(t, context.Background(), &testAdapter{}, nil, cfg)

	assert.Equal(t, models.StatusTimeout, status)
	assert.True(t, strings.HasPrefix(f.agent.ExitReason, "Total timeout after"), f.agent.ExitReason)
	assert.Equal(t, 1, f.fake.KillCount())
	require.NotNil(t, f.agent.CompletedAt)
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"quiet\n"}

	cfg := fastConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	status := f.run(t, context.Background(), &testAdapter{}, nil, cfg)

	assert.Equal(t, models.StatusTimeout, status)
	assert.Contains(t, f.agent.ExitReason, "Idle timeout")
	assert.Equal(t, 1, f.fake.KillCount())
}

func TestCancellationFinalizesKilled(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"working\n"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := f.run(t, ctx, &testAdapter{}, nil, fastConfig())

	assert.Equal(t, models.StatusKilled, status)
	assert.Equal(t, "Monitor cancelled", f.agent.ExitReason)

	// Finalization reached the store despite the dead context.
	got, err := f.store.GetAgent(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestProbeNeedsTwoConsecutiveCompleted(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"output\n"}

	ad := &testAdapter{state: func(string) (models.ActivityState, bool) {
		return models.StateEditing, true
	}}
	prober := &fakeProber{results: []probe.Result{
		probe.ResultCompleted,
		probe.ResultBusy,
		probe.ResultCompleted,
		probe.ResultCompleted,
	}}

	cfg := fastConfig()
	cfg.ProbeEnabled = true
	status := f.run(t, context.Background(), ad, prober, cfg)

	assert.Equal(t, models.StatusCompleted, status)
	assert.Contains(t, f.agent.ExitReason, "Probe")
	// The busy in between reset the counter, so four probes ran.
	assert.Equal(t, 4, prober.calls)
}

func TestProbeRequiresWorkFirst(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"output\n"}

	// No state detection: the has-worked flag never sets, so the probe
	// must never run.
	prober := &fakeProber{results: []probe.Result{probe.ResultCompleted}}
	cfg := fastConfig()
	cfg.ProbeEnabled = true

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	f.run(t, ctx, &testAdapter{}, prober, cfg)
	assert.Zero(t, prober.calls)
}

func TestStateChangePersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.fake.Captures = []string{"editing main.go\n"}

	var published []models.AgentEvent
	_, err := f.bus.Subscribe(models.EventStateChange, func(ctx context.Context, ev models.AgentEvent) error {
		published = append(published, ev)
		return nil
	})
	require.NoError(t, err)

	ad := &testAdapter{state: func(string) (models.ActivityState, bool) {
		return models.StateEditing, true
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.run(t, ctx, ad, nil, fastConfig())

	got, err := f.store.GetAgent(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEditing, got.State)
	require.NotEmpty(t, published)
	assert.Equal(t, "initializing", published[0].Detail["from"])
	assert.Equal(t, "editing", published[0].Detail["to"])
}

func TestSessionExitCompletesEvenWhenAdapterSawErrors(t *testing.T) {
	// A session exiting on its own is always a completion; tool failures
	// are only surfaced through stable-output completion detection.
	f := newFixture(t)
	f.fake.Captures = []string{"fatal: boom\n"}
	f.fake.ExistsFunc = func(call int) bool { return call == 0 }

	ad := &testAdapter{complete: func(out string) adapter.Completion {
		return adapter.CompletionFailed
	}}

	status := f.run(t, context.Background(), ad, nil, fastConfig())
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, "TMUX session exited", f.agent.ExitReason)
}
