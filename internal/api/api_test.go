package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/manager"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
)

type apiFixture struct {
	server *Server
	router *gin.Engine
	store  *store.Store
	bus    bus.EventBus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		DefaultTool:         "generic",
		PollInterval:        0.01,
		HealthCheckInterval: 5,
		BackoffBase:         2,
		BackoffMax:          60,
		DataDir:             t.TempDir(),
		Logging:             logger.LoggingConfig{Level: "error"},
		Server:              config.ServerConfig{Host: "127.0.0.1", Port: 0},
	}

	st, err := store.Open(cfg.DataPaths().Database, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eb := bus.NewMemoryEventBus(log)
	mgr, err := manager.New(cfg, st, eb, log)
	require.NoError(t, err)

	server := NewServer(cfg, mgr, st, eb, log)
	server.pollInterval = 10 * time.Millisecond
	return &apiFixture{server: server, router: server.Router(), store: st, bus: eb}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedAgent(t *testing.T, status models.AgentStatus) *models.Agent {
	t.Helper()
	task, err := models.NewTask("generic", "do a thing")
	require.NoError(t, err)
	agent := models.NewAgent(*task, nil, "local")
	agent.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		agent.CompletedAt = &now
	}
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))
	return agent
}

func TestContextLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/contexts", contextRequest{
		Name: "backend", Path: "/srv/backend", PreCommand: "source .envrc",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "backend", created.Name)
	assert.Equal(t, "source .envrc", created.PreCommand)

	// Duplicate name conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/contexts", contextRequest{Name: "backend", Path: "/tmp"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Lookup works by id and by name.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/contexts/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/contexts/backend", nil).Code)

	rec = f.do(t, http.MethodPut, "/api/v1/contexts/"+created.ID, contextRequest{Path: "/srv/backend-v2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "/srv/backend-v2", updated.Path)
	assert.Equal(t, "backend", updated.Name)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/contexts/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/contexts/"+created.ID, nil).Code)
}

func TestContextValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/contexts", contextRequest{Name: "x", Path: "relative/path"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/contexts", contextRequest{Name: "", Path: "/ok"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContextDeleteGuardsRunningAgents(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/contexts", contextRequest{Name: "busy", Path: "/srv/busy"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	task, err := models.NewTask("generic", "work")
	require.NoError(t, err)
	agent := models.NewAgent(*task, &created, "local")
	agent.Status = models.StatusRunning
	require.NoError(t, f.store.SaveAgent(context.Background(), agent))

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/v1/contexts/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/contexts/"+created.ID+"?force=true", nil).Code)
}

func TestListAgentsFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, models.StatusRunning)
	f.seedAgent(t, models.StatusCompleted)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Agents []models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Agents, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/agents?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var running struct {
		Agents []models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &running))
	require.Len(t, running.Agents, 1)
	assert.Equal(t, models.StatusRunning, running.Agents[0].Status)
}

func TestGetAgentByPrefixAndEvents(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, models.StatusCompleted)
	require.NoError(t, f.store.AppendEvent(context.Background(),
		models.NewAgentEvent(agent.ID, models.EventAgentFinished, nil)))

	rec := f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID[:8], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, agent.ID, got.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []models.AgentEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, models.EventAgentFinished, events.Events[0].Type)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/agents/ffffffff", nil).Code)
}

func TestDeleteAgentGuardsRunning(t *testing.T) {
	f := newAPIFixture(t)
	running := f.seedAgent(t, models.StatusRunning)
	done := f.seedAgent(t, models.StatusCompleted)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/v1/agents/"+running.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/agents/"+done.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/agents/"+done.ID, nil).Code)
}

func TestStatusPollerSynthesizesUpdates(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.seedAgent(t, models.StatusRunning)

	updates := make(chan models.AgentEvent, 16)
	_, err := f.bus.Subscribe(models.EventStatusUpdate, func(ctx context.Context, ev models.AgentEvent) error {
		updates <- ev
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.RunStatusPoller(ctx)

	// First observation of a live agent is reported.
	select {
	case ev := <-updates:
		assert.Equal(t, agent.ID, ev.AgentID)
		assert.Equal(t, "running", ev.Detail["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no status_update for live agent")
	}

	// A store-side transition (a detached runner finishing) is picked up.
	now := time.Now().UTC()
	require.NoError(t, f.store.UpdateAgentStatus(context.Background(), agent.ID,
		models.StatusCompleted, "Session ended cleanly", &now))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-updates:
			if ev.Detail["status"] == "completed" {
				assert.Equal(t, "Session ended cleanly", ev.Detail["exit_reason"])
				return
			}
		case <-deadline:
			t.Fatal("no status_update after transition")
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
