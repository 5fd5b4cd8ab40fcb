package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// tunnelServer answers the tunnel JSON protocol, recording every request.
// dropAfter > 0 closes each connection after that many replies.
type tunnelServer struct {
	dropAfter int

	mu       sync.Mutex
	requests []tunnelRequest
}

func (s *tunnelServer) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	replies := 0
	for {
		var req tunnelRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		resp := tunnelResponse{ID: req.ID, OK: true, Output: "pong"}
		if req.Action == "read_output_log" {
			resp.Data = []byte("raw pane bytes")
			resp.Offset = req.Offset + int64(len(resp.Data))
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
		replies++
		if s.dropAfter > 0 && replies >= s.dropAfter {
			return
		}
	}
}

func (s *tunnelServer) recorded() []tunnelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tunnelRequest(nil), s.requests...)
}

func newTunnel(t *testing.T, srv *httptest.Server) *WebSocketTunnel {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, ok := strings.Cut(hostPort, ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tun, err := NewWebSocket(models.MachineConfig{
		Type: models.MachineWebSocket,
		Host: host,
		Port: port,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tun.Close() })
	return tun
}

func TestTunnelCreateSessionCarriesSpec(t *testing.T) {
	ts := &tunnelServer{}
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	tun := newTunnel(t, srv)

	ok := tun.CreateSession(context.Background(), "cam-abc123def456", SessionSpec{
		Argv:       []string{"aider", "--message", "fix it"},
		Workdir:    "/srv/repo",
		PreCommand: "source /opt/venv/bin/activate",
	})
	require.True(t, ok)

	reqs := ts.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "create_session", reqs[0].Action)
	assert.Equal(t, "cam-abc123def456", reqs[0].SessionID)
	assert.Equal(t, []string{"aider", "--message", "fix it"}, reqs[0].Argv)
	assert.Equal(t, "/srv/repo", reqs[0].Workdir)
	assert.Equal(t, "source /opt/venv/bin/activate", reqs[0].PreCommand)
}

func TestTunnelRawLogPathDerivedFromSession(t *testing.T) {
	ts := &tunnelServer{}
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	tun := newTunnel(t, srv)

	// The caller's local path is unreachable on the tunnel host; the
	// server-side destination is derived from the session id instead.
	ok := tun.StartLogging(context.Background(), "cam-abc123def456", "/home/me/.local/share/cam/raw.log")
	require.True(t, ok)

	data, next, err := tun.ReadOutputLog(context.Background(), "cam-abc123def456", 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw pane bytes"), data)
	assert.EqualValues(t, len("raw pane bytes"), next)

	reqs := ts.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "start_logging", reqs[0].Action)
	assert.Equal(t, remoteSocketDir+"/cam-abc123def456.raw", reqs[0].Path)
	assert.Equal(t, "read_output_log", reqs[1].Action)
}

func TestTunnelSurvivesDroppedConnection(t *testing.T) {
	ts := &tunnelServer{dropAfter: 1}
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	defer srv.Close()
	tun := newTunnel(t, srv)

	ctx := context.Background()
	require.True(t, tun.SendKey(ctx, "cam-abc123def456", "Enter"))

	// The server drops every connection after one reply. Later requests
	// must either fail cleanly or reconnect; a stale nil conn must never
	// panic the writer.
	recovered := false
	for i := 0; i < 20 && !recovered; i++ {
		recovered = tun.SendKey(ctx, "cam-abc123def456", "Enter")
	}
	assert.True(t, recovered)
}
