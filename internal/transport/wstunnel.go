package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// tunnelRequest is the wire request to a CAM tunnel server, which performs
// the multiplexer work locally on its host.
type tunnelRequest struct {
	ID         string   `json:"id"`
	Action     string   `json:"action"`
	SessionID  string   `json:"session_id,omitempty"`
	Argv       []string `json:"argv,omitempty"`
	Workdir    string   `json:"workdir,omitempty"`
	PreCommand string   `json:"pre_command,omitempty"`
	Text       string   `json:"text,omitempty"`
	SendEnter  bool     `json:"send_enter,omitempty"`
	Key        string   `json:"key,omitempty"`
	Lines      int      `json:"lines,omitempty"`
	Path       string   `json:"path,omitempty"`
	Offset     int64    `json:"offset,omitempty"`
	MaxBytes   int      `json:"max_bytes,omitempty"`
}

// tunnelResponse is the wire response.
type tunnelResponse struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WebSocketTunnel reaches a multiplexer behind a long-lived websocket
// server speaking the JSON request/response protocol above. A shared
// secret rides in the Authorization header.
type WebSocketTunnel struct {
	url    string
	token  string
	logger *logger.Logger

	connMu    sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan *tunnelResponse
}

// NewWebSocket creates (but does not yet dial) the tunnel transport.
func NewWebSocket(machine models.MachineConfig, log *logger.Logger) (*WebSocketTunnel, error) {
	port := machine.Port
	if port == 0 {
		port = 7338
	}
	return &WebSocketTunnel{
		url:   fmt.Sprintf("ws://%s:%d/tunnel", machine.Host, port),
		token: machine.Token,
		logger: log.WithFields(
			zap.String("transport", "websocket"),
			zap.String("host", machine.Host)),
		pending: make(map[string]chan *tunnelResponse),
	}, nil
}

func (t *WebSocketTunnel) Type() string { return "websocket" }

// ensureConnected dials lazily and restarts the read loop after a drop.
// The returned conn is the caller's write target: t.conn can go nil under
// a concurrent read-loop failure, so writers never reload it.
func (t *WebSocketTunnel) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}

	var header http.Header
	if t.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + t.token}}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel %s: %w", t.url, err)
	}
	t.conn = conn
	go t.readLoop(conn)
	t.logger.Info("connected to tunnel", zap.String("url", t.url))
	return conn, nil
}

func (t *WebSocketTunnel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.connMu.Unlock()
			t.failPending(err)
			return
		}
		var resp tunnelResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.WithError(err).Warn("malformed tunnel response")
			continue
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (t *WebSocketTunnel) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		ch <- &tunnelResponse{ID: id, OK: false, Error: err.Error()}
		delete(t.pending, id)
	}
}

// request performs one round trip under the per-operation timeout.
func (t *WebSocketTunnel) request(ctx context.Context, req tunnelRequest) (*tunnelResponse, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, err := t.ensureConnected(opCtx)
	if err != nil {
		return nil, err
	}

	req.ID = uuid.New().String()
	respCh := make(chan *tunnelResponse, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = respCh
	t.pendingMu.Unlock()

	t.writeMu.Lock()
	err = conn.WriteJSON(req)
	t.writeMu.Unlock()
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("tunnel write: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.OK && resp.Error != "" {
			return resp, fmt.Errorf("tunnel %s: %s", req.Action, resp.Error)
		}
		return resp, nil
	case <-opCtx.Done():
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, opCtx.Err()
	}
}

// call is the boolean-result wrapper used by command operations.
func (t *WebSocketTunnel) call(ctx context.Context, req tunnelRequest) bool {
	resp, err := t.request(ctx, req)
	if err != nil {
		t.logger.WithError(err).Error("tunnel call failed", zap.String("action", req.Action))
		return false
	}
	return resp.OK
}

func (t *WebSocketTunnel) CreateSession(ctx context.Context, id string, spec SessionSpec) bool {
	if !ValidSessionID(id) || len(spec.Argv) == 0 {
		t.logger.Error("invalid session parameters", zap.String("session", id))
		return false
	}
	return t.call(ctx, tunnelRequest{
		Action:     "create_session",
		SessionID:  id,
		Argv:       spec.Argv,
		Workdir:    spec.Workdir,
		PreCommand: spec.PreCommand,
	})
}

func (t *WebSocketTunnel) SendInput(ctx context.Context, id, text string, sendEnter bool) bool {
	return t.call(ctx, tunnelRequest{Action: "send_input", SessionID: id, Text: text, SendEnter: sendEnter})
}

func (t *WebSocketTunnel) SendKey(ctx context.Context, id, key string) bool {
	return t.call(ctx, tunnelRequest{Action: "send_key", SessionID: id, Key: key})
}

func (t *WebSocketTunnel) CaptureOutput(ctx context.Context, id string, lines int) string {
	resp, err := t.request(ctx, tunnelRequest{Action: "capture_output", SessionID: id, Lines: lines})
	if err != nil {
		t.logger.WithError(err).Debug("capture failed", zap.String("session", id))
		return ""
	}
	// The server captures raw pane text; stripping stays client-side so
	// all variants share one normalization path.
	return StripANSI(resp.Output)
}

func (t *WebSocketTunnel) SessionExists(ctx context.Context, id string) bool {
	resp, err := t.request(ctx, tunnelRequest{Action: "session_exists", SessionID: id})
	if err != nil {
		return false
	}
	return resp.OK
}

func (t *WebSocketTunnel) KillSession(ctx context.Context, id string) bool {
	return t.call(ctx, tunnelRequest{Action: "kill_session", SessionID: id})
}

func (t *WebSocketTunnel) TestConnection(ctx context.Context) (bool, string) {
	resp, err := t.request(ctx, tunnelRequest{Action: "ping"})
	if err != nil {
		return false, fmt.Sprintf("tunnel unreachable: %v", err)
	}
	return resp.OK, resp.Output
}

func (t *WebSocketTunnel) LatencyMS(ctx context.Context) float64 {
	start := time.Now()
	if _, err := t.request(ctx, tunnelRequest{Action: "ping"}); err != nil {
		return -1
	}
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func (t *WebSocketTunnel) AttachCommand(id string) string {
	return fmt.Sprintf("tmux -S %s/%s.sock attach -t %s", remoteSocketDir, id, id)
}

// StartLogging names the server-side raw path so ReadOutputLog on the
// same session id reads the file the server wrote.
func (t *WebSocketTunnel) StartLogging(ctx context.Context, id, localPath string) bool {
	path := remoteSocketDir + "/" + id + ".raw"
	return t.call(ctx, tunnelRequest{Action: "start_logging", SessionID: id, Path: path})
}

func (t *WebSocketTunnel) ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error) {
	resp, err := t.request(ctx, tunnelRequest{
		Action: "read_output_log", SessionID: id, Offset: offset, MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, offset, err
	}
	return resp.Data, resp.Offset, nil
}

func (t *WebSocketTunnel) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
