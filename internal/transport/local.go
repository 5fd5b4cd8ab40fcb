package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
)

// Local runs tmux on the current host with one socket file per session
// under the install's socket directory.
type Local struct {
	socketDir string
	logger    *logger.Logger

	mu       sync.Mutex
	logPaths map[string]string // session id -> raw log path
}

// NewLocal creates the local tmux transport.
func NewLocal(socketDir string, log *logger.Logger) *Local {
	return &Local{
		socketDir: socketDir,
		logger:    log.WithFields(zap.String("transport", "local")),
		logPaths:  make(map[string]string),
	}
}

func (t *Local) Type() string { return "local" }

func (t *Local) socketPath(id string) string {
	return filepath.Join(t.socketDir, id+".sock")
}

func (t *Local) paneTarget(id string) string {
	return id + ":0.0"
}

// run executes one tmux command against the session's socket.
func (t *Local) run(ctx context.Context, id string, args ...string) (string, error) {
	full := append([]string{"-S", t.socketPath(id)}, args...)
	cmd := exec.CommandContext(ctx, "tmux", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tmux %s: %w (stderr: %s)", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

func (t *Local) CreateSession(ctx context.Context, id string, spec SessionSpec) bool {
	if !ValidSessionID(id) {
		t.logger.Error("invalid session id", zap.String("session", id))
		return false
	}
	if len(spec.Argv) == 0 {
		t.logger.Error("empty argv", zap.String("session", id))
		return false
	}
	if err := os.MkdirAll(t.socketDir, 0o755); err != nil {
		t.logger.WithError(err).Error("socket dir unavailable")
		return false
	}

	// Width/height hints help TUI tools detect a usable terminal.
	_, err := t.run(ctx, id,
		"new-session", "-d",
		"-s", id,
		"-c", spec.Workdir,
		"-x", "200", "-y", "50",
		"sh", "-c", sessionCommand(spec.Argv, spec.PreCommand),
	)
	if err != nil {
		t.logger.WithError(err).Error("create session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Local) SendInput(ctx context.Context, id, text string, sendEnter bool) bool {
	// Literal mode; "--" guards text beginning with a dash.
	if _, err := t.run(ctx, id, "send-keys", "-t", t.paneTarget(id), "-l", "--", text); err != nil {
		t.logger.WithError(err).Error("send input failed", zap.String("session", id))
		return false
	}
	if sendEnter {
		// Enter goes as a separate named-key operation.
		if _, err := t.run(ctx, id, "send-keys", "-t", t.paneTarget(id), "Enter"); err != nil {
			t.logger.WithError(err).Error("send enter failed", zap.String("session", id))
			return false
		}
	}
	return true
}

func (t *Local) SendKey(ctx context.Context, id, key string) bool {
	if _, err := t.run(ctx, id, "send-keys", "-t", t.paneTarget(id), key); err != nil {
		t.logger.WithError(err).Error("send key failed",
			zap.String("session", id), zap.String("key", key))
		return false
	}
	return true
}

func (t *Local) CaptureOutput(ctx context.Context, id string, lines int) string {
	capture := func(alternate bool) string {
		args := []string{"capture-pane", "-p", "-J", "-t", t.paneTarget(id), "-S", fmt.Sprintf("-%d", lines)}
		if alternate {
			args = append(args, "-a")
		}
		out, err := t.run(ctx, id, args...)
		if err != nil {
			t.logger.WithError(err).Debug("capture failed", zap.String("session", id))
			return ""
		}
		return StripANSI(out)
	}

	primary := capture(false)
	if printableCount(primary) >= 20 {
		return primary
	}
	alternate := capture(true)
	if printableCount(alternate) > printableCount(primary) {
		return alternate
	}
	return primary
}

func (t *Local) SessionExists(ctx context.Context, id string) bool {
	_, err := t.run(ctx, id, "has-session", "-t", id)
	return err == nil
}

func (t *Local) KillSession(ctx context.Context, id string) bool {
	_, err := t.run(ctx, id, "kill-session", "-t", id)
	// Socket removal keeps the directory a clean lookup table.
	_ = os.Remove(t.socketPath(id))
	if err != nil {
		t.logger.WithError(err).Debug("kill session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Local) TestConnection(ctx context.Context) (bool, string) {
	cmd := exec.CommandContext(ctx, "tmux", "-V")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Sprintf("tmux not available: %v", err)
	}
	return true, string(bytes.TrimSpace(out))
}

func (t *Local) LatencyMS(ctx context.Context) float64 { return 0 }

func (t *Local) AttachCommand(id string) string {
	return fmt.Sprintf("tmux -S %s attach -t %s", t.socketPath(id), id)
}

func (t *Local) StartLogging(ctx context.Context, id, path string) bool {
	pipeCmd := fmt.Sprintf("cat >> %s", shellQuote(path))
	if _, err := t.run(ctx, id, "pipe-pane", "-o", "-t", t.paneTarget(id), pipeCmd); err != nil {
		t.logger.WithError(err).Error("pipe-pane failed", zap.String("session", id))
		return false
	}
	t.mu.Lock()
	t.logPaths[id] = path
	t.mu.Unlock()
	return true
}

func (t *Local) ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error) {
	t.mu.Lock()
	path, ok := t.logPaths[id]
	t.mu.Unlock()
	if !ok {
		return nil, offset, fmt.Errorf("no output log for session %s", id)
	}
	return readFileChunk(path, offset, maxBytes)
}

func (t *Local) Close() error { return nil }

// readFileChunk reads up to maxBytes from path at offset.
func readFileChunk(path string, offset int64, maxBytes int) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	buf := make([]byte, maxBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, offset, err
	}
	return buf[:n], offset + int64(n), nil
}
