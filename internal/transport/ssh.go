package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// SSH reaches a remote tmux through a persistent OpenSSH control master.
// Every operation is one remote shell command; the control socket keeps
// per-call latency to a round trip instead of a handshake.
type SSH struct {
	host    string
	user    string
	port    int
	keyPath string
	logger  *logger.Logger
}

// NewSSH creates the SSH transport for a remote machine.
func NewSSH(machine models.MachineConfig, log *logger.Logger) *SSH {
	port := machine.Port
	if port == 0 {
		port = 22
	}
	return &SSH{
		host:    machine.Host,
		user:    machine.User,
		port:    port,
		keyPath: machine.KeyPath,
		logger: log.WithFields(
			zap.String("transport", "ssh"),
			zap.String("host", machine.Host)),
	}
}

func (t *SSH) Type() string { return "ssh" }

func (t *SSH) destination() string {
	if t.user != "" {
		return t.user + "@" + t.host
	}
	return t.host
}

// controlPath hashes user@host:port so the Unix-socket name stays under
// the OS limit regardless of hostname length.
func (t *SSH) controlPath() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s@%s:%d", t.user, t.host, t.port)))
	return fmt.Sprintf("/tmp/cam-ssh-%x.sock", sum[:6])
}

func (t *SSH) sshArgs() []string {
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + t.controlPath(),
		"-o", "ControlPersist=600",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "BatchMode=yes",
		"-p", fmt.Sprintf("%d", t.port),
	}
	if t.keyPath != "" {
		args = append(args, "-i", t.keyPath)
	}
	return append(args, t.destination())
}

// run executes one remote shell command with the per-operation timeout.
func (t *SSH) run(ctx context.Context, remoteCmd string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := append(t.sshArgs(), "--", remoteCmd)
	cmd := exec.CommandContext(opCtx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ssh %s: %w (stderr: %s)", t.host, err, stderr.String())
	}
	return stdout.String(), nil
}

func (t *SSH) socketPath(id string) string {
	return remoteSocketDir + "/" + id + ".sock"
}

// rawLogPath is the remote raw-stream destination; StartLogging writes it
// and ReadOutputLog reads it, so the two always agree.
func (t *SSH) rawLogPath(id string) string {
	return remoteSocketDir + "/" + id + ".raw"
}

func (t *SSH) tmux(id string, args ...string) string {
	parts := []string{"tmux", "-S", shellQuote(t.socketPath(id))}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (t *SSH) paneTarget(id string) string { return id + ":0.0" }

func (t *SSH) CreateSession(ctx context.Context, id string, spec SessionSpec) bool {
	if !ValidSessionID(id) || len(spec.Argv) == 0 {
		t.logger.Error("invalid session parameters", zap.String("session", id))
		return false
	}

	mkdir := "mkdir -p " + shellQuote(remoteSocketDir)
	create := t.tmux(id,
		"new-session", "-d",
		"-s", id,
		"-c", spec.Workdir,
		"-x", "200", "-y", "50",
		"sh", "-c", sessionCommand(spec.Argv, spec.PreCommand),
	)
	if _, err := t.run(ctx, mkdir+" && "+create); err != nil {
		t.logger.WithError(err).Error("create session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *SSH) SendInput(ctx context.Context, id, text string, sendEnter bool) bool {
	var sendCmd string
	if isPlainASCII(text) {
		sendCmd = t.tmux(id, "send-keys", "-t", t.paneTarget(id), "-l", "--", text)
	} else {
		// Base64 round-trip protects multi-byte text from remote shell
		// locale mangling.
		encoded := base64.StdEncoding.EncodeToString([]byte(text))
		sendCmd = fmt.Sprintf(
			"tmux -S %s send-keys -t %s -l -- \"$(printf %%s %s | base64 -d)\"",
			shellQuote(t.socketPath(id)), shellQuote(t.paneTarget(id)), shellQuote(encoded))
	}
	if _, err := t.run(ctx, sendCmd); err != nil {
		t.logger.WithError(err).Error("send input failed", zap.String("session", id))
		return false
	}
	if sendEnter {
		if _, err := t.run(ctx, t.tmux(id, "send-keys", "-t", t.paneTarget(id), "Enter")); err != nil {
			t.logger.WithError(err).Error("send enter failed", zap.String("session", id))
			return false
		}
	}
	return true
}

func (t *SSH) SendKey(ctx context.Context, id, key string) bool {
	if _, err := t.run(ctx, t.tmux(id, "send-keys", "-t", t.paneTarget(id), key)); err != nil {
		t.logger.WithError(err).Error("send key failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *SSH) CaptureOutput(ctx context.Context, id string, lines int) string {
	capture := func(alternate bool) string {
		args := []string{"capture-pane", "-p", "-J", "-t", t.paneTarget(id), "-S", fmt.Sprintf("-%d", lines)}
		if alternate {
			args = append(args, "-a")
		}
		out, err := t.run(ctx, t.tmux(id, args...))
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

func (t *SSH) SessionExists(ctx context.Context, id string) bool {
	_, err := t.run(ctx, t.tmux(id, "has-session", "-t", id))
	return err == nil
}

func (t *SSH) KillSession(ctx context.Context, id string) bool {
	kill := t.tmux(id, "kill-session", "-t", id)
	rm := "rm -f " + shellQuote(t.socketPath(id)) + " " + shellQuote(t.rawLogPath(id))
	if _, err := t.run(ctx, kill+"; "+rm); err != nil {
		t.logger.WithError(err).Debug("kill session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *SSH) TestConnection(ctx context.Context) (bool, string) {
	out, err := t.run(ctx, "tmux -V")
	if err != nil {
		return false, fmt.Sprintf("ssh %s unreachable: %v", t.host, err)
	}
	return true, strings.TrimSpace(out)
}

func (t *SSH) LatencyMS(ctx context.Context) float64 {
	start := time.Now()
	if _, err := t.run(ctx, "true"); err != nil {
		return -1
	}
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func (t *SSH) AttachCommand(id string) string {
	base := fmt.Sprintf("ssh -t -p %d %s", t.port, t.destination())
	if t.keyPath != "" {
		base += " -i " + t.keyPath
	}
	return fmt.Sprintf("%s tmux -S %s attach -t %s", base, t.socketPath(id), id)
}

// StartLogging pipes to the remote rawLogPath; the caller's localPath is
// a host path the remote side cannot reach.
func (t *SSH) StartLogging(ctx context.Context, id, localPath string) bool {
	pipeCmd := fmt.Sprintf("cat >> %s", shellQuote(t.rawLogPath(id)))
	if _, err := t.run(ctx, t.tmux(id, "pipe-pane", "-o", "-t", t.paneTarget(id), pipeCmd)); err != nil {
		t.logger.WithError(err).Error("pipe-pane failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *SSH) ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error) {
	// dd gives a byte-accurate remote chunk read without extra tooling.
	cmd := fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null | base64",
		shellQuote(t.rawLogPath(id)), offset, maxBytes)
	out, err := t.run(ctx, cmd)
	if err != nil {
		return nil, offset, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, offset, fmt.Errorf("decode remote log chunk: %w", err)
	}
	return data, offset + int64(len(data)), nil
}

func (t *SSH) Close() error {
	// Tear the control master down so no background connection lingers.
	args := append(t.sshArgs()[:0:0], "-O", "exit",
		"-o", "ControlPath="+t.controlPath(), t.destination())
	return exec.Command("ssh", args...).Run()
}
