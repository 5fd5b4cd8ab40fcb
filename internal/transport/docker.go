package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// Docker runs each session's multiplexer inside a sidecar container with
// the workspace bind-mounted. Commands reach tmux through the container
// exec API; the tmux binary is installed on first use when the image
// lacks it.
type Docker struct {
	cli     *client.Client
	image   string
	volumes []string
	logger  *logger.Logger

	mu       sync.Mutex
	prepared map[string]bool // container id -> tmux verified
}

// NewDocker creates the containerized transport.
func NewDocker(machine models.MachineConfig, cfg config.DockerConfig, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	img := machine.Image
	if img == "" {
		img = cfg.Image
	}
	return &Docker{
		cli:     cli,
		image:   img,
		volumes: machine.Volumes,
		logger: log.WithFields(
			zap.String("transport", "docker"),
			zap.String("image", img)),
		prepared: make(map[string]bool),
	}, nil
}

func (t *Docker) Type() string { return "docker" }

func (t *Docker) containerName(id string) string {
	return "cam-sess-" + id
}

// rawLogPath is the in-container raw-stream destination shared by
// StartLogging and ReadOutputLog.
func (t *Docker) rawLogPath(id string) string {
	return "/tmp/" + id + ".raw"
}

func (t *Docker) paneTarget(id string) string { return id + ":0.0" }

// exec runs argv inside the session's sidecar container.
func (t *Docker) exec(ctx context.Context, id string, argv []string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	name := t.containerName(id)
	execResp, err := t.cli.ContainerExecCreate(opCtx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create in %s: %w", name, err)
	}

	attach, err := t.cli.ContainerExecAttach(opCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("exec read in %s: %w", name, err)
	}

	inspect, err := t.cli.ContainerExecInspect(opCtx, execResp.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect in %s: %w", name, err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), fmt.Errorf("exec %v exited %d (stderr: %s)",
			argv[0], inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ensureTmux installs tmux inside the container the first time it is needed.
func (t *Docker) ensureTmux(ctx context.Context, id string) error {
	t.mu.Lock()
	done := t.prepared[id]
	t.mu.Unlock()
	if done {
		return nil
	}

	if _, err := t.exec(ctx, id, []string{"sh", "-c", "command -v tmux"}); err != nil {
		install := "apt-get update -qq && apt-get install -y -qq tmux || apk add --no-cache tmux"
		if _, err := t.exec(ctx, id, []string{"sh", "-c", install}); err != nil {
			return fmt.Errorf("installing tmux: %w", err)
		}
	}

	t.mu.Lock()
	t.prepared[id] = true
	t.mu.Unlock()
	return nil
}

func (t *Docker) CreateSession(ctx context.Context, id string, spec SessionSpec) bool {
	if !ValidSessionID(id) || len(spec.Argv) == 0 {
		t.logger.Error("invalid session parameters", zap.String("session", id))
		return false
	}

	workdir := spec.Workdir
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: workdir, Target: workdir}}
	for _, vol := range t.volumes {
		parts := strings.SplitN(vol, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]})
	}

	// Pull is tolerated to fail for local-only images.
	if reader, err := t.cli.ImagePull(ctx, t.image, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := t.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      t.image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: workdir,
			Labels:     map[string]string{"cam.session": id},
		},
		&container.HostConfig{Mounts: mounts, AutoRemove: true},
		nil, nil, t.containerName(id))
	if err != nil {
		t.logger.WithError(err).Error("container create failed", zap.String("session", id))
		return false
	}
	if err := t.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		t.logger.WithError(err).Error("container start failed", zap.String("session", id))
		return false
	}
	if err := t.ensureTmux(ctx, id); err != nil {
		t.logger.WithError(err).Error("tmux unavailable in container", zap.String("session", id))
		return false
	}

	_, err = t.exec(ctx, id, []string{"tmux",
		"new-session", "-d",
		"-s", id,
		"-c", workdir,
		"-x", "200", "-y", "50",
		"sh", "-c", sessionCommand(spec.Argv, spec.PreCommand),
	})
	if err != nil {
		t.logger.WithError(err).Error("create session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Docker) SendInput(ctx context.Context, id, text string, sendEnter bool) bool {
	if _, err := t.exec(ctx, id, []string{"tmux", "send-keys", "-t", t.paneTarget(id), "-l", "--", text}); err != nil {
		t.logger.WithError(err).Error("send input failed", zap.String("session", id))
		return false
	}
	if sendEnter {
		if _, err := t.exec(ctx, id, []string{"tmux", "send-keys", "-t", t.paneTarget(id), "Enter"}); err != nil {
			t.logger.WithError(err).Error("send enter failed", zap.String("session", id))
			return false
		}
	}
	return true
}

func (t *Docker) SendKey(ctx context.Context, id, key string) bool {
	if _, err := t.exec(ctx, id, []string{"tmux", "send-keys", "-t", t.paneTarget(id), key}); err != nil {
		t.logger.WithError(err).Error("send key failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Docker) CaptureOutput(ctx context.Context, id string, lines int) string {
	capture := func(alternate bool) string {
		args := []string{"tmux", "capture-pane", "-p", "-J", "-t", t.paneTarget(id), "-S", fmt.Sprintf("-%d", lines)}
		if alternate {
			args = append(args, "-a")
		}
		out, err := t.exec(ctx, id, args)
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

func (t *Docker) SessionExists(ctx context.Context, id string) bool {
	_, err := t.exec(ctx, id, []string{"tmux", "has-session", "-t", id})
	return err == nil
}

func (t *Docker) KillSession(ctx context.Context, id string) bool {
	_, tmuxErr := t.exec(ctx, id, []string{"tmux", "kill-session", "-t", id})

	timeout := 5
	stopErr := t.cli.ContainerStop(ctx, t.containerName(id), container.StopOptions{Timeout: &timeout})

	t.mu.Lock()
	delete(t.prepared, id)
	t.mu.Unlock()

	if tmuxErr != nil && stopErr != nil {
		t.logger.WithError(stopErr).Debug("kill session failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Docker) TestConnection(ctx context.Context) (bool, string) {
	ping, err := t.cli.Ping(ctx)
	if err != nil {
		return false, fmt.Sprintf("docker unreachable: %v", err)
	}
	return true, "docker api " + ping.APIVersion
}

func (t *Docker) LatencyMS(ctx context.Context) float64 {
	start := time.Now()
	if _, err := t.cli.Ping(ctx); err != nil {
		return -1
	}
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func (t *Docker) AttachCommand(id string) string {
	return fmt.Sprintf("docker exec -it %s tmux attach -t %s", t.containerName(id), id)
}

// StartLogging pipes to the in-container rawLogPath; the caller's
// localPath is a host path the sidecar cannot reach.
func (t *Docker) StartLogging(ctx context.Context, id, localPath string) bool {
	pipeCmd := fmt.Sprintf("cat >> %s", shellQuote(t.rawLogPath(id)))
	if _, err := t.exec(ctx, id, []string{"tmux", "pipe-pane", "-o", "-t", t.paneTarget(id), pipeCmd}); err != nil {
		t.logger.WithError(err).Error("pipe-pane failed", zap.String("session", id))
		return false
	}
	return true
}

func (t *Docker) ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error) {
	out, err := t.exec(ctx, id, []string{"sh", "-c",
		fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null | base64", shellQuote(t.rawLogPath(id)), offset, maxBytes)})
	if err != nil {
		return nil, offset, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, offset, err
	}
	return data, offset + int64(len(data)), nil
}

func (t *Docker) Close() error {
	return t.cli.Close()
}
