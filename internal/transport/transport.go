// Package transport abstracts the terminal multiplexer so the monitor
// never speaks shell. Variants differ only in where the multiplexer runs
// and how commands reach it: local, SSH with connection reuse, a
// websocket-tunneled server, or a sidecar container.
package transport

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// sessionIDPattern restricts session names to multiplexer-safe characters.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidSessionID reports whether id is a legal session name.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// remoteSocketDir is where remote variants keep their multiplexer sockets.
const remoteSocketDir = "/tmp/cam-sockets"

// opTimeout is the per-operation network timeout on remote transports.
const opTimeout = 30 * time.Second

// SessionSpec describes one session to create: the program argv, its
// working directory, and an optional pre-command that runs in the same
// shell before the tool starts. Pre-commands are per-session state, not
// transport state, so pooled transports stay context-neutral.
type SessionSpec struct {
	Argv       []string
	Workdir    string
	PreCommand string
}

// Transport is the uniform multiplexer API. Command operations report
// success as a boolean: underlying channel errors (connection reset,
// process missing, command timeout) are logged and surfaced as a negative
// return, never as an error value, so a single flake costs one tick.
type Transport interface {
	// Type tags the variant: "local", "ssh", "websocket", "docker".
	Type() string

	// CreateSession allocates an isolated session named id whose initial
	// program is the spec's argv; when the program exits, the session
	// exits. A pre-command wraps argv as `sh -c "<pre> && exec <argv>"`.
	CreateSession(ctx context.Context, id string, spec SessionSpec) bool

	// SendInput delivers text byte-for-byte in literal mode, then
	// optionally delivers Enter as a separate operation.
	SendInput(ctx context.Context, id, text string, sendEnter bool) bool

	// SendKey delivers a named key (Enter, Escape, BSpace, ...) using the
	// multiplexer's key-name syntax.
	SendKey(ctx context.Context, id, key string) bool

	// CaptureOutput returns the last lines of the pane's visible text with
	// wrapped-line joining, ANSI-stripped. Short captures are retried on
	// the alternate screen and the longer result wins. Empty means no
	// signal this tick.
	CaptureOutput(ctx context.Context, id string, lines int) string

	SessionExists(ctx context.Context, id string) bool
	KillSession(ctx context.Context, id string) bool

	// TestConnection probes the channel; the detail string is human-facing.
	TestConnection(ctx context.Context) (bool, string)

	// LatencyMS measures a round-trip; 0 for local.
	LatencyMS(ctx context.Context) float64

	// AttachCommand returns a shell command the operator can paste to join
	// the session interactively.
	AttachCommand(id string) string

	// StartLogging pipes the pane's raw byte stream to a log readable back
	// through ReadOutputLog. localPath is the host-side destination;
	// transports without host filesystem access ignore it and derive
	// their own path from the session id.
	StartLogging(ctx context.Context, id, localPath string) bool

	// ReadOutputLog fetches up to maxBytes of the raw log from offset and
	// returns the new offset. The path read is the one StartLogging wrote
	// for the same session.
	ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error)

	// Close releases any long-lived channel resources.
	Close() error
}

// Options carries the install-level settings transports need.
type Options struct {
	Paths  config.Paths
	Docker config.DockerConfig
	Logger *logger.Logger
}

// New builds the transport variant for a machine configuration.
func New(machine models.MachineConfig, opts Options) (Transport, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	switch machine.Type {
	case models.MachineLocal, "":
		return NewLocal(opts.Paths.Sockets, log), nil
	case models.MachineSSH:
		return NewSSH(machine, log), nil
	case models.MachineWebSocket:
		return NewWebSocket(machine, log)
	case models.MachineDocker:
		return NewDocker(machine, opts.Docker, log)
	default:
		return nil, fmt.Errorf("unknown machine type %q", machine.Type)
	}
}
