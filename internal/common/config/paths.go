package config

import (
	"os"
	"path/filepath"
)

// Paths describes the persisted-state layout under the data directory:
// the embedded database plus its sibling directories. Directories are
// created lazily by EnsureDirs.
type Paths struct {
	Root     string // install root
	Database string // SQLite database file
	Logs     string // per-agent JSON-lines event logs
	Pids     string // per-agent pid files for detached runners
	Sockets  string // per-session multiplexer sockets
	Raw      string // per-agent raw terminal output logs
}

// DataPaths resolves the persisted-state layout for the configured data
// directory, falling back to the XDG data path when unset.
func (c *Config) DataPaths() Paths {
	root := c.DataDir
	if root == "" {
		root = defaultDataDir()
	}
	return Paths{
		Root:     root,
		Database: filepath.Join(root, "cam.db"),
		Logs:     filepath.Join(root, "logs"),
		Pids:     filepath.Join(root, "pids"),
		Sockets:  filepath.Join(root, "sockets"),
		Raw:      filepath.Join(root, "raw"),
	}
}

// EnsureDirs creates the state directories that do not exist yet.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.Logs, p.Pids, p.Sockets, p.Raw} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// PidFile returns the pid-file path for a detached runner supervising agentID.
func (p Paths) PidFile(agentID string) string {
	return filepath.Join(p.Pids, agentID+".pid")
}

// SocketFile returns the multiplexer socket path for a session.
func (p Paths) SocketFile(session string) string {
	return filepath.Join(p.Sockets, session+".sock")
}

// AgentLogFile returns the JSON-lines event log path for an agent.
func (p Paths) AgentLogFile(agentID string) string {
	return filepath.Join(p.Logs, agentID+".jsonl")
}

// RawLogFile returns the raw terminal output log path for an agent.
func (p Paths) RawLogFile(agentID string) string {
	return filepath.Join(p.Raw, agentID+".raw")
}

func defaultDataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "cam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cam")
	}
	return filepath.Join(home, ".local", "share", "cam")
}
