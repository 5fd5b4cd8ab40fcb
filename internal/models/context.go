// Package models defines the core CAM data model: contexts, task
// definitions, agents and agent events.
package models

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MachineType selects the transport variant used to reach a context's
// terminal multiplexer.
type MachineType string

const (
	MachineLocal     MachineType = "local"
	MachineSSH       MachineType = "ssh"
	MachineWebSocket MachineType = "websocket"
	MachineDocker    MachineType = "docker"
)

// MachineConfig describes where a context's multiplexer runs and how to
// reach it. Only the fields for the selected Type are meaningful.
type MachineConfig struct {
	Type MachineType `json:"type"`

	// SSH fields
	Host    string `json:"host,omitempty"`
	User    string `json:"user,omitempty"`
	Port    int    `json:"port,omitempty"`
	KeyPath string `json:"key_path,omitempty"`

	// Docker fields
	Image   string   `json:"image,omitempty"`
	Volumes []string `json:"volumes,omitempty"`

	// WebSocket tunnel fields (Host/Port shared with SSH naming)
	Token string `json:"token,omitempty"`
}

// Validate checks the type-specific required fields.
func (m MachineConfig) Validate() error {
	switch m.Type {
	case MachineLocal, "":
		return nil
	case MachineSSH:
		if m.Host == "" {
			return fmt.Errorf("ssh machine requires a host")
		}
		return nil
	case MachineWebSocket:
		if m.Host == "" {
			return fmt.Errorf("websocket machine requires a host")
		}
		return nil
	case MachineDocker:
		return nil
	default:
		return fmt.Errorf("unknown machine type %q", m.Type)
	}
}

// Key returns a stable identity for transport reuse: two contexts with the
// same key share one transport instance.
func (m MachineConfig) Key() string {
	switch m.Type {
	case MachineSSH:
		return fmt.Sprintf("ssh:%s@%s:%d:%s", m.User, m.Host, m.Port, m.KeyPath)
	case MachineWebSocket:
		return fmt.Sprintf("ws:%s:%d", m.Host, m.Port)
	case MachineDocker:
		vols := append([]string(nil), m.Volumes...)
		sort.Strings(vols)
		return fmt.Sprintf("docker:%s:%s", m.Image, strings.Join(vols, ","))
	default:
		return "local"
	}
}

// Context is a named workspace on a specific machine.
type Context struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Machine    MachineConfig `json:"machine"`
	Tags       []string      `json:"tags,omitempty"`
	PreCommand string        `json:"pre_command,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
}

// NewContext constructs a validated context with a fresh id.
func NewContext(name, path string, machine MachineConfig) (*Context, error) {
	ctx := &Context{
		ID:        uuid.New().String(),
		Name:      name,
		Path:      path,
		Machine:   machine,
		CreatedAt: time.Now().UTC(),
	}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Validate checks the context invariants. It is re-run on every update.
func (c *Context) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("context name must not be empty")
	}
	if c.Path == "" || !filepath.IsAbs(c.Path) {
		return fmt.Errorf("context path must be absolute, got %q", c.Path)
	}
	return c.Machine.Validate()
}

// Touch records a launch against this context.
func (c *Context) Touch() {
	c.LastUsedAt = time.Now().UTC()
}
