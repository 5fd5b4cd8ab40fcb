// Package adapter holds the per-tool knowledge CAM needs to drive a
// coding CLI: how to launch it, when it is ready for a prompt, what its
// activity looks like, which dialogs to auto-confirm, and when it is
// done. Adapters are pure functions over captured pane text; they never
// touch the transport.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/camdev/cam/internal/models"
)

// Completion is an adapter's verdict on a capture.
type Completion string

const (
	CompletionNone      Completion = "none"
	CompletionCompleted Completion = "completed"
	CompletionFailed    Completion = "failed"
)

// Confirmation tells the monitor how to answer a detected dialog.
// Response may be empty when the menu cursor already sits on the
// desired option and Enter alone selects it.
type Confirmation struct {
	Response  string
	SendEnter bool
}

// Adapter is the per-tool contract. Implementations are hand-written or
// compiled from declarative config; the monitor treats both the same.
type Adapter interface {
	Name() string
	DisplayName() string

	// LaunchArgv builds the command line. Tools that accept the prompt as
	// an argument embed it; TUI tools get it typed after launch instead.
	LaunchArgv(task *models.TaskDefinition, context *models.Context) []string

	// NeedsPromptAfterLaunch reports whether the manager must wait for
	// readiness and deliver the prompt via the multiplexer.
	NeedsPromptAfterLaunch() bool

	// StartupWaitSeconds bounds the readiness wait loop.
	StartupWaitSeconds() float64

	// IsReadyForInput reports whether the most recent pane text shows the
	// tool drawing its input prompt.
	IsReadyForInput(output string) bool

	// DetectState scans the trailing portion of output for an activity
	// state. The second return is false when nothing matched.
	DetectState(output string) (models.ActivityState, bool)

	// ShouldAutoConfirm scans the trailing portion of output against an
	// ordered rule list and returns the first match, or nil.
	ShouldAutoConfirm(output string) *Confirmation

	// DetectCompletion applies the tool's completion heuristics.
	DetectCompletion(output string) Completion

	// EstimateCost extracts a dollar figure when the tool prints one.
	EstimateCost(output string) (float64, bool)

	// ParseFilesChanged extracts paths the tool reported touching.
	ParseFilesChanged(output string) []string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Adapter)
)

// Register adds an adapter under its name, replacing any previous one.
func Register(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[a.Name()] = a
}

// Get returns the adapter registered under name.
func Get(name string) (Adapter, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	return a, ok
}

// Resolve returns the adapter for tool, falling back to a generic
// adapter that runs the tool name as a command with the prompt as its
// argument. An empty tool name is an error.
func Resolve(tool string) (Adapter, error) {
	if tool == "" {
		return nil, fmt.Errorf("tool name is empty")
	}
	if a, ok := Get(tool); ok {
		return a, nil
	}
	return NewGeneric(tool), nil
}

// Names lists registered adapter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(NewClaude())
	Register(NewCodex())
	Register(NewAider())
	Register(NewCursor())
}
