package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusStarting  AgentStatus = "starting"
	StatusRunning   AgentStatus = "running"
	StatusRetrying  AgentStatus = "retrying"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTimeout   AgentStatus = "timeout"
	StatusKilled    AgentStatus = "killed"
)

// IsTerminal reports whether the status is final.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

// legalTransitions maps each status to its legal successors.
var legalTransitions = map[AgentStatus][]AgentStatus{
	StatusPending:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusFailed, StatusKilled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusTimeout, StatusKilled, StatusRetrying},
	StatusRetrying: {StatusRunning, StatusFailed, StatusKilled},
}

// CanTransitionTo reports whether s -> next is a legal status transition.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActivityState is the advisory activity of the tool inside the session.
// It never gates status transitions.
type ActivityState string

const (
	StateInitializing ActivityState = "initializing"
	StatePlanning     ActivityState = "planning"
	StateEditing      ActivityState = "editing"
	StateTesting      ActivityState = "testing"
	StateCommitting   ActivityState = "committing"
	StateIdle         ActivityState = "idle"
)

// KnownActivityStates lists the closed set of activity states, used by
// declarative adapter validation.
var KnownActivityStates = map[ActivityState]bool{
	StateInitializing: true,
	StatePlanning:     true,
	StateEditing:      true,
	StateTesting:      true,
	StateCommitting:   true,
	StateIdle:         true,
}

// MaxInlineEvents is the number of trailing events kept on the agent
// record for debugging; the store holds the full history.
const MaxInlineEvents = 50

// Agent is one running or finished instance of a task under supervision.
type Agent struct {
	ID   string         `json:"id"`
	Task TaskDefinition `json:"task"`

	// Denormalized context fields so an agent record is self-contained.
	ContextID   string `json:"context_id,omitempty"`
	ContextName string `json:"context_name,omitempty"`
	ContextPath string `json:"context_path"`

	TransportType string `json:"transport_type"`

	Status AgentStatus   `json:"status"`
	State  ActivityState `json:"state"`

	// TmuxSession names the multiplexer session; pane "{session}:0.0" is
	// the only input/output target.
	TmuxSession string `json:"tmux_session,omitempty"`
	TmuxSocket  string `json:"tmux_socket,omitempty"`
	PID         int    `json:"pid,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	RetryCount  int        `json:"retry_count"`

	Events       []AgentEvent `json:"events,omitempty"`
	CostEstimate float64      `json:"cost_estimate"`
	FilesChanged []string     `json:"files_changed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewAgent builds an agent record for a task in the given context.
// The agent starts in pending with a fresh id and a derived session name.
func NewAgent(task TaskDefinition, ctx *Context, transportType string) *Agent {
	id := uuid.New().String()
	now := time.Now().UTC()
	a := &Agent{
		ID:            id,
		Task:          task,
		TransportType: transportType,
		Status:        StatusPending,
		State:         StateInitializing,
		TmuxSession:   SessionName(id),
		StartedAt:     now,
		CreatedAt:     now,
	}
	if ctx != nil {
		a.ContextID = ctx.ID
		a.ContextName = ctx.Name
		a.ContextPath = ctx.Path
	}
	return a
}

// SessionName derives the multiplexer session name from an agent id:
// "cam-" plus the first 12 hex characters of the id without hyphens.
func SessionName(agentID string) string {
	hex := strings.ReplaceAll(agentID, "-", "")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return "cam-" + hex
}

// PaneTarget returns the authoritative pane target for the session.
func (a *Agent) PaneTarget() string {
	return a.TmuxSession + ":0.0"
}

// IsTerminal reports whether the agent reached a final status.
func (a *Agent) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// Finalize moves the agent into a terminal status and stamps completion.
// A second call is a no-op: completed_at is set iff status is terminal.
func (a *Agent) Finalize(status AgentStatus, reason string) bool {
	if a.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	a.Status = status
	a.CompletedAt = &now
	a.ExitReason = reason
	return true
}

// RecordEvent appends an event to the in-line trailing buffer.
func (a *Agent) RecordEvent(ev AgentEvent) {
	a.Events = append(a.Events, ev)
	if len(a.Events) > MaxInlineEvents {
		a.Events = a.Events[len(a.Events)-MaxInlineEvents:]
	}
}
