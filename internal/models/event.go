package models

import "time"

// Event types form a closed set; subscribers key off these strings.
const (
	EventAgentStarted           = "agent_started"
	EventStateChange            = "state_change"
	EventAutoConfirm            = "auto_confirm"
	EventProbe                  = "probe"
	EventOutput                 = "output"
	EventMonitorStart           = "monitor_start"
	EventTimeout                = "timeout"
	EventIdleTimeout            = "idle_timeout"
	EventSessionGone            = "session_gone"
	EventPromptReturnCompletion = "prompt_return_completion"
	EventFinalize               = "finalize"
	EventAgentFinished          = "agent_finished"
	EventAgentRetry             = "agent_retry"
	EventAgentOrphaned          = "agent_orphaned"
	EventAgentKilled            = "agent_killed"
	EventError                  = "error"
	EventCancelled              = "cancelled"

	// EventStatusUpdate is synthesized by the API poller for detached
	// agents whose monitors publish on a different process's bus.
	EventStatusUpdate = "status_update"
)

// AgentEvent is one append-only lifecycle event for an agent. Events are
// published on the bus, persisted to the store, and appended to the
// per-agent log.
type AgentEvent struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewAgentEvent stamps an event with the current time.
func NewAgentEvent(agentID, eventType string, detail map[string]any) AgentEvent {
	return AgentEvent{
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Detail:    detail,
	}
}
