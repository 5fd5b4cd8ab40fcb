package models

import (
	"fmt"
	"strings"
)

// MaxTaskTimeoutSeconds bounds the task-level total timeout at 24 hours.
const MaxTaskTimeoutSeconds = 86400

// RetryPolicy controls the monitor retry loop around transient failures.
type RetryPolicy struct {
	MaxRetries  int     `json:"max_retries"`
	BackoffBase float64 `json:"backoff_base"`
	BackoffMax  float64 `json:"backoff_max"`
}

// DefaultRetryPolicy returns the policy used when a task does not set one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, BackoffBase: 2, BackoffMax: 60}
}

// Validate checks the retry policy bounds.
func (r RetryPolicy) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if r.BackoffBase <= 1 {
		return fmt.Errorf("backoff_base must be greater than 1")
	}
	if r.BackoffMax <= 0 {
		return fmt.Errorf("backoff_max must be positive")
	}
	return nil
}

// TaskDefinition describes what an agent should do: which tool to run,
// the prompt to give it, and the policies around its supervision.
type TaskDefinition struct {
	// Name is an optional display name.
	Name string `json:"name,omitempty"`

	// Tool identifies a registered adapter; unknown names fall back to
	// the generic adapter at resolution time, but the field itself must
	// be non-empty.
	Tool string `json:"tool"`

	// Prompt is the natural-language instruction typed into the tool.
	Prompt string `json:"prompt"`

	// ContextName optionally references a stored context by name.
	ContextName string `json:"context,omitempty"`

	// TimeoutSeconds is the total timeout; 0 means no task-level timeout.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	Retry RetryPolicy `json:"retry"`

	// Env holds environment overrides exported into the session.
	Env map[string]string `json:"env,omitempty"`

	// AutoConfirm overrides the global auto_confirm switch when set.
	AutoConfirm *bool `json:"auto_confirm,omitempty"`

	// DependsOn names tasks that must complete first (used by external
	// task-file runners; opaque to the core).
	DependsOn []string `json:"depends_on,omitempty"`

	// OnComplete names a follow-up task (same note as DependsOn).
	OnComplete string `json:"on_complete,omitempty"`
}

// NewTask constructs a validated task definition with default retry policy.
func NewTask(tool, prompt string) (*TaskDefinition, error) {
	t := &TaskDefinition{
		Tool:   tool,
		Prompt: prompt,
		Retry:  DefaultRetryPolicy(),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the task invariants rejected at construction.
func (t *TaskDefinition) Validate() error {
	if strings.TrimSpace(t.Tool) == "" {
		return fmt.Errorf("task tool must not be empty")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("task prompt must not be empty")
	}
	if t.TimeoutSeconds < 0 {
		return fmt.Errorf("task timeout must not be negative")
	}
	if t.TimeoutSeconds > MaxTaskTimeoutSeconds {
		return fmt.Errorf("task timeout exceeds 24h bound")
	}
	return t.Retry.Validate()
}
