package adapter

import (
	"regexp"

	"github.com/camdev/cam/internal/models"
)

// Codex drives the OpenAI Codex CLI. Codex takes the prompt as an
// argument, so no readiness dance is needed, but its approval menus
// still want answering.
type Codex struct{}

func NewCodex() *Codex { return &Codex{} }

var (
	// Working line with timer.
	// Example: "• Working (65s • esc to interrupt)"
	codexWorkingPattern = regexp.MustCompile(
		`(?m)^[•◦]\s*.+\(?(\d+h\s+)?(\d+m\s+)?\d+s\s*[•·]\s*(esc|ctrl\+c)\s+to\s+interrup`)

	// Turn-complete banner.
	// Example: "─ Worked for 2m 30s─────────"
	codexWorkedPattern = regexp.MustCompile(`(?m)^─\s*Worked\s+for\s+.+─*$`)

	// Composer prompt drawn between turns.
	codexReadyPattern = regexp.MustCompile(`(?m)^[›❯>]\s*$|(?i)send a message`)

	codexPatchPattern  = regexp.MustCompile(`(?i)(apply_patch|Updated?\s+\S+\.\w+|✏)`)
	codexTestPattern   = regexp.MustCompile(`(?i)(go test|pytest|npm test|cargo test)`)
	codexCommitPattern = regexp.MustCompile(`(?i)git (commit|push)`)
	codexThinkPattern  = regexp.MustCompile(`(?i)^[•◦]?\s*(thinking|planning|exploring)`)

	// Numbered approval menu. The digit selects without Enter.
	// Example: "› 1. Yes, proceed"
	codexMenuPattern = regexp.MustCompile(`(?m)^[›❯]\s*1\.\s+`)

	// Confirmation where the cursor is pre-placed.
	codexEnterConfirmPattern = regexp.MustCompile(`(?i)press\s+enter\s+to\s+(confirm|continue)`)

	// Plain allow/deny question.
	codexAllowPattern = regexp.MustCompile(`(?i)(approve|allow|confirm|proceed)\s*\?`)

	codexErrorPattern = regexp.MustCompile(`(?i)(stream error|rate limit|quota exceeded|unexpected status 4\d\d)`)
)

var codexStateRules = []stateRule{
	{codexThinkPattern, models.StatePlanning},
	{codexTestPattern, models.StateTesting},
	{codexCommitPattern, models.StateCommitting},
	{codexPatchPattern, models.StateEditing},
}

var codexConfirmRules = []confirmRule{
	{codexMenuPattern, "1", false},
	{codexEnterConfirmPattern, "", true},
	{codexAllowPattern, "y", true},
}

func (c *Codex) Name() string        { return "codex" }
func (c *Codex) DisplayName() string { return "Codex CLI" }

func (c *Codex) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	return []string{"codex", task.Prompt}
}

func (c *Codex) NeedsPromptAfterLaunch() bool { return false }
func (c *Codex) StartupWaitSeconds() float64  { return 10 }

func (c *Codex) IsReadyForInput(output string) bool {
	return codexReadyPattern.MatchString(rightStripLines(tail(output, confirmWindow)))
}

func (c *Codex) DetectState(output string) (models.ActivityState, bool) {
	// Codex interleaves working banners with tool output; take the most
	// recent marker.
	return matchStateLast(codexStateRules, tail(output, stateWindow))
}

func (c *Codex) ShouldAutoConfirm(output string) *Confirmation {
	return matchConfirm(codexConfirmRules, output)
}

func (c *Codex) DetectCompletion(output string) Completion {
	window := rightStripLines(tail(output, stateWindow))
	if codexErrorPattern.MatchString(window) {
		return CompletionFailed
	}
	if codexWorkingPattern.MatchString(window) {
		return CompletionNone
	}
	if codexWorkedPattern.MatchString(window) {
		return CompletionCompleted
	}
	return CompletionNone
}

func (c *Codex) EstimateCost(output string) (float64, bool) { return 0, false }

func (c *Codex) ParseFilesChanged(output string) []string { return nil }
