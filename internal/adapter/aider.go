package adapter

import (
	"regexp"

	"github.com/camdev/cam/internal/models"
)

// Aider drives the aider CLI. Aider is line-oriented rather than a
// full-screen TUI: it prints a "> " prompt, the response streams below,
// and the prompt returns when the turn is over.
type Aider struct{}

func NewAider() *Aider { return &Aider{} }

var (
	// Bare input prompt on its own line.
	aiderReadyPattern = regexp.MustCompile(`(?m)^[a-z-]*>\s*$`)

	// Example: "Applied edit to internal/server/handler.go"
	aiderEditPattern = regexp.MustCompile(`(?m)^Applied edit to (.+)$`)

	// Example: "Commit a1b2c3d feat: add retry loop"
	aiderCommitPattern = regexp.MustCompile(`(?m)^Commit [0-9a-f]{7,}`)

	aiderTestPattern = regexp.MustCompile(`(?i)(running|pytest|go test|npm test)`)
	aiderPlanPattern = regexp.MustCompile(`(?i)(thinking|planning|repo map)`)

	// Example: "Add internal/server/handler.go to the chat? (Y)es/(N)o [Yes]:"
	aiderYesNoPattern = regexp.MustCompile(`\(Y\)es/\(N\)o`)

	// Bracketed default where Enter accepts.
	// Example: "[Yes]:"
	aiderDefaultPattern = regexp.MustCompile(`\[Yes\]:\s*$`)

	aiderErrorPattern = regexp.MustCompile(`(?i)(litellm\.\w*Error|Traceback \(most recent call last\)|model .+ is unknown)`)

	// Example: "Tokens: 4.2k sent, 1.1k received. Cost: $0.0042 message, $0.012 session."
	aiderCostPattern = regexp.MustCompile(`\$([0-9]+\.[0-9]+)\s+session`)
)

var aiderStateRules = []stateRule{
	{aiderPlanPattern, models.StatePlanning},
	{aiderTestPattern, models.StateTesting},
	{aiderCommitPattern, models.StateCommitting},
	{aiderEditPattern, models.StateEditing},
}

var aiderConfirmRules = []confirmRule{
	{aiderDefaultPattern, "", true},
	{aiderYesNoPattern, "y", true},
}

func (a *Aider) Name() string        { return "aider" }
func (a *Aider) DisplayName() string { return "Aider" }

func (a *Aider) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	return []string{"aider"}
}

func (a *Aider) NeedsPromptAfterLaunch() bool { return true }
func (a *Aider) StartupWaitSeconds() float64  { return 20 }

func (a *Aider) IsReadyForInput(output string) bool {
	return aiderReadyPattern.MatchString(rightStripLines(tail(output, confirmWindow)))
}

func (a *Aider) DetectState(output string) (models.ActivityState, bool) {
	return matchStateLast(aiderStateRules, tail(output, stateWindow))
}

func (a *Aider) ShouldAutoConfirm(output string) *Confirmation {
	return matchConfirm(aiderConfirmRules, output)
}

func (a *Aider) DetectCompletion(output string) Completion {
	window := rightStripLines(tail(output, stateWindow))
	if aiderErrorPattern.MatchString(window) {
		return CompletionFailed
	}
	// The prompt reappearing after work is the turn boundary. Two
	// occurrences in the window means a full turn is visible.
	if countMatches(aiderReadyPattern, window) >= 2 {
		return CompletionCompleted
	}
	return CompletionNone
}

func (a *Aider) EstimateCost(output string) (float64, bool) {
	return parseCost(aiderCostPattern, output)
}

func (a *Aider) ParseFilesChanged(output string) []string {
	return collectFiles(aiderEditPattern, output)
}
