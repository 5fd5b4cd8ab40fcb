package adapter

import (
	"regexp"

	"github.com/camdev/cam/internal/models"
)

// Cursor drives the cursor-agent CLI in print mode: the prompt rides
// the command line and the process exits when the run is over, so the
// session ending is itself the completion signal.
type Cursor struct{}

func NewCursor() *Cursor { return &Cursor{} }

var (
	cursorEditPattern   = regexp.MustCompile(`(?i)(editing|writing|updating)\s+(\S+\.\w+)`)
	cursorTestPattern   = regexp.MustCompile(`(?i)(running tests|go test|pytest|npm test)`)
	cursorCommitPattern = regexp.MustCompile(`(?i)git (commit|push)`)
	cursorPlanPattern   = regexp.MustCompile(`(?i)(thinking|planning|analyzing)`)

	// Login or permission gates still surface as y/n questions.
	cursorConfirmPattern = regexp.MustCompile(`(?i)(continue|proceed|allow)\?\s*\[?y`)

	cursorErrorPattern = regexp.MustCompile(`(?i)(error:|not logged in|authentication failed|usage limit)`)
	cursorDonePattern  = regexp.MustCompile(`(?i)(?:^|\n)\s*(done|finished|completed)[.!]?\s*$`)
)

var cursorStateRules = []stateRule{
	{cursorPlanPattern, models.StatePlanning},
	{cursorTestPattern, models.StateTesting},
	{cursorCommitPattern, models.StateCommitting},
	{cursorEditPattern, models.StateEditing},
}

var cursorConfirmRules = []confirmRule{
	{cursorConfirmPattern, "y", true},
}

func (c *Cursor) Name() string        { return "cursor" }
func (c *Cursor) DisplayName() string { return "Cursor Agent" }

func (c *Cursor) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	return []string{"cursor-agent", "-p", task.Prompt}
}

func (c *Cursor) NeedsPromptAfterLaunch() bool { return false }
func (c *Cursor) StartupWaitSeconds() float64  { return 10 }

func (c *Cursor) IsReadyForInput(output string) bool { return false }

func (c *Cursor) DetectState(output string) (models.ActivityState, bool) {
	return matchStateFirst(cursorStateRules, tail(output, stateWindow))
}

func (c *Cursor) ShouldAutoConfirm(output string) *Confirmation {
	return matchConfirm(cursorConfirmRules, output)
}

func (c *Cursor) DetectCompletion(output string) Completion {
	window := rightStripLines(tail(output, stateWindow))
	if cursorErrorPattern.MatchString(window) {
		return CompletionFailed
	}
	if cursorDonePattern.MatchString(window) {
		return CompletionCompleted
	}
	return CompletionNone
}

func (c *Cursor) EstimateCost(output string) (float64, bool) { return 0, false }

func (c *Cursor) ParseFilesChanged(output string) []string { return nil }
