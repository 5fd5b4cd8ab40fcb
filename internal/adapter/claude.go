package adapter

import (
	"regexp"

	"github.com/camdev/cam/internal/models"
)

// Claude drives the Claude Code CLI. The tool is a full-screen TUI that
// draws an input box; the prompt is typed after launch once the box
// appears.
type Claude struct{}

func NewClaude() *Claude { return &Claude{} }

var (
	// Input box prompt marker.
	// Example: "│ > "
	claudeReadyPattern = regexp.MustCompile(`(?m)^\s*[│❯]\s*>`)

	// Working spinner line with interrupt hint.
	// Example: "✻ Billowing… (esc to interrupt)"
	claudeWorkingPattern = regexp.MustCompile(
		`[✻✽✶∴·✢*]\s+.+[…\.]{2,}.*\((esc|ctrl\+c)\s+to\s+interrupt`)

	// Tool-call markers the TUI prints per action.
	claudeEditPattern   = regexp.MustCompile(`⏺?\s*(Update|Write|Edit|Create)\(([^)]+)\)`)
	claudeTestPattern   = regexp.MustCompile(`(?i)⏺?\s*Bash\([^)]*(test|spec|pytest|go test)[^)]*\)`)
	claudeCommitPattern = regexp.MustCompile(`(?i)git (commit|push)`)
	claudePlanPattern   = regexp.MustCompile(`(?i)(✻\s+(Thinking|Planning|Pondering)|entered plan mode)`)

	// Trust dialog shown on first launch in a directory. The cursor
	// already sits on "Yes, proceed", so Enter alone accepts.
	claudeTrustPattern = regexp.MustCompile(`(?i)do\s+you\s+trust\s+the\s+files\s+in\s+this\s+folder`)

	// Numbered approval menu. The digit selects without Enter.
	// Example: "❯ 1. Yes"
	claudeMenuPattern = regexp.MustCompile(`(?m)^\s*[❯>]\s*1\.\s+Yes`)

	// Plain confirmation question.
	claudeProceedPattern = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+(proceed|continue|make this edit|create)`)

	// Session-level failures.
	claudeErrorPattern = regexp.MustCompile(`(?i)(API Error|credit balance is too low|rate limit reached|context window exceeded)`)

	// Final response marker plus a fresh input box means the turn is over.
	claudeSummaryPattern = regexp.MustCompile(`(?m)^⏺\s+\S`)

	claudeCostPattern = regexp.MustCompile(`(?i)(?:total )?cost:\s*\$([0-9]+\.[0-9]+)`)
)

var claudeStateRules = []stateRule{
	{claudeWorkingPattern, models.StatePlanning},
	{claudePlanPattern, models.StatePlanning},
	{claudeTestPattern, models.StateTesting},
	{claudeCommitPattern, models.StateCommitting},
	{claudeEditPattern, models.StateEditing},
}

var claudeConfirmRules = []confirmRule{
	{claudeTrustPattern, "", true},
	{claudeMenuPattern, "1", false},
	{claudeProceedPattern, "1", false},
}

func (c *Claude) Name() string        { return "claude" }
func (c *Claude) DisplayName() string { return "Claude Code" }

func (c *Claude) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	return []string{"claude"}
}

func (c *Claude) NeedsPromptAfterLaunch() bool { return true }
func (c *Claude) StartupWaitSeconds() float64  { return 30 }

func (c *Claude) IsReadyForInput(output string) bool {
	return claudeReadyPattern.MatchString(rightStripLines(tail(output, confirmWindow)))
}

func (c *Claude) DetectState(output string) (models.ActivityState, bool) {
	// Claude redraws earlier activity markers above the spinner, so the
	// most recent signal wins.
	return matchStateLast(claudeStateRules, tail(output, stateWindow))
}

func (c *Claude) ShouldAutoConfirm(output string) *Confirmation {
	return matchConfirm(claudeConfirmRules, output)
}

func (c *Claude) DetectCompletion(output string) Completion {
	window := rightStripLines(tail(output, stateWindow))
	if claudeErrorPattern.MatchString(window) {
		return CompletionFailed
	}
	// Still spinning means still working, whatever else is visible.
	if claudeWorkingPattern.MatchString(window) {
		return CompletionNone
	}
	// Two prompt boxes, or a final response marker above a fresh one.
	prompts := countMatches(claudeReadyPattern, window)
	if prompts >= 2 {
		return CompletionCompleted
	}
	if prompts >= 1 && claudeSummaryPattern.MatchString(window) {
		return CompletionCompleted
	}
	return CompletionNone
}

func (c *Claude) EstimateCost(output string) (float64, bool) {
	return parseCost(claudeCostPattern, output)
}

func (c *Claude) ParseFilesChanged(output string) []string {
	matches := claudeEditPattern.FindAllStringSubmatch(output, -1)
	seen := make(map[string]bool, len(matches))
	var files []string
	for _, m := range matches {
		path := m[2]
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	return files
}
