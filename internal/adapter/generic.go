package adapter

import (
	"regexp"

	"github.com/camdev/cam/internal/models"
)

// Generic is the fallback for tools CAM has no specific knowledge of.
// It runs the tool name as a command with the prompt as the single
// argument and relies on the session exiting as the completion signal.
type Generic struct {
	tool string
}

func NewGeneric(tool string) *Generic { return &Generic{tool: tool} }

var genericErrorPattern = regexp.MustCompile(`(?im)^(error|fatal|panic):`)

func (g *Generic) Name() string        { return g.tool }
func (g *Generic) DisplayName() string { return g.tool }

func (g *Generic) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	return []string{g.tool, task.Prompt}
}

func (g *Generic) NeedsPromptAfterLaunch() bool { return false }
func (g *Generic) StartupWaitSeconds() float64  { return 5 }

func (g *Generic) IsReadyForInput(output string) bool { return false }

func (g *Generic) DetectState(output string) (models.ActivityState, bool) {
	return "", false
}

func (g *Generic) ShouldAutoConfirm(output string) *Confirmation { return nil }

func (g *Generic) DetectCompletion(output string) Completion {
	if genericErrorPattern.MatchString(tail(output, stateWindow)) {
		return CompletionFailed
	}
	return CompletionNone
}

func (g *Generic) EstimateCost(output string) (float64, bool) { return 0, false }

func (g *Generic) ParseFilesChanged(output string) []string { return nil }
