package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/models"
)

func TestResolveFallsBackToGeneric(t *testing.T) {
	a, err := Resolve("sometool")
	require.NoError(t, err)
	assert.Equal(t, "sometool", a.Name())
	assert.False(t, a.NeedsPromptAfterLaunch())
}

func TestResolveEmptyToolIsError(t *testing.T) {
	_, err := Resolve("")
	assert.Error(t, err)
}

func TestResolveRegisteredAdapter(t *testing.T) {
	a, err := Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "Claude Code", a.DisplayName())
}

func TestClaudeReadyForInput(t *testing.T) {
	output := "some earlier text\n╭──────╮\n│ > \n╰──────╯\n"
	assert.True(t, NewClaude().IsReadyForInput(output))
	assert.False(t, NewClaude().IsReadyForInput("still loading"))
}

func TestClaudeTrustDialogConfirmsWithEnterOnly(t *testing.T) {
	output := "Do you trust the files in this folder?\n❯ 1. Yes, proceed\n  2. No, exit\n"
	c := NewClaude().ShouldAutoConfirm(output)
	require.NotNil(t, c)
	assert.Equal(t, "", c.Response)
	assert.True(t, c.SendEnter)
}

func TestClaudeMenuConfirmsWithDigitNoEnter(t *testing.T) {
	output := "Bash(rm -rf build)\n❯ 1. Yes\n  2. No\n"
	c := NewClaude().ShouldAutoConfirm(output)
	require.NotNil(t, c)
	assert.Equal(t, "1", c.Response)
	assert.False(t, c.SendEnter)
}

func TestConfirmRuleOrderFirstMatchWins(t *testing.T) {
	// Trust dialog text plus a numbered menu: the trust rule is listed
	// first and must win even though both patterns match.
	output := "Do you trust the files in this folder?\n❯ 1. Yes, proceed\n"
	c := NewClaude().ShouldAutoConfirm(output)
	require.NotNil(t, c)
	assert.Equal(t, "", c.Response)
}

func TestConfirmWindowHandlesPaddedCaptures(t *testing.T) {
	// Remote captures pad lines to the pane width; right-strip must make
	// end-anchored patterns match anyway.
	padded := "Add main.go to the chat? (Y)es/(N)o [Yes]:" + "                    " + "\n"
	c := NewAider().ShouldAutoConfirm(padded)
	require.NotNil(t, c)
	assert.Equal(t, "", c.Response)
	assert.True(t, c.SendEnter)
}

func TestClaudeStateLastMatchWins(t *testing.T) {
	output := "⏺ Update(main.go)\nrunning go test ./...\n⏺ Bash(go test ./...)\n"
	state, ok := NewClaude().DetectState(output)
	require.True(t, ok)
	assert.Equal(t, models.StateTesting, state)
}

func TestClaudeWorkingSuppressesCompletion(t *testing.T) {
	output := "│ > \n⏺ done with step one\n✻ Reticulating… (esc to interrupt)\n│ > \n"
	assert.Equal(t, CompletionNone, NewClaude().DetectCompletion(output))
}

func TestClaudeErrorPatternFails(t *testing.T) {
	output := "API Error: rate limit reached\n"
	assert.Equal(t, CompletionFailed, NewClaude().DetectCompletion(output))
}

func TestAiderPromptCountCompletion(t *testing.T) {
	working := "> write a parser\nApplied edit to parser.go\n"
	assert.Equal(t, CompletionNone, NewAider().DetectCompletion(working))

	done := "> write a parser\nApplied edit to parser.go\n> \n"
	assert.Equal(t, CompletionCompleted, NewAider().DetectCompletion(done))
}

func TestAiderCostAndFiles(t *testing.T) {
	output := "Applied edit to a.go\nApplied edit to b.go\nApplied edit to a.go\n" +
		"Tokens: 4.2k sent. Cost: $0.0042 message, $0.0120 session.\n> \n"
	a := NewAider()

	cost, ok := a.EstimateCost(output)
	require.True(t, ok)
	assert.InDelta(t, 0.012, cost, 1e-9)

	assert.Equal(t, []string{"a.go", "b.go"}, a.ParseFilesChanged(output))
}

func TestCodexWorkedBannerCompletes(t *testing.T) {
	working := "• Working (65s • esc to interrupt)\n"
	assert.Equal(t, CompletionNone, NewCodex().DetectCompletion(working))

	// The banner replaces the working line when the turn ends.
	done := "─ Worked for 2m 30s─────────\n› \n"
	assert.Equal(t, CompletionCompleted, NewCodex().DetectCompletion(done))
}

func TestCodexPromptEmbedsInArgv(t *testing.T) {
	task := &models.TaskDefinition{Tool: "codex", Prompt: "fix the tests"}
	argv := NewCodex().LaunchArgv(task, nil)
	assert.Equal(t, []string{"codex", "fix the tests"}, argv)
}

func TestGenericDetectsErrorLines(t *testing.T) {
	g := NewGeneric("mytool")
	assert.Equal(t, CompletionFailed, g.DetectCompletion("error: no such file\n"))
	assert.Equal(t, CompletionNone, g.DetectCompletion("all good\n"))
}
