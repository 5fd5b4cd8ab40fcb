package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/camdev/cam/internal/models"
)

// Completion strategies a declarative adapter may choose.
const (
	StrategyPattern     = "pattern"      // completion_pattern match means done
	StrategyPromptCount = "prompt_count" // ready prompt visible twice means done
	StrategyProcessExit = "process_exit" // session exiting is the signal
)

// Definition is the YAML shape of a declarative adapter. All regex
// flags are explicit; patterns are compiled once at load and bad
// definitions are rejected before an agent ever runs.
type Definition struct {
	Name                   string   `yaml:"name"`
	DisplayName            string   `yaml:"display_name"`
	Command                []string `yaml:"command"`
	NeedsPromptAfterLaunch bool     `yaml:"needs_prompt_after_launch"`
	StartupWaitSeconds     float64  `yaml:"startup_wait_seconds"`

	ReadyPattern string   `yaml:"ready_pattern"`
	ReadyFlags   []string `yaml:"ready_flags"`

	StateRules      []StateRuleDef `yaml:"state_rules"`
	StateResolution string         `yaml:"state_resolution"` // first-match | last-match

	ConfirmRules []ConfirmRuleDef `yaml:"confirm_rules"`

	Completion CompletionDef `yaml:"completion"`

	CostPattern         string `yaml:"cost_pattern"`
	FilesChangedPattern string `yaml:"files_changed_pattern"`
}

type StateRuleDef struct {
	Pattern string   `yaml:"pattern"`
	State   string   `yaml:"state"`
	Flags   []string `yaml:"flags"`
}

type ConfirmRuleDef struct {
	Pattern   string   `yaml:"pattern"`
	Response  string   `yaml:"response"`
	SendEnter bool     `yaml:"send_enter"`
	Flags     []string `yaml:"flags"`
}

type CompletionDef struct {
	Strategy     string   `yaml:"strategy"`
	Pattern      string   `yaml:"pattern"`
	Flags        []string `yaml:"flags"`
	ErrorPattern string   `yaml:"error_pattern"`
	ErrorFlags   []string `yaml:"error_flags"`
}

// Declarative is a Definition compiled to the Adapter interface.
type Declarative struct {
	def          Definition
	ready        *regexp.Regexp
	states       []stateRule
	lastMatch    bool
	confirms     []confirmRule
	completion   *regexp.Regexp
	errorPattern *regexp.Regexp
	cost         *regexp.Regexp
	filesChanged *regexp.Regexp
}

// flagPrefix translates the explicit flag list into a regexp group.
func flagPrefix(flags []string) (string, error) {
	var letters strings.Builder
	for _, f := range flags {
		switch f {
		case "IGNORECASE":
			letters.WriteByte('i')
		case "MULTILINE":
			letters.WriteByte('m')
		case "DOTALL":
			letters.WriteByte('s')
		default:
			return "", fmt.Errorf("unknown regex flag %q", f)
		}
	}
	if letters.Len() == 0 {
		return "", nil
	}
	return "(?" + letters.String() + ")", nil
}

func compilePattern(pattern string, flags []string) (*regexp.Regexp, error) {
	prefix, err := flagPrefix(flags)
	if err != nil {
		return nil, err
	}
	return regexp.Compile(prefix + pattern)
}

// Compile validates a definition and builds the adapter.
func Compile(def Definition) (*Declarative, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("adapter definition missing name")
	}
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("adapter %s: command is empty", def.Name)
	}

	d := &Declarative{def: def}
	var err error

	if def.ReadyPattern != "" {
		if d.ready, err = compilePattern(def.ReadyPattern, def.ReadyFlags); err != nil {
			return nil, fmt.Errorf("adapter %s: ready_pattern: %w", def.Name, err)
		}
	}

	switch def.StateResolution {
	case "", "first-match":
	case "last-match":
		d.lastMatch = true
	default:
		return nil, fmt.Errorf("adapter %s: unknown state_resolution %q", def.Name, def.StateResolution)
	}

	for i, r := range def.StateRules {
		state := models.ActivityState(r.State)
		if !models.KnownActivityStates[state] {
			return nil, fmt.Errorf("adapter %s: state_rules[%d]: unknown state %q", def.Name, i, r.State)
		}
		re, err := compilePattern(r.Pattern, r.Flags)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: state_rules[%d]: %w", def.Name, i, err)
		}
		d.states = append(d.states, stateRule{re, state})
	}

	for i, r := range def.ConfirmRules {
		re, err := compilePattern(r.Pattern, r.Flags)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: confirm_rules[%d]: %w", def.Name, i, err)
		}
		d.confirms = append(d.confirms, confirmRule{re, r.Response, r.SendEnter})
	}

	switch def.Completion.Strategy {
	case StrategyPattern:
		if def.Completion.Pattern == "" {
			return nil, fmt.Errorf("adapter %s: pattern strategy requires a pattern", def.Name)
		}
		if d.completion, err = compilePattern(def.Completion.Pattern, def.Completion.Flags); err != nil {
			return nil, fmt.Errorf("adapter %s: completion.pattern: %w", def.Name, err)
		}
	case StrategyPromptCount:
		if def.ReadyPattern == "" {
			return nil, fmt.Errorf("adapter %s: prompt_count strategy requires ready_pattern", def.Name)
		}
	case StrategyProcessExit, "":
	default:
		return nil, fmt.Errorf("adapter %s: unknown completion strategy %q", def.Name, def.Completion.Strategy)
	}

	if def.Completion.ErrorPattern != "" {
		if d.errorPattern, err = compilePattern(def.Completion.ErrorPattern, def.Completion.ErrorFlags); err != nil {
			return nil, fmt.Errorf("adapter %s: completion.error_pattern: %w", def.Name, err)
		}
	}
	if def.CostPattern != "" {
		if d.cost, err = regexp.Compile(def.CostPattern); err != nil {
			return nil, fmt.Errorf("adapter %s: cost_pattern: %w", def.Name, err)
		}
	}
	if def.FilesChangedPattern != "" {
		if d.filesChanged, err = regexp.Compile(def.FilesChangedPattern); err != nil {
			return nil, fmt.Errorf("adapter %s: files_changed_pattern: %w", def.Name, err)
		}
	}

	return d, nil
}

// LoadFile parses and compiles a single YAML adapter definition.
func LoadFile(path string) (*Declarative, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading adapter file: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return Compile(def)
}

// LoadDir compiles and registers every *.yaml adapter in dir. A missing
// directory is not an error.
func LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		a, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		Register(a)
	}
	return nil
}

func (d *Declarative) Name() string { return d.def.Name }
func (d *Declarative) DisplayName() string {
	if d.def.DisplayName != "" {
		return d.def.DisplayName
	}
	return d.def.Name
}

// LaunchArgv substitutes {prompt} and {path} into the command template.
// Substitution is single-pass: placeholder text inside the prompt is
// delivered verbatim, never re-expanded.
func (d *Declarative) LaunchArgv(task *models.TaskDefinition, context *models.Context) []string {
	path := ""
	if context != nil {
		path = context.Path
	}
	replacer := strings.NewReplacer("{prompt}", task.Prompt, "{path}", path)
	argv := make([]string, len(d.def.Command))
	for i, part := range d.def.Command {
		argv[i] = replacer.Replace(part)
	}
	return argv
}

func (d *Declarative) NeedsPromptAfterLaunch() bool { return d.def.NeedsPromptAfterLaunch }

func (d *Declarative) StartupWaitSeconds() float64 {
	if d.def.StartupWaitSeconds > 0 {
		return d.def.StartupWaitSeconds
	}
	return 10
}

func (d *Declarative) IsReadyForInput(output string) bool {
	if d.ready == nil {
		return false
	}
	return d.ready.MatchString(rightStripLines(tail(output, confirmWindow)))
}

func (d *Declarative) DetectState(output string) (models.ActivityState, bool) {
	window := tail(output, stateWindow)
	if d.lastMatch {
		return matchStateLast(d.states, window)
	}
	return matchStateFirst(d.states, window)
}

func (d *Declarative) ShouldAutoConfirm(output string) *Confirmation {
	return matchConfirm(d.confirms, output)
}

func (d *Declarative) DetectCompletion(output string) Completion {
	window := rightStripLines(tail(output, stateWindow))
	if d.errorPattern != nil && d.errorPattern.MatchString(window) {
		return CompletionFailed
	}
	switch d.def.Completion.Strategy {
	case StrategyPattern:
		if d.completion.MatchString(window) {
			return CompletionCompleted
		}
	case StrategyPromptCount:
		if countMatches(d.ready, window) >= 2 {
			return CompletionCompleted
		}
	}
	// process_exit leaves completion to the session-gone path.
	return CompletionNone
}

func (d *Declarative) EstimateCost(output string) (float64, bool) {
	if d.cost == nil {
		return 0, false
	}
	return parseCost(d.cost, output)
}

func (d *Declarative) ParseFilesChanged(output string) []string {
	if d.filesChanged == nil {
		return nil
	}
	return collectFiles(d.filesChanged, output)
}
