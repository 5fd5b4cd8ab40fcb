package adapter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/camdev/cam/internal/models"
)

const (
	// stateWindow is how much trailing text state detection considers.
	stateWindow = 2000
	// confirmWindow is how much trailing text dialog detection considers.
	// Dialogs are always at the bottom of the pane.
	confirmWindow = 500
)

// stateRule maps an output pattern to an activity state.
type stateRule struct {
	pattern *regexp.Regexp
	state   models.ActivityState
}

// confirmRule maps a dialog pattern to the keystrokes that answer it.
// Rules are ordered; the first match wins.
type confirmRule struct {
	pattern   *regexp.Regexp
	response  string
	sendEnter bool
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// rightStripLines trims trailing whitespace off every line. Fixed-width
// remote captures pad lines to the pane width, which breaks end-anchored
// patterns.
func rightStripLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// matchStateFirst returns the first rule that matches, scanning the
// rule list in order.
func matchStateFirst(rules []stateRule, window string) (models.ActivityState, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(window) {
			return r.state, true
		}
	}
	return "", false
}

// matchStateLast returns the rule whose final occurrence sits furthest
// into the window. Tools that re-enter earlier activities need the most
// recent signal, not the first.
func matchStateLast(rules []stateRule, window string) (models.ActivityState, bool) {
	best := -1
	var state models.ActivityState
	for _, r := range rules {
		locs := r.pattern.FindAllStringIndex(window, -1)
		if len(locs) == 0 {
			continue
		}
		if pos := locs[len(locs)-1][0]; pos > best {
			best = pos
			state = r.state
		}
	}
	return state, best >= 0
}

// matchConfirm applies an ordered confirm rule list to the right-stripped
// trailing window and returns the first hit.
func matchConfirm(rules []confirmRule, output string) *Confirmation {
	window := rightStripLines(tail(output, confirmWindow))
	for _, r := range rules {
		if r.pattern.MatchString(window) {
			return &Confirmation{Response: r.response, SendEnter: r.sendEnter}
		}
	}
	return nil
}

// countMatches counts non-overlapping occurrences of pattern in s.
func countMatches(pattern *regexp.Regexp, s string) int {
	return len(pattern.FindAllStringIndex(s, -1))
}

// parseCost extracts the first captured dollar figure.
func parseCost(pattern *regexp.Regexp, output string) (float64, bool) {
	m := pattern.FindStringSubmatch(output)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// collectFiles extracts the first capture group of every match,
// deduplicated in order of first appearance.
func collectFiles(pattern *regexp.Regexp, output string) []string {
	matches := pattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var files []string
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		path := strings.TrimSpace(m[1])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	return files
}
