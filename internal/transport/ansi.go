package transport

import "regexp"

// ANSI escape forms stripped from captured pane text: CSI sequences,
// OSC sequences (BEL or ST terminated), and two-character ESC sequences.
var (
	csiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern  = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)
	escPattern  = regexp.MustCompile(`\x1b[@-Z\\-_]`)
	ctrlPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// StripANSI removes terminal escape sequences and stray control bytes,
// keeping newlines and tabs.
func StripANSI(s string) string {
	s = csiPattern.ReplaceAllString(s, "")
	s = oscPattern.ReplaceAllString(s, "")
	s = escPattern.ReplaceAllString(s, "")
	return ctrlPattern.ReplaceAllString(s, "")
}

// printableCount counts characters that carry visual signal, used to
// decide whether a capture is worth trusting.
func printableCount(s string) int {
	n := 0
	for _, r := range s {
		if r > ' ' {
			n++
		}
	}
	return n
}
