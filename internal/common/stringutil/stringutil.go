// Package stringutil has the small string helpers shared across CAM.
package stringutil

// Truncate returns s cut to at most max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Ellipsize shortens s to at most max bytes, marking the cut with a
// trailing "...". Budgets too small for the marker fall back to a plain
// cut.
func Ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < 4 {
		return Truncate(s, max)
	}
	return s[:max-3] + "..."
}
