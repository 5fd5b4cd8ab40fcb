// Package term reconstructs a terminal screen from a raw pane byte
// stream using a virtual terminal emulator. The raw log captured via
// pipe-pane contains every escape sequence the tool ever emitted;
// replaying it through the emulator yields what the screen actually
// looked like at the end of the stream.
package term

import (
	"strings"

	"github.com/tuzig/vt10x"
)

const (
	// DefaultCols and DefaultRows match the size sessions are created with.
	DefaultCols = 200
	DefaultRows = 50
)

// RenderRawStream replays raw terminal bytes and returns the final
// visible screen as plain text, trailing blank lines removed.
func RenderRawStream(data []byte, cols, rows int) string {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	vt := vt10x.New(vt10x.WithSize(cols, rows))
	_, _ = vt.Write(data)

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		var chars []rune
		for col := 0; col < cols; col++ {
			g := vt.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}

	// Drop the blank tail the fixed-size screen always carries.
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
