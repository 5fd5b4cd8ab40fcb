package term

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPlainText(t *testing.T) {
	out := RenderRawStream([]byte("hello\r\nworld\r\n"), 80, 24)
	assert.Equal(t, "hello\nworld", out)
}

func TestRenderAppliesCursorMovement(t *testing.T) {
	// Overwrite the first line in place: "aaaa" then home, then "bb".
	raw := []byte("aaaa\x1b[Hbb")
	out := RenderRawStream(raw, 80, 24)
	assert.Equal(t, "bbaa", out)
}

func TestRenderStripsColors(t *testing.T) {
	raw := []byte("\x1b[31mred\x1b[0m text\r\n")
	out := RenderRawStream(raw, 80, 24)
	assert.Equal(t, "red text", out)
}

func TestRenderZeroSizeUsesDefaults(t *testing.T) {
	out := RenderRawStream([]byte("x"), 0, 0)
	assert.Equal(t, "x", out)
}
