// Package probe implements the cooked-mode input sensor. TUI tools hold
// the terminal in raw mode while working, so typed characters do not
// echo; once the tool is back at a prompt, echo returns. Sending a
// single harmless character and watching whether it lands on the last
// line answers "is the tool waiting for input" without parsing any TUI.
package probe

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/transport"
)

// Result is one probe verdict.
type Result string

const (
	// ResultCompleted: the probe character echoed at the prompt.
	ResultCompleted Result = "completed"
	// ResultConfirmed: output moved but the probe did not echo; some
	// dialog likely consumed the character.
	ResultConfirmed Result = "confirmed"
	// ResultBusy: nothing changed; the tool is still working.
	ResultBusy Result = "busy"
	// ResultSessionDead: the session no longer exists.
	ResultSessionDead Result = "session_dead"
	// ResultError: the probe itself could not be delivered.
	ResultError Result = "error"
)

const (
	probeChar    = "Z"
	settleDelay  = 300 * time.Millisecond
	captureLines = 100
)

// Prober sends echo probes through a transport.
type Prober struct {
	transport transport.Transport
	logger    *logger.Logger

	// settle is the echo wait, overridable in tests.
	settle time.Duration
}

func New(tr transport.Transport, log *logger.Logger) *Prober {
	return &Prober{transport: tr, logger: log, settle: settleDelay}
}

// lastNonEmptyLine returns the trailing non-blank line, right-stripped.
func lastNonEmptyLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if line != "" {
			return line
		}
	}
	return ""
}

// Run performs one probe cycle against the session.
func (p *Prober) Run(ctx context.Context, session string) Result {
	if !p.transport.SessionExists(ctx, session) {
		return ResultSessionDead
	}

	baseline := p.transport.CaptureOutput(ctx, session, captureLines)
	baselineLast := lastNonEmptyLine(baseline)

	if !p.transport.SendInput(ctx, session, probeChar, false) {
		return ResultError
	}

	select {
	case <-ctx.Done():
		return ResultError
	case <-time.After(p.settle):
	}

	after := p.transport.CaptureOutput(ctx, session, captureLines)
	afterLast := lastNonEmptyLine(after)

	probeEchoed := strings.Contains(afterLast, probeChar) && !strings.Contains(baselineLast, probeChar)
	switch {
	case probeEchoed:
		// Clean the stray character back out of the input line.
		if !p.transport.SendKey(ctx, session, "BSpace") {
			p.logger.Warn("probe cleanup backspace failed", zap.String("session", session))
		}
		return ResultCompleted
	case after != baseline:
		return ResultConfirmed
	default:
		return ResultBusy
	}
}
