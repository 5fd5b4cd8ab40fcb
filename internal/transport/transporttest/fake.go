// Package transporttest provides a scriptable in-memory Transport for
// probe, monitor and manager tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/camdev/cam/internal/transport"
)

// SentInput records one SendInput call.
type SentInput struct {
	Text      string
	SendEnter bool
}

// Fake implements transport.Transport with scriptable behavior. The
// zero value is a healthy transport whose captures are empty.
type Fake struct {
	mu sync.Mutex

	// Captures are returned from CaptureOutput in order; the last entry
	// repeats once the script is exhausted.
	Captures []string
	captured int

	// CaptureFunc, when set, overrides Captures.
	CaptureFunc func(call int) string

	// Exists reports session liveness; ExistsFunc overrides it per call.
	Exists     bool
	ExistsFunc func(call int) bool
	existCalls int

	// Refusals
	FailCreate bool
	FailSend   bool

	// RawLog is served back by ReadOutputLog.
	RawLog []byte

	Inputs   []SentInput
	Keys     []string
	Created  []string
	Specs    []transport.SessionSpec
	Killed   []string
	LogPaths map[string]string
}

func New() *Fake {
	return &Fake{Exists: true}
}

func (f *Fake) Type() string { return "fake" }

func (f *Fake) CreateSession(ctx context.Context, id string, spec transport.SessionSpec) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate {
		return false
	}
	f.Created = append(f.Created, id)
	f.Specs = append(f.Specs, spec)
	return true
}

func (f *Fake) SendInput(ctx context.Context, id, text string, sendEnter bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend {
		return false
	}
	f.Inputs = append(f.Inputs, SentInput{Text: text, SendEnter: sendEnter})
	return true
}

func (f *Fake) SendKey(ctx context.Context, id, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keys = append(f.Keys, key)
	return true
}

func (f *Fake) CaptureOutput(ctx context.Context, id string, lines int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.captured
	f.captured++
	if f.CaptureFunc != nil {
		return f.CaptureFunc(call)
	}
	if len(f.Captures) == 0 {
		return ""
	}
	if call >= len(f.Captures) {
		return f.Captures[len(f.Captures)-1]
	}
	return f.Captures[call]
}

func (f *Fake) SessionExists(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.existCalls
	f.existCalls++
	if f.ExistsFunc != nil {
		return f.ExistsFunc(call)
	}
	return f.Exists
}

func (f *Fake) KillSession(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, id)
	f.Exists = false
	return true
}

func (f *Fake) TestConnection(ctx context.Context) (bool, string) { return true, "fake" }

func (f *Fake) LatencyMS(ctx context.Context) float64 { return 0 }

func (f *Fake) AttachCommand(id string) string { return "true" }

func (f *Fake) StartLogging(ctx context.Context, id, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LogPaths == nil {
		f.LogPaths = make(map[string]string)
	}
	f.LogPaths[id] = path
	return true
}

func (f *Fake) ReadOutputLog(ctx context.Context, id string, offset int64, maxBytes int) ([]byte, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= int64(len(f.RawLog)) {
		return nil, offset, nil
	}
	chunk := f.RawLog[offset:]
	if len(chunk) > maxBytes {
		chunk = chunk[:maxBytes]
	}
	return chunk, offset + int64(len(chunk)), nil
}

func (f *Fake) Close() error { return nil }

// SentTexts returns the text of every SendInput call, for assertions.
func (f *Fake) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Inputs))
	for i, in := range f.Inputs {
		out[i] = in.Text
	}
	return out
}

// KillCount reports how many sessions were killed.
func (f *Fake) KillCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Killed)
}
