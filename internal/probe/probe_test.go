package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/transport/transporttest"
)

func newTestProber(t *testing.T, fake *transporttest.Fake) *Prober {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	p := New(fake, log)
	p.settle = time.Millisecond
	return p
}

func TestProbeSessionDead(t *testing.T) {
	fake := transporttest.New()
	fake.Exists = false
	p := newTestProber(t, fake)
	assert.Equal(t, ResultSessionDead, p.Run(context.Background(), "cam-abc"))
}

func TestProbeSendFailureIsError(t *testing.T) {
	fake := transporttest.New()
	fake.FailSend = true
	p := newTestProber(t, fake)
	assert.Equal(t, ResultError, p.Run(context.Background(), "cam-abc"))
}

func TestProbeEchoMeansCompleted(t *testing.T) {
	fake := transporttest.New()
	fake.Captures = []string{
		"work output\n> \n",  // baseline
		"work output\n> Z\n", // probe echoed at the prompt
	}
	p := newTestProber(t, fake)

	assert.Equal(t, ResultCompleted, p.Run(context.Background(), "cam-abc"))
	// Cleanup backspace was sent.
	assert.Equal(t, []string{"BSpace"}, fake.Keys)
	// The probe itself went without Enter.
	require.Len(t, fake.Inputs, 1)
	assert.Equal(t, "Z", fake.Inputs[0].Text)
	assert.False(t, fake.Inputs[0].SendEnter)
}

func TestProbeNoEchoButMovementIsConfirmed(t *testing.T) {
	fake := transporttest.New()
	fake.Captures = []string{
		"Do you want to proceed?\n❯ 1. Yes\n",
		"proceeding...\nworking\n",
	}
	p := newTestProber(t, fake)

	assert.Equal(t, ResultConfirmed, p.Run(context.Background(), "cam-abc"))
	assert.Empty(t, fake.Keys)
}

func TestProbeUnchangedOutputIsBusy(t *testing.T) {
	fake := transporttest.New()
	fake.Captures = []string{"compiling...\n", "compiling...\n"}
	p := newTestProber(t, fake)
	assert.Equal(t, ResultBusy, p.Run(context.Background(), "cam-abc"))
}

func TestProbeCharAlreadyOnLastLineIsNotCompleted(t *testing.T) {
	// The baseline already ends in the probe character, so its presence
	// after the probe proves nothing.
	fake := transporttest.New()
	fake.Captures = []string{"print Z\n", "print Z\n"}
	p := newTestProber(t, fake)
	assert.Equal(t, ResultBusy, p.Run(context.Background(), "cam-abc"))
}
