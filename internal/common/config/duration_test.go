package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"600", 600},
		{"0", 0},
		{"90s", 90},
		{"5m", 300},
		{"0.5m", 30},
		{"2h", 7200},
		{"1.5h", 5400},
		{"1d", 86400},
		{" 10m ", 600},
		{"30 m", 1800},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestParseDurationRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "   ", "5w", "-5m", "1.5", "abc", "1h30m", "m", "5 minutes"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseDurationDefault(t *testing.T) {
	got, err := ParseDurationDefault("", 45)
	require.NoError(t, err)
	assert.Equal(t, 45.0, got)

	got, err = ParseDurationDefault("2m", 45)
	require.NoError(t, err)
	assert.Equal(t, 120.0, got)

	_, err = ParseDurationDefault("nope", 45)
	assert.Error(t, err)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))
	assert.Equal(t, time.Duration(0), Seconds(0))
}
