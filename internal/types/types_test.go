package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeWrite, ModeVerify, ModeWriteThenVerify} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("erase")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("Cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st)

	_, err = ParseStatus("nope")
	assert.Error(t, err)
}

func TestWorkerStateTerminal(t *testing.T) {
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateMismatchFound.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateIoError.Terminal())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatDuration(0))
	assert.Equal(t, "00:01:05", FormatDuration(65*time.Second))
	assert.Equal(t, "27:46:40", FormatDuration(100000*time.Second))
	assert.Equal(t, "00:00:00", FormatDuration(-time.Second))
}

func TestFormatRunResult(t *testing.T) {
	r := RunResult{
		Mode:           ModeVerify,
		Status:         StatusVerificationFailed,
		Length:         4096,
		BytesProcessed: 4096,
		MismatchCount:  3,
		Mismatches:     []Mismatch{{Offset: 17, Expected: 0xaa, Observed: 0x55, ChunkID: 0}},
		Elapsed:        2 * time.Second,
	}
	out := FormatRunResult(r)
	assert.Contains(t, out, "VerificationFailed")
	assert.Contains(t, out, "offset 17 (0x11): expected 0xaa, got 0x55")
	assert.Contains(t, out, "... 2 more")
	assert.NotContains(t, out, "Resume at")
	assert.False(t, r.Passed())
}
