package disktest

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/scheduler"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/internal/worker"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
)

func TestCheckConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.checkConfig())

	assert.Equal(t, runtime.NumCPU(), cfg.Threads)
	assert.Equal(t, worker.DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, keystream.ChaCha20, cfg.Algorithm)
	assert.Equal(t, scheduler.DefaultMismatchLimit, cfg.MismatchLimit)
	assert.Equal(t, time.Second, cfg.LogInterval)
	assert.Equal(t, cancel.Never, cfg.Cancel)
}

func TestCheckConfigNormalizesAlgorithm(t *testing.T) {
	cfg := &Config{Algorithm: "aesctr"}
	require.NoError(t, cfg.checkConfig())
	assert.Equal(t, keystream.AESCTR, cfg.Algorithm)

	p := cfg.params(7)
	assert.Equal(t, keystream.AESCTR, p.Algorithm)
	assert.Equal(t, uint64(7), p.Round)
}

func TestCheckConfigRejects(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"negative threads":  {Threads: -1},
		"negative buffer":   {BufferSize: -1},
		"huge buffer":       {BufferSize: maxBufferSize + 1},
		"negative mismatch": {MismatchLimit: -3},
		"unknown algorithm": {Algorithm: "XOR"},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, cfg.checkConfig(), types.ErrConfiguration)
		})
	}
}
