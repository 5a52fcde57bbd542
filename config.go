package disktest

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/scheduler"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/internal/worker"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
)

const (
	// MemoryJournal as JournalPath keeps checkpoints in memory only.
	MemoryJournal = ":memory:"

	defaultLogInterval = time.Second
	maxBufferSize      = 1 << 30
)

// Config holds the run parameters that do not change between requests.
type Config struct {
	Threads             int                 // Workers per phase, 0 means one per CPU
	BufferSize          int                 // Bytes per I/O request, 0 means 1 MiB
	Algorithm           keystream.Algorithm // Empty means ChaCha20
	Invert              bool                // Write the bitwise inverse of the stream
	StopOnFirstMismatch bool
	MismatchLimit       int  // Mismatch records kept in a result, 0 means 10
	AllowEmptySeed      bool
	JournalPath         string        // Badger directory for checkpoints, empty disables them
	LogInterval         time.Duration // Throughput log period, 0 means 1s, negative disables
	Logger              *logrus.Logger
	Cancel              cancel.Source
	Progress            scheduler.ProgressSink // Optional additional progress consumer
}

func (c *Config) checkConfig() error {
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must not be negative", types.ErrConfiguration)
	}
	if c.Threads == 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.BufferSize < 0 || c.BufferSize > maxBufferSize {
		return fmt.Errorf("%w: buffer size %d out of range", types.ErrConfiguration, c.BufferSize)
	}
	if c.BufferSize == 0 {
		c.BufferSize = worker.DefaultBufferSize
	}
	alg, err := keystream.ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}
	c.Algorithm = alg
	if c.MismatchLimit < 0 {
		return fmt.Errorf("%w: mismatch limit must not be negative", types.ErrConfiguration)
	}
	if c.MismatchLimit == 0 {
		c.MismatchLimit = scheduler.DefaultMismatchLimit
	}
	if c.LogInterval == 0 {
		c.LogInterval = defaultLogInterval
	}
	if c.Cancel == nil {
		c.Cancel = cancel.Never
	}
	return nil
}

func (c *Config) params(round uint64) keystream.Params {
	return keystream.Params{
		Algorithm:      c.Algorithm,
		Round:          round,
		Invert:         c.Invert,
		AllowEmptySeed: c.AllowEmptySeed,
	}
}
