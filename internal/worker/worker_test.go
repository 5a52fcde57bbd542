package worker

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
	"github.com/i5heu/ouroboros-disktest/pkg/rawio"
)

var testKey = func() keystream.Key {
	k, err := keystream.DeriveKey([]byte("worker-test"), 0, false)
	if err != nil {
		panic(err)
	}
	return k
}()

func testEngine(t *testing.T) *keystream.Engine {
	t.Helper()
	e, err := keystream.NewFromKey(testKey, keystream.Params{})
	require.NoError(t, err)
	return e
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func runWorker(t *testing.T, cfg Config) Report {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = testEngine(t)
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.MismatchLimit == 0 {
		cfg.MismatchLimit = 10
	}
	w := New(cfg)
	assert.Equal(t, types.StateIdle, w.State())
	rep := w.Run(context.Background())
	assert.Equal(t, rep.State, w.State())
	return rep
}

func TestWriteThenVerifyChunk(t *testing.T) {
	dev := rawio.NewMemDevice(10000)
	chunk := types.Chunk{ID: 3, Start: 1234, Length: 5000}

	rep := runWorker(t, Config{Chunk: chunk, Mode: types.ModeWrite, Device: dev, BufferSize: 700})
	require.Equal(t, types.StateCompleted, rep.State)
	assert.Equal(t, uint64(5000), rep.Processed)
	assert.Equal(t, uint64(6234), rep.ResumeOffset())

	want, err := testEngine(t).Seek(1234).NextBytes(5000)
	require.NoError(t, err)
	assert.Equal(t, want, dev.Bytes(1234, 5000))
	assert.Equal(t, make([]byte, 1234), dev.Bytes(0, 1234), "bytes before the chunk are untouched")

	rep = runWorker(t, Config{Chunk: chunk, Mode: types.ModeVerify, Device: dev, BufferSize: 333})
	require.Equal(t, types.StateCompleted, rep.State)
	assert.Zero(t, rep.MismatchCount)
	assert.Equal(t, uint64(5000), rep.Processed)
}

func TestVerifyReportsEveryRegion(t *testing.T) {
	dev := rawio.NewMemDevice(4096)
	chunk := types.Chunk{ID: 1, Start: 0, Length: 4096}
	require.Equal(t, types.StateCompleted, runWorker(t, Config{Chunk: chunk, Mode: types.ModeWrite, Device: dev}).State)

	dev.Flip(10)
	dev.Flip(11)
	dev.Flip(12)
	dev.Flip(1023) // spans a buffer boundary with 1024
	dev.Flip(1024)
	dev.Flip(3000)

	events := make(chan Event, 1024)
	rep := runWorker(t, Config{Chunk: chunk, Mode: types.ModeVerify, Device: dev, BufferSize: 1024, Events: events})
	close(events)

	require.Equal(t, types.StateCompleted, rep.State)
	assert.Equal(t, uint64(3), rep.MismatchCount)
	require.Len(t, rep.Mismatches, 3)
	assert.Equal(t, uint64(10), rep.Mismatches[0].Offset)
	assert.Equal(t, uint64(1023), rep.Mismatches[1].Offset)
	assert.Equal(t, uint64(3000), rep.Mismatches[2].Offset)
	assert.Equal(t, rep.Mismatches[0].Expected^0xff, rep.Mismatches[0].Observed)
	assert.Equal(t, 1, rep.Mismatches[0].ChunkID)

	var progress, mismatches int
	var last uint64
	for ev := range events {
		switch ev.Kind {
		case EventProgress:
			progress++
			assert.Greater(t, ev.Progress.Bytes, last)
			last = ev.Progress.Bytes
		case EventMismatch:
			mismatches++
		}
	}
	assert.Equal(t, 4, progress)
	assert.Equal(t, 3, mismatches)
	assert.Equal(t, uint64(4096), last)
}

func TestJoinPrecedingRegion(t *testing.T) {
	dev := rawio.NewMemDevice(4096)
	runWorker(t, Config{Chunk: types.Chunk{Length: 4096}, Mode: types.ModeWrite, Device: dev})
	dev.Flip(1999)
	dev.Flip(2000)
	dev.Flip(2500)

	tail := types.Chunk{ID: 1, Start: 2000, Length: 2096}
	rep := runWorker(t, Config{Chunk: tail, Mode: types.ModeVerify, Device: dev, JoinPrecedingRegion: true})
	assert.Equal(t, uint64(1), rep.MismatchCount)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, uint64(2500), rep.Mismatches[0].Offset)

	rep = runWorker(t, Config{Chunk: tail, Mode: types.ModeVerify, Device: dev})
	assert.Equal(t, uint64(2), rep.MismatchCount)
	require.Len(t, rep.Mismatches, 2)
	assert.Equal(t, uint64(2000), rep.Mismatches[0].Offset)

	// a clean byte before the chunk does not swallow a region starting at it
	dev.Flip(1999)
	rep = runWorker(t, Config{Chunk: tail, Mode: types.ModeVerify, Device: dev, JoinPrecedingRegion: true})
	assert.Equal(t, uint64(2), rep.MismatchCount)
	assert.Equal(t, uint64(2000), rep.Mismatches[0].Offset)
}

func TestVerifyMismatchLimitKeepsCounting(t *testing.T) {
	dev := rawio.NewMemDevice(1000)
	chunk := types.Chunk{Length: 1000}
	runWorker(t, Config{Chunk: chunk, Mode: types.ModeWrite, Device: dev})
	for i := uint64(0); i < 1000; i += 10 {
		dev.Flip(i)
	}
	rep := runWorker(t, Config{Chunk: chunk, Mode: types.ModeVerify, Device: dev, MismatchLimit: 2})
	assert.Len(t, rep.Mismatches, 2)
	assert.Equal(t, uint64(100), rep.MismatchCount)
}

func TestStopOnFirstMismatch(t *testing.T) {
	dev := rawio.NewMemDevice(8192)
	chunk := types.Chunk{Length: 8192}
	runWorker(t, Config{Chunk: chunk, Mode: types.ModeWrite, Device: dev})
	dev.Flip(5000)
	dev.Flip(6000)

	events := make(chan Event, 64)
	rep := runWorker(t, Config{Chunk: chunk, Mode: types.ModeVerify, Device: dev, BufferSize: 1024, StopOnFirstMismatch: true, Events: events})
	close(events)
	assert.Equal(t, types.StateMismatchFound, rep.State)
	assert.Equal(t, uint64(1), rep.MismatchCount)
	assert.Equal(t, uint64(5000), rep.Mismatches[0].Offset)
	assert.Equal(t, uint64(5120), rep.Processed)

	var last uint64
	for ev := range events {
		if ev.Kind == EventProgress {
			last = ev.Progress.Bytes
		}
	}
	assert.Equal(t, rep.Processed, last, "the buffer holding the mismatch is reported as progress")
}

func TestCancelledBeforeStart(t *testing.T) {
	dev := rawio.NewMemDevice(4096)
	flag := cancel.NewFlag()
	flag.Cancel()

	rep := runWorker(t, Config{Chunk: types.Chunk{Start: 100, Length: 1000}, Mode: types.ModeWrite, Device: dev, Cancel: flag})
	assert.Equal(t, types.StateCancelled, rep.State)
	assert.Zero(t, rep.Processed)
	assert.Equal(t, uint64(100), rep.ResumeOffset())
	assert.Equal(t, make([]byte, 4096), dev.Bytes(0, 4096))
}

type cancelAfter struct {
	polls int
	limit int
}

func (c *cancelAfter) Cancelled() bool {
	c.polls++
	return c.polls > c.limit
}

func TestCancelledBetweenBuffers(t *testing.T) {
	dev := rawio.NewMemDevice(10000)
	rep := runWorker(t, Config{
		Chunk:      types.Chunk{Start: 0, Length: 10000},
		Mode:       types.ModeWrite,
		Device:     dev,
		BufferSize: 1000,
		Cancel:     &cancelAfter{limit: 3},
	})
	assert.Equal(t, types.StateCancelled, rep.State)
	assert.Equal(t, uint64(3000), rep.Processed)
	assert.Equal(t, make([]byte, 7000), dev.Bytes(3000, 7000))
}

func TestContextStopsWorker(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	w := New(Config{Chunk: types.Chunk{Length: 100}, Mode: types.ModeWrite, Device: rawio.NewMemDevice(100), Engine: testEngine(t), Logger: quietLogger()})
	rep := w.Run(ctx)
	assert.Equal(t, types.StateCancelled, rep.State)
}

func TestIoErrorCarriesOffset(t *testing.T) {
	dev := rawio.NewMemDevice(4096)
	dev.InjectFault(2500, syscall.EIO, -1)

	rep := runWorker(t, Config{Chunk: types.Chunk{ID: 2, Start: 0, Length: 4096}, Mode: types.ModeWrite, Device: dev, BufferSize: 1024})
	require.Equal(t, types.StateIoError, rep.State)
	assert.Equal(t, uint64(2048), rep.Processed)

	var ioErr *IOError
	require.True(t, errors.As(rep.Err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)
	assert.Equal(t, uint64(2048), ioErr.Offset)
	assert.Equal(t, 2, ioErr.WorkerID)
	assert.True(t, errors.Is(rep.Err, rawio.ErrIO))
}

func TestShortReadIsIoError(t *testing.T) {
	dev := rawio.NewMemDevice(1000)
	rep := runWorker(t, Config{Chunk: types.Chunk{Start: 500, Length: 1000}, Mode: types.ModeVerify, Device: dev})
	require.Equal(t, types.StateIoError, rep.State)
	assert.True(t, errors.Is(rep.Err, rawio.ErrShortRead))
}

func TestDeviceFullEndsWriteWhenAllowed(t *testing.T) {
	dev := rawio.NewMemDevice(1500)
	rep := runWorker(t, Config{Chunk: types.Chunk{Length: 4000}, Mode: types.ModeWrite, Device: dev, BufferSize: 1000, StopOnDeviceFull: true})
	assert.Equal(t, types.StateCompleted, rep.State)
	assert.True(t, rep.DeviceFull)
	assert.Equal(t, uint64(1500), rep.Processed)

	rep = runWorker(t, Config{Chunk: types.Chunk{Length: 4000}, Mode: types.ModeWrite, Device: dev, BufferSize: 1000})
	assert.Equal(t, types.StateIoError, rep.State)
	assert.True(t, errors.Is(rep.Err, rawio.ErrDeviceFull))
}

type alignedMem struct {
	*rawio.MemDevice
	align   int
	offsets []int64
}

func (a *alignedMem) Alignment() int { return a.align }

func (a *alignedMem) WriteAt(p []byte, off int64) (int, error) {
	a.offsets = append(a.offsets, off)
	return a.MemDevice.WriteAt(p, off)
}

func TestAlignedRequestsAfterHead(t *testing.T) {
	dev := &alignedMem{MemDevice: rawio.NewMemDevice(8192), align: 512}
	rep := runWorker(t, Config{Chunk: types.Chunk{Start: 100, Length: 5000}, Mode: types.ModeWrite, Device: dev, BufferSize: 1500})
	require.Equal(t, types.StateCompleted, rep.State)

	assert.Equal(t, int64(100), dev.offsets[0])
	for _, off := range dev.offsets[1:] {
		assert.Zero(t, off%512, "offset %d is not aligned", off)
	}

	want, err := testEngine(t).Seek(100).NextBytes(5000)
	require.NoError(t, err)
	assert.Equal(t, want, dev.Bytes(100, 5000))
}

func TestNextStep(t *testing.T) {
	assert.Equal(t, uint64(412), nextStep(100, 10000, 1024, 512))
	assert.Equal(t, uint64(1024), nextStep(512, 10000, 1024, 512))
	assert.Equal(t, uint64(8), nextStep(9992, 10000, 1024, 512))
	assert.Equal(t, uint64(1024), nextStep(3, 10000, 1024, 1))
}
