package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
	"github.com/i5heu/ouroboros-disktest/pkg/rawio"
)

const DefaultBufferSize = 1 << 20

// EventKind tags the payload of an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventMismatch
)

// Event is sent one-way from a worker to its aggregator.
type Event struct {
	Kind     EventKind
	Progress types.Progress
	Mismatch types.Mismatch
}

// IOError is the terminal error of a worker in StateIoError.
type IOError struct {
	WorkerID int
	Op       string
	Offset   uint64 // Absolute offset at which the operation failed
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("worker %d: %s failed at offset %d: %v", e.WorkerID, e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Config is everything one worker needs. Mode must be ModeWrite or ModeVerify.
type Config struct {
	Chunk               types.Chunk
	Mode                types.Mode
	Device              rawio.Device
	Engine              *keystream.Engine // Any cursor of the run's stream, the worker seeks its own copy
	BufferSize          int
	StopOnFirstMismatch bool
	MismatchLimit       int  // Records kept in the report, all regions are counted
	StopOnDeviceFull    bool // Treat ErrDeviceFull during writes as the end of the chunk
	JoinPrecedingRegion bool // Verify: a region open at Chunk.Start-1 continues into this chunk instead of starting a new one
	Cancel              cancel.Source
	Events              chan<- Event // Optional
	Logger              logrus.FieldLogger
}

// Report is the terminal summary of a worker.
type Report struct {
	WorkerID      int
	Chunk         types.Chunk
	State         types.WorkerState
	Processed     uint64 // Bytes fully written or verified from the chunk start
	MismatchCount uint64
	Mismatches    []types.Mismatch
	DeviceFull    bool // Write stopped early because the device ran out of space
	Err           error
}

// ResumeOffset is the absolute offset of the first byte not yet processed.
func (r Report) ResumeOffset() uint64 {
	return r.Chunk.Start + r.Processed
}

// Worker owns one chunk and its own keystream cursor.
type Worker struct {
	cfg   Config
	log   logrus.FieldLogger
	state atomic.Int32
}

// New validates nothing beyond filling defaults; the scheduler checks configuration.
func New(cfg Config) *Worker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Cancel == nil {
		cfg.Cancel = cancel.Never
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		cfg: cfg,
		log: log.WithFields(logrus.Fields{
			"worker":      cfg.Chunk.ID,
			"chunk_start": cfg.Chunk.Start,
			"chunk_len":   cfg.Chunk.Length,
			"mode":        cfg.Mode.String(),
		}),
	}
}

// State may be read from any goroutine while Run is in progress.
func (w *Worker) State() types.WorkerState {
	return types.WorkerState(w.state.Load())
}

func (w *Worker) setState(s types.WorkerState) {
	w.state.Store(int32(s))
}

// Run processes the chunk until it is exhausted, a fault occurs, or a stop is
// observed. Stops are polled between buffers only: either the cancellation
// source or ctx being done.
func (w *Worker) Run(ctx context.Context) Report {
	c := w.cfg
	rep := Report{WorkerID: c.Chunk.ID, Chunk: c.Chunk}

	w.setState(types.StateRunning)
	w.log.Debug("Worker started")

	eng := c.Engine.Seek(c.Chunk.Start)
	align := rawio.AlignmentOf(c.Device)
	bufSize := c.BufferSize
	if align > 1 {
		bufSize = max(bufSize/align*align, align)
	}
	buf := rawio.AlignedBuffer(bufSize)
	var expected []byte
	if c.Mode == types.ModeVerify {
		expected = make([]byte, bufSize)
	}

	pos, end := c.Chunk.Start, c.Chunk.End()
	inRegion := false
	if c.Mode == types.ModeVerify && c.JoinPrecedingRegion && c.Chunk.Start > 0 && pos < end {
		inRegion = w.precededByMismatch()
	}

	finish := func(s types.WorkerState, err error) Report {
		rep.State = s
		rep.Processed = pos - c.Chunk.Start
		rep.Err = err
		w.setState(s)
		entry := w.log.WithFields(logrus.Fields{"state": s.String(), "processed": rep.Processed, "mismatches": rep.MismatchCount})
		if err != nil {
			entry.WithError(err).Error("Worker stopped")
		} else {
			entry.Debug("Worker finished")
		}
		return rep
	}

	for pos < end {
		if c.Cancel.Cancelled() || ctx.Err() != nil {
			return finish(types.StateCancelled, nil)
		}

		n := nextStep(pos, end, uint64(bufSize), uint64(align))
		data := buf[:n]

		switch c.Mode {
		case types.ModeWrite:
			if err := eng.Fill(data); err != nil {
				return finish(types.StateIoError, &IOError{WorkerID: c.Chunk.ID, Op: "generate", Offset: pos, Err: err})
			}
			written, err := c.Device.WriteAt(data, int64(pos))
			if err != nil {
				if c.StopOnDeviceFull && errors.Is(err, rawio.ErrDeviceFull) {
					pos += uint64(written)
					rep.DeviceFull = true
					w.log.WithField("offset", pos).Info("Device full, ending write")
					return finish(types.StateCompleted, nil)
				}
				return finish(types.StateIoError, w.ioError("write", pos, err))
			}

		case types.ModeVerify:
			read, err := c.Device.ReadAt(data, int64(pos))
			if err == nil && uint64(read) < n {
				err = rawio.Classify("read", pos+uint64(read), rawio.ErrShortRead)
			}
			if err != nil {
				return finish(types.StateIoError, w.ioError("read", pos, err))
			}
			exp := expected[:n]
			if err := eng.Fill(exp); err != nil {
				return finish(types.StateIoError, &IOError{WorkerID: c.Chunk.ID, Op: "generate", Offset: pos, Err: err})
			}
			if w.compare(&rep, pos, exp, data, &inRegion) && c.StopOnFirstMismatch {
				pos += n
				w.progress(pos)
				return finish(types.StateMismatchFound, nil)
			}

		default:
			return finish(types.StateIoError, fmt.Errorf("%w: worker mode %s", types.ErrConfiguration, c.Mode))
		}

		pos += n
		w.progress(pos)
	}

	return finish(types.StateCompleted, nil)
}

// compare records the first byte of every mismatch region in got. inRegion
// carries an open region across buffer boundaries. It reports whether a new
// region started in this buffer.
func (w *Worker) compare(rep *Report, base uint64, exp, got []byte, inRegion *bool) bool {
	if bytes.Equal(exp, got) {
		*inRegion = false
		return false
	}
	found := false
	for i := range got {
		if got[i] == exp[i] {
			*inRegion = false
			continue
		}
		if *inRegion {
			continue
		}
		*inRegion = true
		found = true

		m := types.Mismatch{Offset: base + uint64(i), Expected: exp[i], Observed: got[i], ChunkID: w.cfg.Chunk.ID}
		rep.MismatchCount++
		if len(rep.Mismatches) < w.cfg.MismatchLimit {
			rep.Mismatches = append(rep.Mismatches, m)
			w.log.WithFields(logrus.Fields{"offset": m.Offset, "expected": m.Expected, "observed": m.Observed}).Warn("Data mismatch")
		}
		w.emit(Event{Kind: EventMismatch, Mismatch: m})
		if w.cfg.StopOnFirstMismatch {
			return true
		}
	}
	return found
}

// precededByMismatch reports whether the byte just before the chunk diverges
// from the keystream. That byte belongs to the neighbouring chunk, so a failed
// read is left for its owner to report.
func (w *Worker) precededByMismatch() bool {
	c := w.cfg
	off := c.Chunk.Start - 1
	got := make([]byte, 1)
	if _, err := c.Device.ReadAt(got, int64(off)); err != nil {
		w.log.WithError(err).Debug("Could not read byte before chunk")
		return false
	}
	exp, err := c.Engine.Seek(off).NextBytes(1)
	if err != nil {
		return false
	}
	return exp[0] != got[0]
}

func (w *Worker) progress(pos uint64) {
	w.emit(Event{Kind: EventProgress, Progress: types.Progress{
		Phase:    w.cfg.Mode,
		WorkerID: w.cfg.Chunk.ID,
		Bytes:    pos - w.cfg.Chunk.Start,
		Time:     time.Now(),
	}})
}

func (w *Worker) ioError(op string, pos uint64, err error) *IOError {
	off := pos
	var rerr *rawio.Error
	if errors.As(err, &rerr) && rerr.Offset >= pos {
		off = rerr.Offset
	}
	return &IOError{WorkerID: w.cfg.Chunk.ID, Op: op, Offset: off, Err: err}
}

func (w *Worker) emit(ev Event) {
	if w.cfg.Events != nil {
		w.cfg.Events <- ev
	}
}

// nextStep sizes the next request so that, after an unaligned head, every
// request starts on an alignment boundary.
func nextStep(pos, end, bufSize, align uint64) uint64 {
	remaining := end - pos
	step := bufSize
	if align > 1 && pos%align != 0 {
		step = align - pos%align
	}
	return min(step, remaining)
}
