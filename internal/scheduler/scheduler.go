package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/partition"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/internal/worker"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
	"github.com/i5heu/ouroboros-disktest/pkg/rawio"
)

const DefaultMismatchLimit = 10

// errStopRun makes the group cancel its context without being an I/O fault.
var errStopRun = errors.New("stop requested")

// ProgressSink receives the merged progress feed from a single goroutine.
type ProgressSink interface {
	OnProgress(types.Progress)
}

// Config describes one run over [Start, Start+Length).
type Config struct {
	Key                 keystream.Key
	Params              keystream.Params
	Start               uint64
	Length              uint64
	Mode                types.Mode
	Workers             int
	BufferSize          int
	StopOnFirstMismatch bool
	MismatchLimit       int
	StopOnDeviceFull    bool // Only honored in write phases
	Device              rawio.Device
	Cancel              cancel.Source
	Progress            ProgressSink         // Optional
	OnMismatch          func(types.Mismatch) // Optional, called from the aggregator goroutine
	Logger              logrus.FieldLogger
}

func (c *Config) checkConfig() error {
	if c.Device == nil {
		return fmt.Errorf("%w: no device", types.ErrConfiguration)
	}
	switch c.Mode {
	case types.ModeWrite, types.ModeVerify, types.ModeWriteThenVerify:
	default:
		return fmt.Errorf("%w: invalid mode %d", types.ErrConfiguration, c.Mode)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("%w: negative buffer size", types.ErrConfiguration)
	}
	if c.MismatchLimit <= 0 {
		c.MismatchLimit = DefaultMismatchLimit
	}
	if c.Cancel == nil {
		c.Cancel = cancel.Never
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if _, err := keystream.NewGenerator(c.Params.Algorithm, c.Key); err != nil {
		return err
	}
	// Split validates the worker count and range overflow
	_, err := partition.Split(c.Start, c.Length, c.Workers)
	return err
}

// Run executes the configured mode. Configuration errors are returned before
// any I/O; every other outcome is reported through RunResult.Status.
func Run(ctx context.Context, cfg Config) (types.RunResult, error) {
	if err := cfg.checkConfig(); err != nil {
		return types.RunResult{}, err
	}

	began := time.Now()
	if cfg.Mode != types.ModeWriteThenVerify {
		res, err := runPhase(ctx, cfg, cfg.Mode)
		res.Elapsed = time.Since(began)
		return res, err
	}

	res, err := runPhase(ctx, cfg, types.ModeWrite)
	if err != nil || res.Status != types.StatusOk {
		res.Mode = types.ModeWriteThenVerify
		res.Elapsed = time.Since(began)
		return res, err
	}

	verifyCfg := cfg
	verifyCfg.Length = res.Length
	truncated := res.Truncated
	res, err = runPhase(ctx, verifyCfg, types.ModeVerify)
	res.Mode = types.ModeWriteThenVerify
	res.Truncated = truncated
	res.Elapsed = time.Since(began)
	return res, err
}

func runPhase(ctx context.Context, cfg Config, mode types.Mode) (types.RunResult, error) {
	log := cfg.Logger.WithFields(logrus.Fields{"mode": mode.String(), "start": cfg.Start, "length": cfg.Length})
	res := types.RunResult{Mode: mode, Phase: mode, Start: cfg.Start, Length: cfg.Length, ResumeOffset: cfg.Start + cfg.Length}

	if cfg.Cancel.Cancelled() {
		log.Info("Cancelled before start")
		res.Status = types.StatusCancelled
		res.ResumeOffset = cfg.Start
		res.Interrupted = cfg.Length > 0
		return res, nil
	}

	chunks, err := partition.Split(cfg.Start, cfg.Length, cfg.Workers)
	if err != nil {
		return res, err
	}
	chunks = partition.NonEmpty(chunks)
	if len(chunks) == 0 {
		return res, nil
	}

	engine, err := keystream.NewFromKey(cfg.Key, cfg.Params)
	if err != nil {
		return res, err
	}

	log.WithField("workers", len(chunks)).Info("Starting phase")

	events := make(chan worker.Event, 16*len(chunks))
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		aggregate(events, cfg)
	}()

	reports := make([]worker.Report, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		w := worker.New(worker.Config{
			Chunk:               chunk,
			Mode:                mode,
			Device:              cfg.Device,
			Engine:              engine,
			BufferSize:          cfg.BufferSize,
			StopOnFirstMismatch: cfg.StopOnFirstMismatch,
			MismatchLimit:       cfg.MismatchLimit,
			StopOnDeviceFull:    cfg.StopOnDeviceFull && mode == types.ModeWrite,
			JoinPrecedingRegion: chunk.Start > cfg.Start,
			Cancel:              cfg.Cancel,
			Events:              events,
			Logger:              cfg.Logger,
		})
		i := i
		g.Go(func() error {
			rep := w.Run(gctx)
			reports[i] = rep
			switch rep.State {
			case types.StateIoError:
				return rep.Err
			case types.StateMismatchFound:
				return errStopRun
			}
			return nil
		})
	}
	firstErr := g.Wait()
	close(events)
	<-aggregated

	merge(&res, reports, cfg.MismatchLimit)
	res.Status = decideStatus(reports, res.MismatchCount)
	if res.Status == types.StatusIoFailure {
		res.Err = firstErr
		if errors.Is(firstErr, errStopRun) || firstErr == nil {
			res.Err = firstIoError(reports)
		}
	}

	if mode == types.ModeWrite && res.BytesProcessed > 0 {
		if err := flush(cfg.Device, cfg.Start, res.Length); err != nil && res.Status != types.StatusIoFailure {
			res.Status = types.StatusIoFailure
			res.Err = err
		}
	}

	entry := log.WithFields(logrus.Fields{
		"status":     res.Status.String(),
		"processed":  res.BytesProcessed,
		"mismatches": res.MismatchCount,
	})
	if res.Interrupted {
		entry = entry.WithField("resume_offset", res.ResumeOffset)
	}
	entry.Info("Phase finished")
	return res, nil
}

// aggregate turns per-worker cumulative samples into one run-wide feed.
func aggregate(events <-chan worker.Event, cfg Config) {
	perWorker := make(map[int]uint64)
	var total uint64
	for ev := range events {
		switch ev.Kind {
		case worker.EventProgress:
			p := ev.Progress
			total += p.Bytes - perWorker[p.WorkerID]
			perWorker[p.WorkerID] = p.Bytes
			p.RunBytes = total
			if cfg.Progress != nil {
				cfg.Progress.OnProgress(p)
			}
		case worker.EventMismatch:
			if cfg.OnMismatch != nil {
				cfg.OnMismatch(ev.Mismatch)
			}
		}
	}
}

// merge relies on reports being ordered by chunk start, so concatenating each
// worker's ascending records yields a globally ascending list.
func merge(res *types.RunResult, reports []worker.Report, limit int) {
	fullEnd := res.Start + res.Length
	writtenEnd := fullEnd
	for _, rep := range reports {
		res.BytesProcessed += rep.Processed
		res.MismatchCount += rep.MismatchCount
		for _, m := range rep.Mismatches {
			if len(res.Mismatches) >= limit {
				break
			}
			res.Mismatches = append(res.Mismatches, m)
		}

		if rep.DeviceFull {
			res.Truncated = true
			writtenEnd = min(writtenEnd, rep.ResumeOffset())
			continue
		}
		if rep.State != types.StateCompleted {
			if !res.Interrupted || rep.ResumeOffset() < res.ResumeOffset {
				res.ResumeOffset = rep.ResumeOffset()
			}
			res.Interrupted = true
		}
	}
	if res.Truncated {
		res.Length = writtenEnd - res.Start
		if !res.Interrupted {
			res.ResumeOffset = writtenEnd
		}
	}
}

// decideStatus applies IoFailure > VerificationFailed > Cancelled > Ok.
func decideStatus(reports []worker.Report, mismatches uint64) types.Status {
	var ioErr, mismatch, cancelled bool
	for _, rep := range reports {
		switch rep.State {
		case types.StateIoError:
			ioErr = true
		case types.StateMismatchFound:
			mismatch = true
		case types.StateCancelled:
			cancelled = true
		}
	}
	switch {
	case ioErr:
		return types.StatusIoFailure
	case mismatch || mismatches > 0:
		return types.StatusVerificationFailed
	case cancelled:
		return types.StatusCancelled
	}
	return types.StatusOk
}

func firstIoError(reports []worker.Report) error {
	for _, rep := range reports {
		if rep.State == types.StateIoError {
			return rep.Err
		}
	}
	return nil
}

// flush makes sure written data reached the media and is not served from cache
// by a following verify.
func flush(dev rawio.Device, start, length uint64) error {
	if cd, ok := dev.(rawio.CacheDropper); ok {
		return cd.DropCache(start, length)
	}
	return dev.Sync()
}
