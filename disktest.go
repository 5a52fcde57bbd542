package disktest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/scheduler"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/pkg/rawio"
	"github.com/i5heu/ouroboros-disktest/pkg/ratetracker"
	"github.com/i5heu/ouroboros-disktest/storage"
)

var log *logrus.Logger

var (
	ErrNothingToResume = errors.New("nothing to resume")
	ErrResumeMismatch  = fmt.Errorf("%w: resume parameters differ from the journaled run", types.ErrConfiguration)
)

type Disktest struct {
	journal *storage.Journal
	config  Config
}

// Request is one run against an opened device.
type Request struct {
	Target    string // Name used in logs and as journal key, usually the device path
	Seed      []byte
	Round     uint64
	Start     uint64
	Length    uint64
	Mode      types.Mode
	UntilFull bool // A full device ends the write phase instead of failing it
}

func Init(config *Config) (*Disktest, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for Disktest: %w", err)
	}

	d := &Disktest{config: *config}

	switch config.JournalPath {
	case "":
	case MemoryJournal:
		d.journal, err = storage.NewInMemoryJournal(log)
	default:
		d.journal, err = storage.OpenJournal(config.JournalPath, log)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"threads":    config.Threads,
		"buffer":     config.BufferSize,
		"algorithm":  string(config.Algorithm),
		"invert":     config.Invert,
		"journal":    config.JournalPath,
		"stream_ver": keystream.Version,
	}).Debug("Disktest initialized")

	return d, nil
}

// Journal exposes the checkpoint store, nil when journaling is disabled.
func (d *Disktest) Journal() *storage.Journal {
	return d.journal
}

func (d *Disktest) Close() error {
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// Write fills [start, start+length) with the keystream of seed.
func (d *Disktest) Write(dev rawio.Device, target string, seed []byte, start, length uint64) (types.RunResult, error) {
	return d.Run(dev, Request{Target: target, Seed: seed, Start: start, Length: length, Mode: types.ModeWrite})
}

// Verify compares [start, start+length) against the keystream of seed.
func (d *Disktest) Verify(dev rawio.Device, target string, seed []byte, start, length uint64) (types.RunResult, error) {
	return d.Run(dev, Request{Target: target, Seed: seed, Start: start, Length: length, Mode: types.ModeVerify})
}

// WriteThenVerify writes the range, evicts it from the page cache and verifies it.
func (d *Disktest) WriteThenVerify(dev rawio.Device, target string, seed []byte, start, length uint64) (types.RunResult, error) {
	return d.Run(dev, Request{Target: target, Seed: seed, Start: start, Length: length, Mode: types.ModeWriteThenVerify})
}

// Run executes req. The error is non-nil only for configuration or journal
// failures; test outcomes are reported in the result status.
func (d *Disktest) Run(dev rawio.Device, req Request) (types.RunResult, error) {
	key, err := keystream.DeriveKey(req.Seed, req.Round, d.config.AllowEmptySeed)
	if err != nil {
		return types.RunResult{}, err
	}
	return d.run(dev, req, key, newCheckpoint(req, d.config, key))
}

func newCheckpoint(req Request, cfg Config, key keystream.Key) storage.Checkpoint {
	return storage.Checkpoint{
		RunID:           uuid.New().String(),
		Target:          req.Target,
		Mode:            req.Mode,
		Phase:           firstPhase(req.Mode),
		Algorithm:       string(cfg.Algorithm),
		StreamVersion:   keystream.Version,
		Round:           req.Round,
		Invert:          cfg.Invert,
		SeedFingerprint: key.Fingerprint(),
		Start:           req.Start,
		Length:          req.Length,
		ResumeOffset:    req.Start,
	}
}

func firstPhase(m types.Mode) types.Mode {
	if m == types.ModeWriteThenVerify {
		return types.ModeWrite
	}
	return m
}

func (d *Disktest) run(dev rawio.Device, req Request, key keystream.Key, cp storage.Checkpoint) (types.RunResult, error) {
	runLog := log.WithFields(logrus.Fields{"run": cp.RunID, "target": req.Target, "mode": req.Mode.String(), "round": req.Round})

	tracker := ratetracker.New(req.Length)
	stop := d.startThroughputLogger(tracker, runLog)
	defer stop()

	if err := d.checkpoint(cp); err != nil {
		return types.RunResult{}, err
	}

	runLog.WithFields(logrus.Fields{"start": req.Start, "length": req.Length, "seed_fingerprint": cp.SeedFingerprint}).Info("Run started")

	res, err := scheduler.Run(context.Background(), scheduler.Config{
		Key:                 key,
		Params:              d.config.params(req.Round),
		Start:               req.Start,
		Length:              req.Length,
		Mode:                req.Mode,
		Workers:             d.config.Threads,
		BufferSize:          d.config.BufferSize,
		StopOnFirstMismatch: d.config.StopOnFirstMismatch,
		MismatchLimit:       d.config.MismatchLimit,
		StopOnDeviceFull:    req.UntilFull,
		Device:              dev,
		Cancel:              d.config.Cancel,
		Progress:            fanOut{tracker, d.config.Progress},
		Logger:              runLog,
	})
	if err != nil {
		return res, err
	}

	cp.Finished = true
	cp.Interrupted = res.Interrupted
	cp.Status = res.Status
	cp.Phase = res.Phase
	cp.Length = res.Length
	cp.ResumeOffset = res.ResumeOffset
	cp.BytesProcessed = res.BytesProcessed
	cp.MismatchCount = res.MismatchCount
	if err := d.checkpoint(cp); err != nil {
		runLog.WithError(err).Error("Failed to store final checkpoint")
	}

	entry := runLog.WithFields(logrus.Fields{
		"status":     res.Status.String(),
		"processed":  res.BytesProcessed,
		"mismatches": res.MismatchCount,
		"elapsed":    types.FormatDuration(res.Elapsed),
	})
	switch res.Status {
	case types.StatusOk:
		entry.Info("Run passed")
	case types.StatusCancelled:
		entry.WithField("resume_offset", res.ResumeOffset).Warn("Run cancelled")
	default:
		entry.WithError(res.Err).Error("Run failed")
	}
	return res, nil
}

func (d *Disktest) checkpoint(cp storage.Checkpoint) error {
	if d.journal == nil || cp.Target == "" {
		return nil
	}
	cp.UpdatedAt = time.Now()
	if err := d.journal.Put(cp); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Resume continues the latest interrupted run against target from its resume
// offset. The seed must be the one the run was started with.
func (d *Disktest) Resume(dev rawio.Device, target string, seed []byte) (types.RunResult, error) {
	if d.journal == nil {
		return types.RunResult{}, fmt.Errorf("%w: journal disabled", ErrNothingToResume)
	}
	cp, err := d.journal.Latest(target)
	if err != nil {
		return types.RunResult{}, fmt.Errorf("%w: %w", ErrNothingToResume, err)
	}
	if !cp.Resumable() {
		return types.RunResult{}, fmt.Errorf("%w: last run of %s covered its whole range (%s)", ErrNothingToResume, target, cp.Status)
	}
	if cp.Algorithm != string(d.config.Algorithm) || cp.Invert != d.config.Invert || cp.StreamVersion != keystream.Version {
		return types.RunResult{}, fmt.Errorf("%w: stream %s/v%d invert=%t", ErrResumeMismatch, cp.Algorithm, cp.StreamVersion, cp.Invert)
	}
	key, err := keystream.DeriveKey(seed, cp.Round, d.config.AllowEmptySeed)
	if err != nil {
		return types.RunResult{}, err
	}
	if key.Fingerprint() != cp.SeedFingerprint {
		return types.RunResult{}, fmt.Errorf("%w: seed fingerprint", ErrResumeMismatch)
	}

	end := cp.Start + cp.Length
	log.WithFields(logrus.Fields{"run": cp.RunID, "target": target, "resume_offset": cp.ResumeOffset, "phase": cp.Phase.String()}).Info("Resuming run")

	// A write+verify interrupted while writing must still verify what the
	// first attempt wrote, so the verify phase covers the whole range.
	if cp.Mode == types.ModeWriteThenVerify && cp.Phase == types.ModeWrite {
		req := Request{Target: target, Seed: seed, Round: cp.Round, Start: cp.ResumeOffset, Length: end - cp.ResumeOffset, Mode: types.ModeWrite}
		res, err := d.run(dev, req, key, resumedCheckpoint(cp, req))
		if err != nil || res.Status != types.StatusOk {
			return res, err
		}
		req = Request{Target: target, Seed: seed, Round: cp.Round, Start: cp.Start, Length: cp.Length, Mode: types.ModeVerify}
		return d.run(dev, req, key, resumedCheckpoint(cp, req))
	}

	mode := cp.Mode
	if mode == types.ModeWriteThenVerify {
		mode = types.ModeVerify
	}
	req := Request{Target: target, Seed: seed, Round: cp.Round, Start: cp.ResumeOffset, Length: end - cp.ResumeOffset, Mode: mode}
	return d.run(dev, req, key, resumedCheckpoint(cp, req))
}

func resumedCheckpoint(prev storage.Checkpoint, req Request) storage.Checkpoint {
	cp := prev
	cp.RunID = uuid.New().String()
	cp.Mode = req.Mode
	cp.Phase = firstPhase(req.Mode)
	cp.Start = req.Start
	cp.Length = req.Length
	cp.ResumeOffset = req.Start
	cp.Finished = false
	cp.Interrupted = false
	cp.Status = types.StatusOk
	cp.BytesProcessed = 0
	cp.MismatchCount = 0
	return cp
}

// Rounds repeats req with increasing round numbers, each writing a distinct
// pattern. rounds == 0 repeats until a round does not pass.
func (d *Disktest) Rounds(dev rawio.Device, req Request, rounds uint64) (types.RunResult, error) {
	var res types.RunResult
	for i := uint64(0); rounds == 0 || i < rounds; i++ {
		r := req
		r.Round = req.Round + i
		var err error
		res, err = d.Run(dev, r)
		if err != nil || res.Status != types.StatusOk {
			return res, err
		}
		if r.UntilFull && res.Truncated {
			req.Length = res.Length
			req.UntilFull = false
		}
	}
	return res, nil
}

type fanOut []scheduler.ProgressSink

func (f fanOut) OnProgress(p types.Progress) {
	for _, s := range f {
		if s != nil {
			s.OnProgress(p)
		}
	}
}
