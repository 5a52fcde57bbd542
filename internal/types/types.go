package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrConfiguration is the root of every error raised before any I/O begins.
var ErrConfiguration = errors.New("configuration error")

// Mode selects what a run does with its byte range.
type Mode int

const (
	ModeWrite Mode = iota + 1
	ModeVerify
	ModeWriteThenVerify
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeVerify:
		return "verify"
	case ModeWriteThenVerify:
		return "write+verify"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "write", "w":
		return ModeWrite, nil
	case "verify", "v":
		return ModeVerify, nil
	case "write+verify", "writethenverify", "wv":
		return ModeWriteThenVerify, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
}

// Status is the terminal outcome of a run.
type Status int

const (
	StatusOk Status = iota
	StatusVerificationFailed
	StatusCancelled
	StatusIoFailure
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusVerificationFailed:
		return "VerificationFailed"
	case StatusCancelled:
		return "Cancelled"
	case StatusIoFailure:
		return "IoFailure"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusOk, StatusVerificationFailed, StatusCancelled, StatusIoFailure} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// WorkerState follows Idle -> Running -> {Completed, MismatchFound, Cancelled, IoError}.
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateRunning
	StateCompleted
	StateMismatchFound
	StateCancelled
	StateIoError
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateMismatchFound:
		return "MismatchFound"
	case StateCancelled:
		return "Cancelled"
	case StateIoError:
		return "IoError"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s WorkerState) Terminal() bool {
	return s >= StateCompleted
}

// Chunk is a contiguous sub-range owned by exactly one worker.
type Chunk struct {
	ID     int    // Worker id the chunk is assigned to
	Start  uint64 // Absolute offset of the first byte
	Length uint64 // Number of bytes, may be zero
}

// End returns the absolute offset one past the last byte.
func (c Chunk) End() uint64 {
	return c.Start + c.Length
}

// Mismatch marks the first byte of a contiguous region that diverged from the keystream.
type Mismatch struct {
	Offset   uint64 // Absolute device offset
	Expected byte
	Observed byte
	ChunkID  int
}

func (m Mismatch) String() string {
	return fmt.Sprintf("offset %d (0x%x): expected 0x%02x, got 0x%02x (chunk %d)",
		m.Offset, m.Offset, m.Expected, m.Observed, m.ChunkID)
}

// Progress is a throughput sample. Bytes is cumulative for the worker;
// RunBytes is filled in by the aggregator with the cumulative total of the run.
type Progress struct {
	Phase    Mode // ModeWrite or ModeVerify
	WorkerID int
	Bytes    uint64
	RunBytes uint64
	Time     time.Time
}

// RunResult is computed once when all workers have stopped.
type RunResult struct {
	Mode           Mode
	Phase          Mode // Phase the run ended in, differs from Mode only for ModeWriteThenVerify
	Status         Status
	Start          uint64
	Length         uint64
	BytesProcessed uint64
	MismatchCount  uint64
	Mismatches     []Mismatch // First N mismatches in ascending offset order
	ResumeOffset   uint64     // Lowest fully processed offset across all workers
	Interrupted    bool       // True when the run stopped before covering the whole range
	Truncated      bool       // The device filled up first; Length was shortened to what was written
	Elapsed        time.Duration
	Err            error // First I/O error, set for StatusIoFailure
}

// Passed reports whether the run covered its range without any fault or mismatch.
func (r RunResult) Passed() bool {
	return r.Status == StatusOk
}

// FormatRunResult renders a multi-line human readable summary.
func FormatRunResult(r RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode:        %s\n", r.Mode)
	fmt.Fprintf(&b, "Status:      %s\n", r.Status)
	fmt.Fprintf(&b, "Range:       %d +%s\n", r.Start, humanize.IBytes(r.Length))
	fmt.Fprintf(&b, "Processed:   %s (%d bytes)\n", humanize.IBytes(r.BytesProcessed), r.BytesProcessed)
	fmt.Fprintf(&b, "Elapsed:     %s\n", FormatDuration(r.Elapsed))
	if r.Elapsed > 0 {
		rate := uint64(float64(r.BytesProcessed) / r.Elapsed.Seconds())
		fmt.Fprintf(&b, "Throughput:  %s/s\n", humanize.IBytes(rate))
	}
	if r.MismatchCount > 0 {
		fmt.Fprintf(&b, "Mismatches:  %d region(s)\n", r.MismatchCount)
		for _, m := range r.Mismatches {
			fmt.Fprintf(&b, "  %s\n", m)
		}
		if uint64(len(r.Mismatches)) < r.MismatchCount {
			fmt.Fprintf(&b, "  ... %d more\n", r.MismatchCount-uint64(len(r.Mismatches)))
		}
	}
	if r.Truncated {
		fmt.Fprintf(&b, "Truncated:   device full after %s\n", humanize.IBytes(r.Length))
	}
	if r.Interrupted {
		fmt.Fprintf(&b, "Resume at:   %d\n", r.ResumeOffset)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "Error:       %v\n", r.Err)
	}
	return b.String()
}

// FormatDuration prints hh:mm:ss, growing the hour field as needed.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
