// Package ratetracker smooths the aggregated progress feed into a throughput figure.
package ratetracker

import (
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

const (
	// DefaultAlpha weights the newest interval in the moving average.
	DefaultAlpha = 0.3
	// minInterval avoids dividing by tiny durations when samples arrive in bursts.
	minInterval = 100 * time.Millisecond
)

// Snapshot is a consistent view of the tracker.
type Snapshot struct {
	Phase    types.Mode
	Bytes    uint64
	Total    uint64
	Rate     float64 // Bytes per second, exponentially smoothed
	ETA      time.Duration
	HasETA   bool
	Finished bool
}

// Tracker is safe for concurrent use. It resets itself whenever the phase changes.
type Tracker struct {
	mu        sync.Mutex
	alpha     float64
	total     uint64
	phase     types.Mode
	bytes     uint64
	lastBytes uint64
	lastTime  time.Time
	avg       ewma.MovingAverage // nil until the first full interval
}

// New tracks a phase of total bytes. Zero means unknown and disables the ETA.
func New(total uint64) *Tracker {
	return &Tracker{alpha: DefaultAlpha, total: total}
}

// SetTotal changes the expected byte count, e.g. after a truncated write.
func (t *Tracker) SetTotal(total uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

// OnProgress consumes one aggregated sample.
func (t *Tracker) OnProgress(p types.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Phase != t.phase {
		t.phase = p.Phase
		t.bytes, t.lastBytes, t.avg = 0, 0, nil
		t.lastTime = time.Time{}
	}
	if p.RunBytes < t.bytes {
		return
	}
	t.bytes = p.RunBytes

	if t.lastTime.IsZero() {
		t.lastTime = p.Time
		t.lastBytes = p.RunBytes
		return
	}
	dt := p.Time.Sub(t.lastTime)
	if dt < minInterval {
		return
	}

	inst := float64(p.RunBytes-t.lastBytes) / dt.Seconds()
	if t.avg == nil {
		// age is the span whose decay 2/(age+1) equals alpha; Set skips the
		// warmup so the first interval is reported right away
		t.avg = ewma.NewMovingAverage(2/t.alpha - 1)
		t.avg.Set(inst)
	} else {
		t.avg.Add(inst)
	}
	t.lastTime = p.Time
	t.lastBytes = p.RunBytes
}

// Rate is the smoothed throughput in bytes per second.
func (t *Tracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate()
}

func (t *Tracker) rate() float64 {
	if t.avg == nil {
		return 0
	}
	return t.avg.Value()
}

// Snapshot returns the current state including an ETA when total and rate are known.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate := t.rate()
	s := Snapshot{Phase: t.phase, Bytes: t.bytes, Total: t.total, Rate: rate}
	if t.total > 0 && t.bytes >= t.total {
		s.Finished = true
		s.HasETA = true
		return s
	}
	if t.total > 0 && rate > 0 {
		remaining := float64(t.total - t.bytes)
		s.ETA = time.Duration(remaining / rate * float64(time.Second))
		s.HasETA = true
	}
	return s
}
