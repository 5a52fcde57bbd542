package main

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

// barSink renders the merged progress feed. A new phase or round restarts the bar.
type barSink struct {
	mu    sync.Mutex
	out   io.Writer
	total int64
	phase types.Mode
	last  uint64
	bar   *progressbar.ProgressBar
}

func newBarSink(out io.Writer, total uint64) *barSink {
	return &barSink{out: out, total: int64(total)}
}

func (s *barSink) newBar(phase types.Mode) *progressbar.ProgressBar {
	return progressbar.NewOptions64(s.total,
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionSetDescription(phase.String()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(s.out, "\n")
		}),
	)
}

func (s *barSink) OnProgress(p types.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bar == nil || p.Phase != s.phase || p.RunBytes < s.last {
		s.finishLocked()
		s.phase = p.Phase
		s.bar = s.newBar(p.Phase)
	}
	s.last = p.RunBytes
	_ = s.bar.Set64(int64(p.RunBytes))
}

func (s *barSink) finishLocked() {
	if s.bar != nil && !s.bar.IsFinished() {
		_ = s.bar.Finish()
	}
	s.bar = nil
}

// Finish closes the current bar so the report starts on a clean line.
func (s *barSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}
