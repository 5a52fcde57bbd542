// Package cancel provides the process-wide stop condition polled by workers.
package cancel

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Source is polled between buffer operations. Implementations must be safe for concurrent use.
type Source interface {
	Cancelled() bool
}

// Flag is a settable Source. Setting it more than once has no further effect.
type Flag struct {
	set atomic.Bool
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Cancel sets the flag.
func (f *Flag) Cancel() {
	f.set.Store(true)
}

func (f *Flag) Cancelled() bool {
	return f.set.Load()
}

// Never is a Source that is never cancelled.
var Never Source = never{}

type never struct{}

func (never) Cancelled() bool { return false }

// NotifyOnSignal sets f on the first of sigs. A second signal calls exit(130)
// so an operator can abandon a device stuck in I/O. The returned function
// stops signal delivery.
func NotifyOnSignal(f *Flag, log logrus.FieldLogger, exit func(int), sigs ...os.Signal) (stop func()) {
	if exit == nil {
		exit = os.Exit
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case sig := <-ch:
				count++
				if count == 1 {
					log.WithField("signal", sig.String()).Warn("Interrupt received, stopping after the current buffer")
					f.Cancel()
					continue
				}
				log.WithField("signal", sig.String()).Error("Second interrupt received, exiting immediately")
				exit(130)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
