package disktest

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/pkg/ratetracker"
)

// startThroughputLogger logs the tracker state every LogInterval until the
// returned stop function is called.
func (d *Disktest) startThroughputLogger(tracker *ratetracker.Tracker, log logrus.FieldLogger) (stop func()) {
	if d.config.LogInterval < 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(d.config.LogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s := tracker.Snapshot()
				if s.Bytes == 0 {
					continue
				}
				log.WithFields(throughputFields(s)).Info("Throughput")
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func throughputFields(s ratetracker.Snapshot) logrus.Fields {
	fields := logrus.Fields{
		"phase": s.Phase.String(),
		"done":  humanize.IBytes(s.Bytes),
		"rate":  humanize.IBytes(uint64(s.Rate)) + "/s",
	}
	if s.Total > 0 {
		fields["total"] = humanize.IBytes(s.Total)
		fields["percent"] = humanize.FtoaWithDigits(float64(s.Bytes)*100/float64(s.Total), 1)
	}
	if s.HasETA {
		fields["eta"] = types.FormatDuration(s.ETA)
	}
	return fields
}
