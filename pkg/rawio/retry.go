package rawio

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrTransient marks an error as safe to repeat. EINTR and EAGAIN are treated the same.
var ErrTransient = errors.New("transient i/o error")

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 10 * time.Millisecond
)

// RetryDevice repeats positioned reads and writes that failed transiently.
// A retried request either completes in full or surfaces its last error unchanged.
type RetryDevice struct {
	Device
	maxRetries uint64
	initial    time.Duration
	log        logrus.FieldLogger
}

// NewRetryDevice wraps dev. A nil logger uses the logrus standard logger.
func NewRetryDevice(dev Device, log logrus.FieldLogger) *RetryDevice {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RetryDevice{
		Device:     dev,
		maxRetries: defaultMaxRetries,
		initial:    defaultInitialInterval,
		log:        log,
	}
}

// Unwrap exposes the wrapped device.
func (r *RetryDevice) Unwrap() Device { return r.Device }

func (r *RetryDevice) Alignment() int { return AlignmentOf(r.Device) }

func (r *RetryDevice) DropCache(offset, length uint64) error {
	if cd, ok := r.Device.(CacheDropper); ok {
		return cd.DropCache(offset, length)
	}
	return r.Device.Sync()
}

func (r *RetryDevice) ReadAt(p []byte, off int64) (int, error) {
	return r.retry("read", off, func() (int, error) { return r.Device.ReadAt(p, off) })
}

func (r *RetryDevice) WriteAt(p []byte, off int64) (int, error) {
	return r.retry("write", off, func() (int, error) { return r.Device.WriteAt(p, off) })
}

func (r *RetryDevice) retry(op string, off int64, fn func() (int, error)) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0

	var n int
	attempt := 0
	err := backoff.Retry(func() error {
		var err error
		n, err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) && !isTransient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		r.log.WithFields(logrus.Fields{"op": op, "offset": off, "attempt": attempt}).WithError(err).Debug("Retrying transient I/O error")
		return err
	}, backoff.WithMaxRetries(b, r.maxRetries))
	return n, err
}
