package rawio

import (
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Options tunes how Open treats the target.
type Options struct {
	Direct bool // Open a second O_DIRECT handle for aligned I/O
	Create bool // Create a regular file if the path does not exist
	Logger logrus.FieldLogger
}

// FileDevice serves aligned requests through an O_DIRECT handle and everything
// else through a buffered handle whose pages are evicted by DropCache.
// os.File ReadAt/WriteAt map to pread/pwrite, so every worker positions independently.
type FileDevice struct {
	path     string
	buffered *os.File
	direct   *os.File
	align    int
	writable bool
	log      logrus.FieldLogger
}

var _ Device = (*FileDevice)(nil)

// Open opens path for positioned I/O.
func Open(path string, mode Mode, opts Options) (*FileDevice, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	flags := os.O_RDONLY
	if mode == ReadWrite {
		flags = os.O_RDWR
		if opts.Create {
			flags |= os.O_CREATE
		}
	}

	buffered, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, Classify("open", 0, err)
	}

	dev := &FileDevice{
		path:     path,
		buffered: buffered,
		align:    directio.BlockSize,
		writable: mode == ReadWrite,
		log:      log.WithField("path", path),
	}

	if sector, err := sectorSize(buffered); err == nil && sector > 0 {
		dev.align = sector
	}

	if opts.Direct {
		direct, err := directio.OpenFile(path, flags&^os.O_CREATE, 0)
		if err != nil {
			dev.log.WithError(err).Warn("Direct I/O unavailable, using buffered I/O with cache eviction")
		} else {
			dev.direct = direct
		}
	}

	dev.log.WithFields(logrus.Fields{"direct": dev.direct != nil, "alignment": dev.align}).Debug("Opened device")
	return dev, nil
}

// Path the device was opened from.
func (d *FileDevice) Path() string { return d.path }

// Direct reports whether aligned I/O bypasses the page cache.
func (d *FileDevice) Direct() bool { return d.direct != nil }

func (d *FileDevice) Alignment() int { return d.align }

func (d *FileDevice) useDirect(p []byte, off int64) bool {
	if d.direct == nil || len(p) == 0 {
		return false
	}
	a := int64(d.align)
	return off%a == 0 && int64(len(p))%a == 0 && isAligned(p, d.align)
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	f := d.buffered
	if d.useDirect(p, off) {
		f = d.direct
	}
	n, err := f.ReadAt(p, off)
	if err != nil {
		return n, Classify("read", uint64(off)+uint64(n), err)
	}
	return n, nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	f := d.buffered
	if d.useDirect(p, off) {
		f = d.direct
	}
	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, Classify("write", uint64(off)+uint64(n), err)
	}
	if n < len(p) {
		return n, Classify("write", uint64(off)+uint64(n), io.ErrShortWrite)
	}
	return n, nil
}

// Size works for regular files and block devices alike.
func (d *FileDevice) Size() (uint64, error) {
	end, err := d.buffered.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to determine size of %s: %w", d.path, err)
	}
	return uint64(end), nil
}

func (d *FileDevice) Sync() error {
	if err := datasync(d.buffered); err != nil {
		return Classify("sync", 0, err)
	}
	return nil
}

// DropCache writes back and evicts [offset, offset+length) from the page cache.
func (d *FileDevice) DropCache(offset, length uint64) error {
	if d.writable {
		if err := d.Sync(); err != nil {
			return err
		}
	}
	if err := fadviseDontNeed(d.buffered, offset, length); err != nil {
		d.log.WithError(err).Warn("Failed to drop page cache")
	}
	return nil
}

// Close syncs pending writes before releasing both handles.
func (d *FileDevice) Close() error {
	var err error
	if d.writable {
		err = multierr.Append(err, d.Sync())
	}
	if d.direct != nil {
		err = multierr.Append(err, d.direct.Close())
	}
	return multierr.Append(err, d.buffered.Close())
}
