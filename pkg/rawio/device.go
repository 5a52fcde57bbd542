// Package rawio provides positioned, cache-bypassing access to block devices and
// files. All implementations support concurrent ReadAt/WriteAt on disjoint ranges.
package rawio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/ncw/directio"
)

// Device is the handle contract consumed by workers.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	// Size is the addressable length in bytes.
	Size() (uint64, error)
	Close() error
}

// Aligner is implemented by devices that prefer I/O aligned to a sector size.
type Aligner interface {
	Alignment() int
}

// CacheDropper is implemented by devices that can flush and evict a range from
// the OS page cache, so that a following read hits the media.
type CacheDropper interface {
	DropCache(offset, length uint64) error
}

// Mode selects how a device is opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

var (
	ErrNotFound         = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceBusy       = errors.New("device busy")
	ErrShortRead        = errors.New("short read")
	ErrShortWrite       = errors.New("short write")
	ErrDeviceFull       = errors.New("device full")
	ErrIO               = errors.New("i/o error")
)

// Error attaches the failing operation and absolute offset to a classified error.
// errors.Is matches both the kind sentinel and the underlying cause.
type Error struct {
	Kind   error
	Op     string
	Offset uint64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at offset %d: %v: %v", e.Op, e.Offset, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Classify wraps err into an *Error. It returns nil for nil and leaves an
// existing *Error untouched.
func Classify(op string, offset uint64, err error) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}
	return &Error{Kind: kindOf(op, err), Op: op, Offset: offset, Err: err}
}

func kindOf(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrShortWrite):
		if op == "write" {
			return ErrShortWrite
		}
		return ErrShortRead
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied
	}
	if kind := errnoKind(err); kind != nil {
		return kind
	}
	return ErrIO
}

// AlignedBuffer allocates a buffer usable for direct I/O.
func AlignedBuffer(size int) []byte {
	return directio.AlignedBlock(size)
}

// isAligned reports whether p starts at a multiple of align in memory.
func isAligned(p []byte, align int) bool {
	if len(p) == 0 || align <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))%uintptr(align) == 0
}

// AlignmentOf reports dev's preferred alignment, or 1 when it has none.
func AlignmentOf(dev Device) int {
	if a, ok := dev.(Aligner); ok && a.Alignment() > 0 {
		return a.Alignment()
	}
	return 1
}
