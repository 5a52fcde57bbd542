//go:build unix

package rawio

import (
	"errors"

	"golang.org/x/sys/unix"
)

func errnoKind(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return nil
	}
	switch errno {
	case unix.ENOENT, unix.ENODEV, unix.ENXIO:
		return ErrNotFound
	case unix.EACCES, unix.EPERM, unix.EROFS:
		return ErrPermissionDenied
	case unix.EBUSY, unix.ETXTBSY:
		return ErrDeviceBusy
	case unix.ENOSPC, unix.EFBIG, unix.EDQUOT:
		return ErrDeviceFull
	}
	return nil
}

// isTransient reports errors that a positioned read or write may simply repeat.
func isTransient(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EINTR || errno == unix.EAGAIN
}
