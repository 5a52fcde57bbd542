package rawio

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync skips metadata like seaweedfs does for its volume files.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func fadviseDontNeed(f *os.File, offset, length uint64) error {
	return unix.Fadvise(int(f.Fd()), int64(offset), int64(length), unix.FADV_DONTNEED)
}

// sectorSize queries the physical sector size of block devices.
// Regular files report 0 so the caller keeps its default.
func sectorSize(f *os.File) (int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 0, nil
	}
	return unix.IoctlGetInt(int(f.Fd()), unix.BLKPBSZGET)
}
