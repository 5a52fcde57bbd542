//go:build !linux

package rawio

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}

func fadviseDontNeed(f *os.File, offset, length uint64) error {
	return nil
}

func sectorSize(f *os.File) (int, error) {
	return 0, nil
}
