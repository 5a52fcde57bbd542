package spaceInformations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// TargetInfo describes what a test run is about to touch.
type TargetInfo struct {
	Path          string
	Exists        bool
	BlockDevice   bool
	Size          uint64 // Current size; for block devices the capacity
	Mountpoint    string // Filesystem holding a regular file target
	Device        string // Device backing Mountpoint
	FreeBytes     uint64 // Free space on that filesystem
	MountedAs     []string
	usageResolved bool
}

// Inspect gathers TargetInfo. A missing path is fine as long as its parent exists.
func Inspect(path string) (TargetInfo, error) {
	info := TargetInfo{Path: path}

	st, err := os.Stat(path)
	switch {
	case err == nil:
		info.Exists = true
		info.BlockDevice = st.Mode()&os.ModeDevice != 0
		if !info.BlockDevice {
			info.Size = uint64(st.Size())
		}
	case os.IsNotExist(err):
	default:
		return info, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.BlockDevice {
		mounted, err := MountedPartitions(path)
		if err != nil {
			return info, err
		}
		info.MountedAs = mounted
		return info, nil
	}

	mountPoint, device, err := GetDeviceAndMountPoint(path)
	if err != nil {
		return info, err
	}
	info.Mountpoint, info.Device = mountPoint, device

	usage, err := disk.Usage(mountPoint)
	if err != nil {
		return info, fmt.Errorf("failed to read disk usage of %s: %w", mountPoint, err)
	}
	info.FreeBytes = usage.Free
	info.usageResolved = true
	return info, nil
}

// AvailableLength is the byte count an unlimited run starting at start may cover.
// Block devices are bounded by their capacity, which the caller fills into Size
// from the opened device. Regular files may grow into the free filesystem space.
func (t TargetInfo) AvailableLength(start uint64) uint64 {
	limit := t.Size
	if !t.BlockDevice && t.usageResolved {
		limit += t.FreeBytes
	}
	if start >= limit {
		return 0
	}
	return limit - start
}

// GetDeviceAndMountPoint finds the mount holding path, walking up to the first
// existing ancestor when path does not exist yet.
func GetDeviceAndMountPoint(path string) (string, string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", "", err
	}

	logrus.WithField("partitions", len(partitions)).Debug("Partitions found")

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	matchPath := absPath
	foundExisting := false
	current := absPath
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			current = resolved
		}

		_, infoErr := os.Stat(current)
		if infoErr == nil {
			matchPath = current
			foundExisting = true
			break
		}

		if !os.IsNotExist(infoErr) {
			return "", "", infoErr
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	if !foundExisting {
		return "", "", fmt.Errorf("path does not exist: %s", path)
	}

	if matchPath == string(os.PathSeparator) && matchPath != absPath {
		return "", "", fmt.Errorf("path does not exist beyond root: %s", path)
	}

	best := -1
	for i, partition := range partitions {
		if !contains(matchPath, partition.Mountpoint) {
			continue
		}
		// the longest mountpoint is the innermost mount
		if best < 0 || len(partition.Mountpoint) > len(partitions[best].Mountpoint) {
			best = i
		}
	}
	if best < 0 {
		return "", "", fmt.Errorf("mount point not found for path: %s", path)
	}
	return partitions[best].Mountpoint, partitions[best].Device, nil
}

// MountedPartitions lists mountpoints of devicePath or any of its partitions.
func MountedPartitions(devicePath string) ([]string, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, err
	}
	dev := devicePath
	if resolved, err := filepath.EvalSymlinks(devicePath); err == nil {
		dev = resolved
	}
	var mounted []string
	for _, p := range partitions {
		if p.Device == dev || isPartitionOf(p.Device, dev) {
			mounted = append(mounted, p.Mountpoint)
		}
	}
	return mounted, nil
}

// isPartitionOf follows the kernel naming: sda has sda1, while a disk whose
// name ends in a digit (nvme0n1, mmcblk0, loop0) has nvme0n1p1.
func isPartitionOf(part, dev string) bool {
	suffix, ok := strings.CutPrefix(part, dev)
	if !ok || suffix == "" {
		return false
	}
	if last := dev[len(dev)-1]; last >= '0' && last <= '9' {
		suffix, ok = strings.CutPrefix(suffix, "p")
		if !ok {
			return false
		}
	}
	return suffix != "" && strings.Trim(suffix, "0123456789") == ""
}

// contains checks if a path is within the mount point.
func contains(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}

	p := filepath.Clean(path)
	m := filepath.Clean(mountpoint)

	if m == string(os.PathSeparator) {
		return true
	}

	if p == m {
		return true
	}

	if strings.HasSuffix(m, string(os.PathSeparator)) {
		m = strings.TrimSuffix(m, string(os.PathSeparator))
	}

	return strings.HasPrefix(p, m+string(os.PathSeparator))
}

// DisplayTargetInfo logs what is about to be tested and warns about mounted devices.
func DisplayTargetInfo(log logrus.FieldLogger, info TargetInfo) {
	fields := logrus.Fields{
		"path":         info.Path,
		"block_device": info.BlockDevice,
		"size":         humanize.IBytes(info.Size),
	}
	if !info.BlockDevice {
		fields["mount_point"] = info.Mountpoint
		fields["device"] = info.Device
		fields["free"] = humanize.IBytes(info.FreeBytes)
	}
	log.WithFields(fields).Info("Target information")

	for _, m := range info.MountedAs {
		log.WithField("mount_point", m).Warn("Target device is mounted, its filesystem will be destroyed by writing")
	}
}
