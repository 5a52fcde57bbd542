package rawio

import (
	"fmt"
	"io"
	"sync"
)

// MemDevice is a fixed-size in-memory device. Reads past the end are short,
// writes past the end fail with ErrDeviceFull, the way a real disk runs out of sectors.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	faults []fault
	closed bool
}

type fault struct {
	offset uint64
	err    error
	times  int // remaining occurrences, negative means forever
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a zero-filled device of size bytes.
func NewMemDevice(size uint64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// InjectFault makes the next times requests covering offset fail with err.
// A negative times fails forever.
func (m *MemDevice) InjectFault(offset uint64, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{offset: offset, err: err, times: times})
}

// Flip inverts the byte at offset.
func (m *MemDevice) Flip(offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[offset] ^= 0xff
}

// Bytes returns a copy of [offset, offset+n).
func (m *MemDevice) Bytes(offset, n uint64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data[offset:offset+n]...)
}

func (m *MemDevice) takeFault(off, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.faults {
		f := &m.faults[i]
		if f.times == 0 || f.offset < off || f.offset >= off+n {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Classify("read", 0, fmt.Errorf("negative offset %d", off))
	}
	if err := m.takeFault(uint64(off), uint64(len(p))); err != nil {
		return 0, Classify("read", uint64(off), err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, Classify("read", uint64(off), io.ErrClosedPipe)
	}
	if uint64(off) >= uint64(len(m.data)) {
		return 0, Classify("read", uint64(off), io.EOF)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, Classify("read", uint64(off)+uint64(n), io.EOF)
	}
	return n, nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Classify("write", 0, fmt.Errorf("negative offset %d", off))
	}
	if err := m.takeFault(uint64(off), uint64(len(p))); err != nil {
		return 0, Classify("write", uint64(off), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, Classify("write", uint64(off), io.ErrClosedPipe)
	}
	var n int
	if uint64(off) < uint64(len(m.data)) {
		n = copy(m.data[off:], p)
	}
	if n < len(p) {
		return n, &Error{Kind: ErrDeviceFull, Op: "write", Offset: uint64(off) + uint64(n), Err: io.ErrShortWrite}
	}
	return n, nil
}

func (m *MemDevice) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)), nil
}

func (m *MemDevice) Sync() error { return nil }

func (m *MemDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
