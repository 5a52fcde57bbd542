package partition

import (
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

var (
	ErrNoWorkers     = fmt.Errorf("%w: worker count must be positive", types.ErrConfiguration)
	ErrRangeOverflow = fmt.Errorf("%w: start offset plus length overflows", types.ErrConfiguration)
)

// Split divides [start, start+total) into workers contiguous chunks. The first
// total%workers chunks get one extra byte. When total < workers the trailing
// chunks are empty. A zero total yields no chunks at all.
func Split(start, total uint64, workers int) ([]types.Chunk, error) {
	if workers <= 0 {
		return nil, ErrNoWorkers
	}
	if start > math.MaxUint64-total {
		return nil, fmt.Errorf("%w: %d + %d", ErrRangeOverflow, start, total)
	}
	if total == 0 {
		return nil, nil
	}

	n := uint64(workers)
	base, rem := total/n, total%n

	chunks := make([]types.Chunk, workers)
	off := start
	for i := range chunks {
		length := base
		if uint64(i) < rem {
			length++
		}
		chunks[i] = types.Chunk{ID: i, Start: off, Length: length}
		off += length
	}
	return chunks, nil
}

// NonEmpty filters out zero-length chunks, keeping their order and ids.
func NonEmpty(chunks []types.Chunk) []types.Chunk {
	out := make([]types.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Length > 0 {
			out = append(out, c)
		}
	}
	return out
}
