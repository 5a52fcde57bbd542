package partition

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

func TestSplitCoversRangeExactly(t *testing.T) {
	for _, start := range []uint64{0, 512, 1 << 40} {
		for _, total := range []uint64{1, 2, 3, 7, 64, 1000, 1024, 4097, 1 << 33} {
			for _, workers := range []int{1, 2, 3, 4, 8, 13, 64} {
				chunks, err := Split(start, total, workers)
				require.NoError(t, err)
				require.Len(t, chunks, workers)

				var sum uint64
				next := start
				for i, c := range chunks {
					assert.Equal(t, i, c.ID)
					assert.Equal(t, next, c.Start, "chunk %d must follow its predecessor", i)
					next = c.End()
					sum += c.Length
				}
				assert.Equal(t, total, sum)
				assert.Equal(t, start+total, next)
			}
		}
	}
}

func TestSplitRemainderGoesToFirstChunks(t *testing.T) {
	chunks, err := Split(0, 10, 4)
	require.NoError(t, err)
	lengths := []uint64{}
	for _, c := range chunks {
		lengths = append(lengths, c.Length)
	}
	assert.Equal(t, []uint64{3, 3, 2, 2}, lengths)
}

func TestSplitShortRangeLeavesTrailingChunksEmpty(t *testing.T) {
	chunks, err := Split(100, 3, 5)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	assert.Equal(t, types.Chunk{ID: 0, Start: 100, Length: 1}, chunks[0])
	assert.Equal(t, types.Chunk{ID: 2, Start: 102, Length: 1}, chunks[2])
	assert.Equal(t, uint64(0), chunks[3].Length)
	assert.Equal(t, uint64(0), chunks[4].Length)

	nonEmpty := NonEmpty(chunks)
	require.Len(t, nonEmpty, 3)
	assert.Equal(t, 2, nonEmpty[2].ID)
}

func TestSplitZeroLength(t *testing.T) {
	chunks, err := Split(0, 0, 4)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitRejectsBadConfig(t *testing.T) {
	_, err := Split(0, 100, 0)
	assert.True(t, errors.Is(err, ErrNoWorkers))
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = Split(math.MaxUint64-5, 10, 1)
	assert.True(t, errors.Is(err, ErrRangeOverflow))
}
