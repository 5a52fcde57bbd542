package keystream

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/aead/chacha20/chacha"
	"golang.org/x/crypto/chacha20"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

func newTestEngine(t *testing.T, seed string, p Params) *Engine {
	t.Helper()
	e, err := New([]byte(seed), p)
	require.NoError(t, err)
	return e
}

func TestSeekMatchesSequentialGeneration(t *testing.T) {
	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			e := newTestEngine(t, "abc", Params{Algorithm: alg})
			full, err := e.NextBytes(3*crcBlockSize + 123)
			require.NoError(t, err)

			offsets := []int{0, 1, 15, 16, 17, 63, 64, 65, 100, 2047, 2048, 2049, 4000}
			lengths := []int{1, 7, 16, 64, 65, 300, 2048}
			for _, o := range offsets {
				for _, n := range lengths {
					if o+n > len(full) {
						continue
					}
					got, err := e.Seek(uint64(o)).NextBytes(n)
					require.NoError(t, err)
					require.Equal(t, full[o:o+n], got, "offset %d length %d", o, n)
				}
			}
		})
	}
}

func TestSequentialReadsAdvanceCursor(t *testing.T) {
	e := newTestEngine(t, "abc", Params{})
	whole, err := e.Seek(0).NextBytes(1000)
	require.NoError(t, err)

	c := e.Seek(0)
	var parts []byte
	for _, n := range []int{3, 61, 0, 200, 1, 735} {
		b, err := c.NextBytes(n)
		require.NoError(t, err)
		parts = append(parts, b...)
	}
	assert.Equal(t, whole, parts)
	assert.Equal(t, uint64(1000), c.Offset())
}

func TestSeekLeavesReceiverUntouched(t *testing.T) {
	e := newTestEngine(t, "abc", Params{})
	_ = e.Seek(4096)
	assert.Equal(t, uint64(0), e.Offset())
}

func TestIdenticalSeedsProduceIdenticalStreams(t *testing.T) {
	a, err := newTestEngine(t, "1234", Params{}).Seek(1 << 40).NextBytes(256)
	require.NoError(t, err)
	b, err := newTestEngine(t, "1234", Params{}).Seek(1 << 40).NextBytes(256)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStreamVariantsDiffer(t *testing.T) {
	base, err := newTestEngine(t, "abc", Params{}).NextBytes(128)
	require.NoError(t, err)

	otherSeed, err := newTestEngine(t, "abd", Params{}).NextBytes(128)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSeed)

	otherRound, err := newTestEngine(t, "abc", Params{Round: 1}).NextBytes(128)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherRound)

	otherAlg, err := newTestEngine(t, "abc", Params{Algorithm: AESCTR}).NextBytes(128)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherAlg)
}

func TestInvertPattern(t *testing.T) {
	plain, err := newTestEngine(t, "abc", Params{}).Seek(10).NextBytes(100)
	require.NoError(t, err)
	inv, err := newTestEngine(t, "abc", Params{Invert: true}).Seek(10).NextBytes(100)
	require.NoError(t, err)
	for i := range plain {
		require.Equal(t, plain[i]^0xff, inv[i])
	}
}

func TestChaChaBlockZeroMatchesCipher(t *testing.T) {
	key, err := DeriveKey([]byte("abc"), 0, false)
	require.NoError(t, err)
	e, err := NewFromKey(key, Params{Algorithm: ChaCha20})
	require.NoError(t, err)
	got, err := e.NextBytes(128)
	require.NoError(t, err)

	c, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	require.NoError(t, err)
	want := make([]byte, 128)
	c.XORKeyStream(want, want)
	assert.Equal(t, want, got)
}

func TestReducedRoundChaCha(t *testing.T) {
	key, err := DeriveKey([]byte("abc"), 0, false)
	require.NoError(t, err)

	streams := map[Algorithm][]byte{}
	for alg, rounds := range map[Algorithm]int{ChaCha8: 8, ChaCha12: 12, ChaCha20: 20} {
		e, err := NewFromKey(key, Params{Algorithm: alg})
		require.NoError(t, err)
		got, err := e.Seek(5 * chachaBlockSize).NextBytes(128)
		require.NoError(t, err)
		streams[alg] = got

		c, err := chacha.NewCipher(make([]byte, chacha.NonceSize), key[:], rounds)
		require.NoError(t, err)
		want := make([]byte, 7*chachaBlockSize)
		c.XORKeyStream(want, want)
		assert.Equal(t, want[5*chachaBlockSize:], got, string(alg))
	}
	assert.NotEqual(t, streams[ChaCha8], streams[ChaCha12])
	assert.NotEqual(t, streams[ChaCha12], streams[ChaCha20])
}

func TestChaChaCounterWindowBoundary(t *testing.T) {
	e := newTestEngine(t, "abc", Params{})
	boundary := uint64(1<<32) * chachaBlockSize

	across, err := e.Seek(boundary - 100).NextBytes(200)
	require.NoError(t, err)
	before, err := e.Seek(boundary - 100).NextBytes(100)
	require.NoError(t, err)
	after, err := e.Seek(boundary).NextBytes(100)
	require.NoError(t, err)

	assert.Equal(t, before, across[:100])
	assert.Equal(t, after, across[100:])
	assert.False(t, bytes.Equal(before[36:], after[:64]), "windows must not repeat")
}

func TestEmptySeed(t *testing.T) {
	_, err := New(nil, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSeed))
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	e, err := New(nil, Params{AllowEmptySeed: true})
	require.NoError(t, err)
	b, err := e.NextBytes(32)
	require.NoError(t, err)
	assert.Len(t, b, 32)
}

func TestOffsetOverflow(t *testing.T) {
	e := newTestEngine(t, "abc", Params{})
	_, err := e.Seek(math.MaxUint64 - 10).NextBytes(64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOffsetOverflow))
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	b, err := e.Seek(math.MaxUint64 - 10).NextBytes(10)
	require.NoError(t, err)
	assert.Len(t, b, 10)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, ChaCha20, alg)

	alg, err = ParseAlgorithm("aesctr")
	require.NoError(t, err)
	assert.Equal(t, AESCTR, alg)

	alg, err = ParseAlgorithm(" chacha8 ")
	require.NoError(t, err)
	assert.Equal(t, ChaCha8, alg)

	_, err = ParseAlgorithm("rot13")
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestFingerprintStable(t *testing.T) {
	a, err := DeriveKey([]byte("abc"), 0, false)
	require.NoError(t, err)
	b, err := DeriveKey([]byte("abc"), 0, false)
	require.NoError(t, err)
	c, err := DeriveKey([]byte("abc"), 1, false)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 32)
}
