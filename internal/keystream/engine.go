package keystream

import (
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

var ErrOffsetOverflow = fmt.Errorf("%w: offset exceeds addressable keystream", types.ErrConfiguration)

// Params selects the stream variant. All fields are part of the compatibility contract.
type Params struct {
	Algorithm      Algorithm
	Round          uint64 // Mixed into the key, so every round writes a distinct pattern
	Invert         bool   // XOR every byte with 0xff
	AllowEmptySeed bool
}

// Engine is a cursor into the keystream. It must be owned by a single goroutine;
// Seek hands out independent cursors that share only the immutable generator.
type Engine struct {
	gen     Generator
	invert  bool
	offset  uint64
	scratch []byte
}

// New derives the key from seed and returns a cursor at offset zero.
func New(seed []byte, p Params) (*Engine, error) {
	key, err := DeriveKey(seed, p.Round, p.AllowEmptySeed)
	if err != nil {
		return nil, err
	}
	return NewFromKey(key, p)
}

// NewFromKey skips the key derivation, for callers that derived the key once for many cursors.
func NewFromKey(key Key, p Params) (*Engine, error) {
	gen, err := NewGenerator(p.Algorithm, key)
	if err != nil {
		return nil, err
	}
	return &Engine{gen: gen, invert: p.Invert}, nil
}

// Algorithm of the underlying block function.
func (e *Engine) Algorithm() Algorithm { return e.gen.Algorithm() }

// BlockSize of the underlying block function.
func (e *Engine) BlockSize() int { return e.gen.BlockSize() }

// Offset is the absolute position of the next byte NextBytes will return.
func (e *Engine) Offset() uint64 { return e.offset }

// Seek returns a new cursor at offset. The receiver is left untouched.
// No intervening blocks are generated.
func (e *Engine) Seek(offset uint64) *Engine {
	return &Engine{gen: e.gen, invert: e.invert, offset: offset}
}

// NextBytes returns the next n bytes and advances the cursor by n.
func (e *Engine) NextBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := e.Fill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Fill overwrites dst with the next len(dst) bytes and advances the cursor.
func (e *Engine) Fill(dst []byte) error {
	n := uint64(len(dst))
	if n == 0 {
		return nil
	}
	if e.offset > math.MaxUint64-n {
		return fmt.Errorf("%w: %d + %d", ErrOffsetOverflow, e.offset, n)
	}

	bs := uint64(e.gen.BlockSize())
	block := e.offset / bs
	skip := e.offset % bs
	pos := uint64(0)

	if skip != 0 {
		head := e.scratchBlock()
		e.gen.Blocks(head, block)
		pos = uint64(copy(dst, head[skip:]))
		block++
	}

	if whole := (n - pos) / bs * bs; whole > 0 {
		e.gen.Blocks(dst[pos:pos+whole], block)
		block += whole / bs
		pos += whole
	}

	if pos < n {
		tail := e.scratchBlock()
		e.gen.Blocks(tail, block)
		copy(dst[pos:], tail)
	}

	if e.invert {
		for i := range dst {
			dst[i] ^= 0xff
		}
	}

	e.offset += n
	return nil
}

func (e *Engine) scratchBlock() []byte {
	if e.scratch == nil {
		e.scratch = make([]byte, e.gen.BlockSize())
	}
	return e.scratch
}
