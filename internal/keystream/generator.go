package keystream

import (
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

// Version is bumped whenever any generator's output changes for the same key.
// Data written under one version can only be verified with the same version.
const Version = 1

// Algorithm names a block generator.
type Algorithm string

const (
	ChaCha20 Algorithm = "CHACHA20"
	ChaCha12 Algorithm = "CHACHA12"
	ChaCha8  Algorithm = "CHACHA8"
	AESCTR   Algorithm = "AESCTR"
	CRC      Algorithm = "CRC"
)

// Algorithms lists every supported generator in preference order.
var Algorithms = []Algorithm{ChaCha20, ChaCha12, ChaCha8, AESCTR, CRC}

// ParseAlgorithm is case-insensitive. An empty name selects ChaCha20.
func ParseAlgorithm(name string) (Algorithm, error) {
	if strings.TrimSpace(name) == "" {
		return ChaCha20, nil
	}
	alg := Algorithm(strings.ToUpper(strings.TrimSpace(name)))
	for _, a := range Algorithms {
		if a == alg {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", types.ErrConfiguration, name)
}

// Generator is a stateless block function: the content of block i depends only on
// the key and i. Implementations must be safe for concurrent use.
type Generator interface {
	Algorithm() Algorithm
	// BlockSize is a fixed power of two.
	BlockSize() int
	// Blocks fills dst, whose length is a multiple of BlockSize, with consecutive
	// blocks starting at index first.
	Blocks(dst []byte, first uint64)
}

// NewGenerator builds the block function for alg keyed by key.
func NewGenerator(alg Algorithm, key Key) (Generator, error) {
	switch alg {
	case ChaCha20, "":
		return newChaChaGenerator(key), nil
	case ChaCha12, ChaCha8:
		return newReducedChaChaGenerator(key, alg), nil
	case AESCTR:
		return newAESGenerator(key)
	case CRC:
		return newCRCGenerator(key), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", types.ErrConfiguration, alg)
	}
}
