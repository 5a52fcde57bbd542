package keystream

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// aesGenerator is AES-256 in counter mode with the block index as a 128-bit
// big-endian IV, so block i is AES(key, i).
type aesGenerator struct {
	block cipher.Block
}

func newAESGenerator(key Key) (*aesGenerator, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}
	return &aesGenerator{block: block}, nil
}

func (g *aesGenerator) Algorithm() Algorithm { return AESCTR }

func (g *aesGenerator) BlockSize() int { return aes.BlockSize }

func (g *aesGenerator) Blocks(dst []byte, first uint64) {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], first)
	clear(dst)
	cipher.NewCTR(g.block, iv[:]).XORKeyStream(dst, dst)
}
