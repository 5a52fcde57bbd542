package keystream

import (
	"github.com/aead/chacha20/chacha"
)

// reducedChaChaGenerator runs ChaCha with 8 or 12 rounds. The original DJB
// layout has a 64-bit block counter, so a single zero nonce covers the whole
// stream.
type reducedChaChaGenerator struct {
	key    Key
	rounds int
	alg    Algorithm
}

func newReducedChaChaGenerator(key Key, alg Algorithm) *reducedChaChaGenerator {
	rounds := 12
	if alg == ChaCha8 {
		rounds = 8
	}
	return &reducedChaChaGenerator{key: key, rounds: rounds, alg: alg}
}

func (g *reducedChaChaGenerator) Algorithm() Algorithm { return g.alg }

func (g *reducedChaChaGenerator) BlockSize() int { return chachaBlockSize }

func (g *reducedChaChaGenerator) Blocks(dst []byte, first uint64) {
	var nonce [chacha.NonceSize]byte
	c, err := chacha.NewCipher(nonce[:], g.key[:], g.rounds)
	if err != nil {
		// key size, nonce size and round count are constants
		panic(err)
	}
	c.SetCounter(first)
	clear(dst)
	c.XORKeyStream(dst, dst)
}
