package keystream

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

const chachaBlockSize = 64

// chachaGenerator splits the 64-bit block index across the 32-bit block counter
// and the nonce, so each 256 GiB window of the stream runs under its own nonce.
type chachaGenerator struct {
	key Key
}

func newChaChaGenerator(key Key) *chachaGenerator {
	return &chachaGenerator{key: key}
}

func (g *chachaGenerator) Algorithm() Algorithm { return ChaCha20 }

func (g *chachaGenerator) BlockSize() int { return chachaBlockSize }

func (g *chachaGenerator) Blocks(dst []byte, first uint64) {
	for len(dst) > 0 {
		lo := uint32(first)
		room := uint64(1<<32) - uint64(lo)
		n := uint64(len(dst)) / chachaBlockSize
		if n > room {
			n = room
		}

		var nonce [chacha20.NonceSize]byte
		binary.LittleEndian.PutUint64(nonce[4:], first>>32)

		c, err := chacha20.NewUnauthenticatedCipher(g.key[:], nonce[:])
		if err != nil {
			// key and nonce sizes are constants
			panic(err)
		}
		c.SetCounter(lo)

		seg := dst[:n*chachaBlockSize]
		clear(seg)
		c.XORKeyStream(seg, seg)

		dst = dst[len(seg):]
		first += n
	}
}
