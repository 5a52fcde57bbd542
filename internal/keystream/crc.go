package keystream

import (
	"encoding/binary"

	"github.com/minio/crc64nvme"
)

const (
	crcWords     = 256
	crcBlockSize = crcWords * 8
)

// crcGenerator chains a CRC64 over the key, the block index and a running word
// counter. It is not cryptographically strong but cheap on slow CPUs.
type crcGenerator struct {
	key Key
}

func newCRCGenerator(key Key) *crcGenerator {
	return &crcGenerator{key: key}
}

func (g *crcGenerator) Algorithm() Algorithm { return CRC }

func (g *crcGenerator) BlockSize() int { return crcBlockSize }

func (g *crcGenerator) Blocks(dst []byte, first uint64) {
	var idx [8]byte
	var word [1]byte
	for off := 0; off+crcBlockSize <= len(dst); off += crcBlockSize {
		h := crc64nvme.New()
		h.Write(g.key[:])
		binary.LittleEndian.PutUint64(idx[:], first)
		h.Write(idx[:])

		out := dst[off : off+crcBlockSize]
		for i := 0; i < crcWords; i++ {
			word[0] = byte(i)
			h.Write(word[:])
			binary.LittleEndian.PutUint64(out[i*8:], h.Sum64())
		}
		first++
	}
}
