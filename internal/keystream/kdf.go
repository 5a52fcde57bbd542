package keystream

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

const (
	// KeySize is the width of every derived generator key.
	KeySize = 32

	kdfIterations = 50000
	kdfSaltPrefix = "disktest salt"
)

var ErrInvalidSeed = fmt.Errorf("%w: invalid seed", types.ErrConfiguration)

// Key is the expanded seed. It is a value type and can be shared across workers freely.
type Key [KeySize]byte

// Fingerprint identifies a key without revealing it, used to match resumed runs.
func (k Key) Fingerprint() string {
	sum := blake2b.Sum256(k[:])
	return hex.EncodeToString(sum[:16])
}

// DeriveKey expands seed and round into a generator key with PBKDF2-HMAC-SHA512.
// Short seeds such as "1234" are stretched so the stream does not inherit their structure.
func DeriveKey(seed []byte, round uint64, allowEmpty bool) (Key, error) {
	var key Key
	if len(seed) == 0 && !allowEmpty {
		return key, fmt.Errorf("%w: seed is empty", ErrInvalidSeed)
	}

	var roundBytes [8]byte
	binary.LittleEndian.PutUint64(roundBytes[:], round)

	salt := sha512.New()
	salt.Write([]byte(kdfSaltPrefix))
	salt.Write(seed)
	salt.Write(roundBytes[:])

	copy(key[:], pbkdf2.Key(seed, salt.Sum(nil), kdfIterations, KeySize, sha512.New))
	return key, nil
}
