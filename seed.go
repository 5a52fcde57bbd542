package disktest

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// SeedLength is the length of generated seeds.
	SeedLength = 40

	seedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateSeed returns a random alphanumeric seed that can be typed back in
// for a later verify run.
func GenerateSeed() (string, error) {
	max := big.NewInt(int64(len(seedAlphabet)))
	b := make([]byte, SeedLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate seed: %w", err)
		}
		b[i] = seedAlphabet[n.Int64()]
	}
	return string(b), nil
}
