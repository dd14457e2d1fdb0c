// Package provision reserves the scarce resources an instance needs before
// any process exists: a unique host port, an endpoint address, and a
// high-entropy control secret.
package provision

import (
	"crypto/rand"
	"fmt"
)

// GenerateSecret returns a cryptographically random alphanumeric secret of
// the given length. At 62 symbols per character, 12 characters already
// exceed a 60-bit entropy floor.
func GenerateSecret(length int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const n = byte(len(alphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))
	if length <= 0 {
		return "", fmt.Errorf("secret length must be positive, got %d", length)
	}
	secret := make([]byte, length)
	buf := make([]byte, length+16) // over-read to reduce rand calls
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			secret[filled] = alphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(secret), nil
}
