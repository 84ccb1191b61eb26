package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// KDF parameters. The iteration floor follows current OWASP guidance for
// PBKDF2-HMAC-SHA256; config validation rejects anything lower.
const (
	MinKDFIterations = 100000
	KeyLength        = 32
)

// DeriveKey derives a 256-bit key from a master secret and a per-context
// salt using PBKDF2-HMAC-SHA256. Identical inputs always derive the same
// key; distinct salts derive statistically independent keys.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	return pbkdf2.Key(secret, salt, iterations, KeyLength, sha256.New)
}

// ContextSalt builds a deterministic salt from the parts identifying an
// encryption compartment. Hashing keeps the salt fixed-length regardless
// of subject identifier size.
func ContextSalt(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0x1f}) // unit separator, prevents boundary ambiguity
	}
	return h.Sum(nil)
}
