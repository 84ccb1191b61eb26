package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/veracare/phi-core/pkg/types"
)

const (
	// NonceSize is the standard 96-bit GCM nonce size
	NonceSize = 12
	// ChecksumSize is the truncated SHA-256 length used for fast tamper checks
	ChecksumSize = 16
	// DefaultMaxPlaintext bounds a single plaintext when no ceiling is configured
	DefaultMaxPlaintext = 1 << 20
)

// Encrypt encrypts plaintext with AES-256-GCM under the given key, binding
// the associated data into the authentication tag. A fresh random nonce is
// generated per call; the same key must never see a repeated nonce.
func Encrypt(key, plaintext, associatedData []byte, maxPlaintext int) (ciphertext, nonce []byte, err error) {
	if maxPlaintext <= 0 {
		maxPlaintext = DefaultMaxPlaintext
	}
	if len(plaintext) > maxPlaintext {
		return nil, nil, types.NewValidationError(types.ErrCodePlaintextTooLarge,
			fmt.Sprintf("plaintext of %d bytes exceeds ceiling of %d", len(plaintext), maxPlaintext), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher block: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, associatedData)
	return ciphertext, nonce, nil
}

// Decrypt decrypts AES-256-GCM ciphertext. Any tag mismatch fails closed
// with an integrity error; no partial plaintext is ever returned. GCM's
// tag comparison is constant-time, so failure timing does not reveal where
// in the ciphertext the mismatch occurred.
func Decrypt(key, ciphertext, nonce, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, types.NewIntegrityError("invalid nonce length", nil)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, types.NewIntegrityError("authentication tag mismatch", err)
	}

	return plaintext, nil
}

// Checksum computes a truncated SHA-256 over the given parts. Used as a
// cheap tamper check before the full AEAD verification.
func Checksum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:ChecksumSize]
}

// VerifyChecksum compares checksums in constant time
func VerifyChecksum(expected, actual []byte) bool {
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual) == 1
}

// HashHex returns the SHA-256 hash of data as a hex string
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
