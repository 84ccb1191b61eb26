package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veracare/phi-core/pkg/types"
)

func TestDeriveKey(t *testing.T) {
	secret := []byte("master-secret")
	salt := ContextSalt([]byte("ssn"), []byte("patient-001"), []byte("1"))

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		k1 := DeriveKey(secret, salt, 100000)
		k2 := DeriveKey(secret, salt, 100000)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, KeyLength)
	})

	t.Run("different salts derive independent keys", func(t *testing.T) {
		otherSalt := ContextSalt([]byte("ssn"), []byte("patient-002"), []byte("1"))
		k1 := DeriveKey(secret, salt, 100000)
		k2 := DeriveKey(secret, otherSalt, 100000)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("different secrets derive independent keys", func(t *testing.T) {
		k1 := DeriveKey(secret, salt, 100000)
		k2 := DeriveKey([]byte("other-secret"), salt, 100000)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("iteration floor enforced", func(t *testing.T) {
		// Requesting fewer iterations than the floor silently clamps up,
		// so the weak-parameter result equals the floor result.
		k1 := DeriveKey(secret, salt, 1)
		k2 := DeriveKey(secret, salt, MinKDFIterations)
		assert.Equal(t, k1, k2)
	})
}

func TestContextSalt(t *testing.T) {
	t.Run("boundary shifts change the salt", func(t *testing.T) {
		s1 := ContextSalt([]byte("ab"), []byte("c"))
		s2 := ContextSalt([]byte("a"), []byte("bc"))
		assert.NotEqual(t, s1, s2)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	key := DeriveKey([]byte("secret"), ContextSalt([]byte("test")), 100000)
	plaintext := []byte("123-45-6789")
	aad := []byte("ssn|patient-001|1")

	t.Run("round trip", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)
		assert.Len(t, nonce, NonceSize)

		decrypted, err := Decrypt(key, ciphertext, nonce, aad)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("fresh nonce and ciphertext per call", func(t *testing.T) {
		c1, n1, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)
		c2, n2, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)

		assert.NotEqual(t, n1, n2)
		assert.NotEqual(t, c1, c2)
	})

	t.Run("bit flip in ciphertext fails closed", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)

		for i := range ciphertext {
			tampered := bytes.Clone(ciphertext)
			tampered[i] ^= 0x01

			_, err := Decrypt(key, tampered, nonce, aad)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrIntegrityFailure)
		}
	})

	t.Run("bit flip in nonce fails closed", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)

		tampered := bytes.Clone(nonce)
		tampered[0] ^= 0x01

		_, err = Decrypt(key, ciphertext, tampered, aad)
		assert.ErrorIs(t, err, types.ErrIntegrityFailure)
	})

	t.Run("wrong associated data fails closed", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)

		_, err = Decrypt(key, ciphertext, nonce, []byte("ssn|patient-002|1"))
		assert.ErrorIs(t, err, types.ErrIntegrityFailure)
	})

	t.Run("plaintext ceiling enforced", func(t *testing.T) {
		big := make([]byte, 2048)
		_, _, err := Encrypt(key, big, nil, 1024)
		require.Error(t, err)

		var ce *types.CoreError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.ErrCodePlaintextTooLarge, ce.Code)
	})

	t.Run("invalid nonce length rejected", func(t *testing.T) {
		ciphertext, _, err := Encrypt(key, plaintext, aad, 0)
		require.NoError(t, err)

		_, err = Decrypt(key, ciphertext, []byte("short"), aad)
		assert.ErrorIs(t, err, types.ErrIntegrityFailure)
	})
}

func TestChecksum(t *testing.T) {
	t.Run("stable and truncated", func(t *testing.T) {
		c1 := Checksum([]byte("a"), []byte("b"))
		c2 := Checksum([]byte("a"), []byte("b"))
		assert.Equal(t, c1, c2)
		assert.Len(t, c1, ChecksumSize)
	})

	t.Run("verify detects mismatch", func(t *testing.T) {
		c := Checksum([]byte("data"))
		assert.True(t, VerifyChecksum(c, Checksum([]byte("data"))))
		assert.False(t, VerifyChecksum(c, Checksum([]byte("tampered"))))
		assert.False(t, VerifyChecksum(c, c[:8]))
	})
}
