package phi

import (
	"time"

	"github.com/veracare/phi-core/pkg/crypto"
)

// EncryptedEnvelope is the persisted form of an encrypted field. It is
// self-describing: the key version and checksum travel with the ciphertext
// so any holder of the master secrets can verify and decrypt it later.
type EncryptedEnvelope struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Checksum   []byte    `json:"checksum"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// VerifyChecksum recomputes the fast tamper check over ciphertext, nonce
// and associated data. This is not a substitute for AEAD verification; it
// lets callers reject corrupted envelopes before paying the KDF cost.
func (e *EncryptedEnvelope) VerifyChecksum(associatedData []byte) bool {
	expected := crypto.Checksum(e.Ciphertext, e.Nonce, associatedData)
	return crypto.VerifyChecksum(expected, e.Checksum)
}
