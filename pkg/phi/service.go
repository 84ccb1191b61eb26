package phi

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/crypto"
	"github.com/veracare/phi-core/pkg/types"
)

// Service encrypts and decrypts individual PHI field values using
// context-derived keys. The service is side-effect free: persistence of
// envelopes and audit logging of failures belong to the caller.
type Service struct {
	masterSecrets  map[int][]byte
	currentVersion int
	kdfIterations  int
	maxPlaintext   int

	// Derived keys are cached per compartment; the KDF is deliberately
	// slow, and hot subjects would otherwise pay it on every field.
	keyCache     map[string][]byte
	keyCacheSize int
	mu           sync.RWMutex
}

// NewService creates a PHI encryption service from configuration. Secrets
// for superseded key versions stay registered so existing envelopes remain
// decryptable; new encryptions always use the current version.
func NewService(cfg *config.EncryptionConfig) (*Service, error) {
	if cfg.CurrentKeyVersion < 1 {
		return nil, fmt.Errorf("current key version must be positive, got %d", cfg.CurrentKeyVersion)
	}

	secrets := make(map[int][]byte, len(cfg.MasterSecrets))
	for ver, secret := range cfg.MasterSecrets {
		v, err := strconv.Atoi(ver)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("invalid master secret version %q", ver)
		}
		if secret == "" {
			return nil, fmt.Errorf("empty master secret for version %d", v)
		}
		secrets[v] = []byte(secret)
	}

	if _, ok := secrets[cfg.CurrentKeyVersion]; !ok {
		return nil, fmt.Errorf("no master secret registered for current key version %d", cfg.CurrentKeyVersion)
	}

	cacheSize := cfg.KeyCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	return &Service{
		masterSecrets:  secrets,
		currentVersion: cfg.CurrentKeyVersion,
		kdfIterations:  cfg.KDFIterations,
		maxPlaintext:   cfg.MaxPlaintextBytes,
		keyCache:       make(map[string][]byte),
		keyCacheSize:   cacheSize,
	}, nil
}

// CurrentKeyVersion returns the version used for new encryptions
func (s *Service) CurrentKeyVersion() int {
	return s.currentVersion
}

// EncryptField encrypts a single field value under the key derived for the
// given context. The returned envelope carries everything needed to verify
// and decrypt it later.
func (s *Service) EncryptField(ctx context.Context, value []byte, ec EncryptionContext) (*EncryptedEnvelope, error) {
	if err := ec.Validate(); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	version := s.currentVersion
	key, err := s.deriveKey(ec, version)
	if err != nil {
		return nil, err
	}

	aad := ec.AssociatedData(version)
	ciphertext, nonce, err := crypto.Encrypt(key, value, aad, s.maxPlaintext)
	if err != nil {
		return nil, err
	}

	return &EncryptedEnvelope{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Checksum:   crypto.Checksum(ciphertext, nonce, aad),
		KeyVersion: version,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// DecryptField decrypts an envelope for the given context. The checksum is
// verified before the key derivation and AEAD open, so corrupted envelopes
// fail fast. Every failure path returns a typed error and no plaintext;
// callers are expected to record failures in the audit log as potential
// tamper events.
func (s *Service) DecryptField(ctx context.Context, env *EncryptedEnvelope, ec EncryptionContext) ([]byte, error) {
	if env == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "nil envelope", nil)
	}
	if err := ec.Validate(); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil)
	}

	version := env.KeyVersion
	if version > s.currentVersion {
		return nil, types.NewValidationError(types.ErrCodeUnknownKeyVersion,
			fmt.Sprintf("envelope key version %d is newer than current version %d", version, s.currentVersion), nil)
	}
	if _, ok := s.masterSecrets[version]; !ok {
		return nil, types.NewValidationError(types.ErrCodeUnknownKeyVersion,
			fmt.Sprintf("no master secret registered for key version %d", version), nil)
	}

	aad := ec.AssociatedData(version)
	if !env.VerifyChecksum(aad) {
		return nil, types.NewIntegrityError("envelope checksum mismatch", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := s.deriveKey(ec, version)
	if err != nil {
		return nil, err
	}

	return crypto.Decrypt(key, env.Ciphertext, env.Nonce, aad)
}

// deriveKey returns the compartment key for the context at the given
// version, consulting the bounded cache first.
func (s *Service) deriveKey(ec EncryptionContext, version int) ([]byte, error) {
	secret, ok := s.masterSecrets[version]
	if !ok {
		return nil, types.NewValidationError(types.ErrCodeUnknownKeyVersion,
			fmt.Sprintf("no master secret registered for key version %d", version), nil)
	}

	cacheKey := string(ec.FieldType) + "|" + ec.SubjectID + "|" + strconv.Itoa(version)

	s.mu.RLock()
	key, hit := s.keyCache[cacheKey]
	s.mu.RUnlock()
	if hit {
		return key, nil
	}

	salt := crypto.ContextSalt([]byte(ec.FieldType), []byte(ec.SubjectID), []byte(strconv.Itoa(version)))
	key = crypto.DeriveKey(secret, salt, s.kdfIterations)

	s.mu.Lock()
	if len(s.keyCache) >= s.keyCacheSize {
		// Full reset rather than LRU bookkeeping; derivation is
		// recoverable and eviction is rare at the configured size.
		s.keyCache = make(map[string][]byte)
	}
	s.keyCache[cacheKey] = key
	s.mu.Unlock()

	return key, nil
}
