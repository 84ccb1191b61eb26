package phi

import (
	"fmt"
	"strconv"
)

// FieldType identifies the semantic kind of a protected field
type FieldType string

const (
	FieldSSN         FieldType = "ssn"
	FieldName        FieldType = "name"
	FieldDOB         FieldType = "dob"
	FieldAddress     FieldType = "address"
	FieldPhone       FieldType = "phone"
	FieldEmail       FieldType = "email"
	FieldDiagnosis   FieldType = "diagnosis"
	FieldMedications FieldType = "medications"
	FieldLabResults  FieldType = "lab_results"
	FieldInsuranceID FieldType = "insurance_id"
)

// EncryptionContext identifies the compartment a key belongs to. The same
// (FieldType, SubjectID, KeyVersion) tuple always derives the same key;
// different tuples derive independent keys.
type EncryptionContext struct {
	FieldType FieldType `json:"field_type"`
	SubjectID string    `json:"subject_id"`
	// KeyVersion selects the master secret generation; zero means the
	// service's current version
	KeyVersion int `json:"key_version,omitempty"`
}

// Validate checks that the context identifies a real compartment
func (c EncryptionContext) Validate() error {
	if c.FieldType == "" {
		return fmt.Errorf("encryption context requires a field type")
	}
	if c.SubjectID == "" {
		return fmt.Errorf("encryption context requires a subject identifier")
	}
	if c.KeyVersion < 0 {
		return fmt.Errorf("invalid key version %d", c.KeyVersion)
	}
	return nil
}

// AssociatedData returns the canonical byte form of the context at the
// given key version. It doubles as the AEAD associated data, binding each
// ciphertext to its compartment so envelopes cannot be replayed across
// subjects or field types.
func (c EncryptionContext) AssociatedData(keyVersion int) []byte {
	return []byte(string(c.FieldType) + "|" + c.SubjectID + "|" + strconv.Itoa(keyVersion))
}
