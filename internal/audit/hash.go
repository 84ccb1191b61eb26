package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the defined previous-hash value of the first chain event
var GenesisHash = func() string {
	sum := sha256.Sum256([]byte("phi-core:genesis"))
	return hex.EncodeToString(sum[:])
}()

// ComputeHash returns the SHA-256 hex digest over the canonical
// serialization of every event field except SelfHash. The previous hash is
// part of the input, which is what chains the records: altering any stored
// field breaks every hash from that record forward.
//
// Canonical form: pipe-delimited fields in fixed order, timestamps in
// RFC 3339 nanosecond UTC, details as canonical JSON. The hash must be
// reproducible from a stored record, so details are canonicalized through
// a decode/encode pass (see canonicalDetails) and timestamps carry at most
// microsecond precision, matching what a timestamptz column retains.
func ComputeHash(e *AuditEvent) (string, error) {
	input := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%t|%s|%s|%s",
		e.EventID,
		e.SequenceNumber,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		e.ActorID,
		e.ResourceID,
		e.Message,
		e.ContainsPHI,
		e.DataClassification,
		e.Severity,
		e.PreviousHash,
	)

	if len(e.Details) > 0 {
		detailsJSON, err := canonicalDetails(e.Details)
		if err != nil {
			return "", fmt.Errorf("failed to canonicalize event details: %w", err)
		}
		input += "|" + detailsJSON
	}

	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalDetails serializes details the way they come back from storage:
// marshal, decode into generic values, marshal again. Concrete numeric
// types all collapse to the representation a JSONB round trip reproduces,
// and encoding/json emits map keys sorted, so the result is stable on both
// sides of the store.
func canonicalDetails(details map[string]interface{}) (string, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return "", err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

// VerifyChain recomputes hashes over events ordered by sequence number and
// reports the index of the first broken record, or -1 when the chain is
// intact. A break is any of: self hash not matching the recomputed hash, a
// record whose hash cannot be recomputed, previous hash not matching the
// prior record's self hash, or a sequence gap or duplicate.
func VerifyChain(events []*AuditEvent) (bool, int) {
	for i, e := range events {
		hash, err := ComputeHash(e)
		if err != nil || e.SelfHash != hash {
			return false, i
		}

		if i == 0 {
			if e.SequenceNumber == 1 && e.PreviousHash != GenesisHash {
				return false, i
			}
			continue
		}

		prev := events[i-1]
		if e.SequenceNumber != prev.SequenceNumber+1 {
			return false, i
		}
		if e.PreviousHash != prev.SelfHash {
			return false, i
		}
	}
	return true, -1
}
