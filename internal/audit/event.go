package audit

import (
	"time"
)

// EventType classifies an audit event
type EventType string

const (
	EventAuthSuccess   EventType = "AUTH_SUCCESS"
	EventAuthFailure   EventType = "AUTH_FAILURE"
	EventPHIAccessed   EventType = "PHI_ACCESSED"
	EventPHIDenied     EventType = "PHI_DENIED"
	EventPHIExport     EventType = "PHI_EXPORT"
	EventConfigChange  EventType = "CONFIG_CHANGE"
	EventSecurityAlert EventType = "SECURITY_ALERT"
)

// DataClassification labels the sensitivity of the data an event touches
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// Severity grades an audit event
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// DraftEvent is an event submission before the logger assigns its place in
// the chain. Everything chain-related (sequence number, hashes, timestamp)
// is stamped at append time.
type DraftEvent struct {
	// EventID may be pre-assigned by the caller for idempotent retries;
	// left empty, the logger generates one
	EventID            string                 `json:"event_id,omitempty"`
	EventType          EventType              `json:"event_type"`
	ActorID            string                 `json:"actor_id"`
	ResourceID         string                 `json:"resource_id,omitempty"`
	Message            string                 `json:"message"`
	Details            map[string]interface{} `json:"details,omitempty"`
	ContainsPHI        bool                   `json:"contains_phi"`
	DataClassification DataClassification     `json:"data_classification"`
	Severity           Severity               `json:"severity"`
}

// AuditEvent is an immutable, chained audit record. Once appended it is
// never updated or deleted; retention purges are a separately audited
// out-of-band process.
type AuditEvent struct {
	EventID            string                 `json:"event_id"`
	SequenceNumber     uint64                 `json:"sequence_number"`
	Timestamp          time.Time              `json:"timestamp"`
	EventType          EventType              `json:"event_type"`
	ActorID            string                 `json:"actor_id"`
	ResourceID         string                 `json:"resource_id,omitempty"`
	Message            string                 `json:"message"`
	Details            map[string]interface{} `json:"details,omitempty"`
	ContainsPHI        bool                   `json:"contains_phi"`
	DataClassification DataClassification     `json:"data_classification"`
	Severity           Severity               `json:"severity"`
	PreviousHash       string                 `json:"previous_hash"`
	SelfHash           string                 `json:"self_hash"`
}

// Filter selects events for replay and queries. Zero values mean
// "no constraint" for that dimension.
type Filter struct {
	StartTime    time.Time  `json:"start_time,omitempty"`
	EndTime      time.Time  `json:"end_time,omitempty"`
	EventType    EventType  `json:"event_type,omitempty"`
	ActorID      string     `json:"actor_id,omitempty"`
	ContainsPHI  *bool      `json:"contains_phi,omitempty"`
	FromSequence uint64     `json:"from_sequence,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies every set constraint
func (f *Filter) Matches(e *AuditEvent) bool {
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ContainsPHI != nil && e.ContainsPHI != *f.ContainsPHI {
		return false
	}
	if f.FromSequence > 0 && e.SequenceNumber < f.FromSequence {
		return false
	}
	return true
}
