package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/veracare/phi-core/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments. The mutex plus the sequence check give the same
// compare-and-append semantics the SQL store gets from its unique
// constraint.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*AuditEvent
	eventIDs map[string]bool
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventIDs: make(map[string]bool),
	}
}

// AppendCAS appends the event iff its sequence number is exactly the next
// slot in the chain
func (s *MemoryStore) AppendCAS(ctx context.Context, event *AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return types.NewStorageUnavailableError("audit store write cancelled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventIDs[event.EventID] {
		return types.NewValidationError(types.ErrCodeDuplicateEvent,
			fmt.Sprintf("event %s already appended", event.EventID), nil)
	}

	next := uint64(len(s.events)) + 1
	if event.SequenceNumber != next {
		return types.NewAppendConflictError(
			fmt.Sprintf("sequence number %d already taken", event.SequenceNumber))
	}

	// Copy to keep appended records immutable from the caller's view
	stored := *event
	s.events = append(s.events, &stored)
	s.eventIDs[event.EventID] = true
	return nil
}

// Tail returns the last appended event, or nil for an empty chain
func (s *MemoryStore) Tail(ctx context.Context) (*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return nil, nil
	}
	tail := *s.events[len(s.events)-1]
	return &tail, nil
}

// Range returns events in [from, to] ordered by sequence number
func (s *MemoryStore) Range(ctx context.Context, from, to uint64) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEvent
	for _, e := range s.events {
		if e.SequenceNumber >= from && e.SequenceNumber <= to {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Query returns events matching the filter, ordered by sequence number
func (s *MemoryStore) Query(ctx context.Context, filter *Filter) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			copied := *e
			out = append(out, &copied)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// HasEventID reports whether the event ID was already appended
func (s *MemoryStore) HasEventID(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventIDs[eventID], nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Tamper overwrites a stored event in place. Only for tests exercising
// chain verification; a real store never mutates appended records.
func (s *MemoryStore) Tamper(index int, mutate func(*AuditEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.events[index])
}
