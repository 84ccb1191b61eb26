package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/types"
)

// Logger is the immutable audit logger. Append is the only operation in
// the system requiring global ordering; everything else reads the chain.
//
// Appends are linearized two ways: an in-process mutex keeps local
// goroutines from thrashing the store with doomed writes, and the store's
// compare-and-append rejects races from other instances. The critical
// section covers only sequence assignment, hashing and the store write.
type Logger struct {
	store       Store
	log         *logger.Logger
	timeout     time.Duration
	maxRetries  int
	batchSize   int
	appendMu    sync.Mutex
	subscribers []func(*AuditEvent)
	subMu       sync.RWMutex
}

// VerificationResult reports the outcome of a chain verification window
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	FromSequence   uint64 `json:"from_sequence"`
	ToSequence     uint64 `json:"to_sequence"`
	EventsChecked  int    `json:"events_checked"`
	// BrokenSequence is the sequence number of the first record failing
	// verification; zero when the chain is intact
	BrokenSequence uint64 `json:"broken_sequence,omitempty"`
}

// NewLogger creates an immutable audit logger over the given store
func NewLogger(store Store, log *logger.Logger, cfg *config.AuditConfig) *Logger {
	timeout := time.Duration(cfg.AppendTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retries := cfg.MaxAppendRetries
	if retries <= 0 {
		retries = 3
	}
	batch := cfg.ReplayBatchSize
	if batch <= 0 {
		batch = 500
	}

	return &Logger{
		store:      store,
		log:        log,
		timeout:    timeout,
		maxRetries: retries,
		batchSize:  batch,
	}
}

// Subscribe registers a hook invoked after each successful append. Hooks
// run synchronously on the appending goroutine and must be fast; the
// compliance monitor hands events off to its own worker.
func (l *Logger) Subscribe(fn func(*AuditEvent)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Append assigns the draft its place in the chain and persists it. The
// operation is bounded by the configured timeout; on timeout or storage
// failure the event is not appended and the caller gets a retryable error.
// Re-submitting a draft with the same pre-assigned event ID after an
// ambiguous failure is safe: duplicates are detected and rejected without
// corrupting the chain.
func (l *Logger) Append(ctx context.Context, draft *DraftEvent) (*AuditEvent, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	eventID := draft.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if draft.EventID != "" {
		exists, err := l.store.HasEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, types.NewValidationError(types.ErrCodeDuplicateEvent,
				fmt.Sprintf("event %s already appended", eventID), nil)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, types.NewAppendTimeoutError("audit append exceeded its bounded timeout", err)
		}

		tail, err := l.store.Tail(ctx)
		if err != nil {
			return nil, err
		}

		// Truncated to the microsecond precision a timestamptz column
		// retains, so the stored record re-hashes to the same digest
		event := &AuditEvent{
			EventID:            eventID,
			Timestamp:          time.Now().UTC().Truncate(time.Microsecond),
			EventType:          draft.EventType,
			ActorID:            draft.ActorID,
			ResourceID:         draft.ResourceID,
			Message:            draft.Message,
			Details:            draft.Details,
			ContainsPHI:        draft.ContainsPHI,
			DataClassification: draft.DataClassification,
			Severity:           draft.Severity,
		}

		if tail == nil {
			event.SequenceNumber = 1
			event.PreviousHash = GenesisHash
		} else {
			event.SequenceNumber = tail.SequenceNumber + 1
			event.PreviousHash = tail.SelfHash
		}

		selfHash, err := ComputeHash(event)
		if err != nil {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput,
				"event details are not serializable", map[string]interface{}{"error": err.Error()})
		}
		event.SelfHash = selfHash

		err = l.store.AppendCAS(ctx, event)
		if err == nil {
			l.log.Audit(event.ActorID, string(event.EventType), event.SequenceNumber, true, nil)
			l.notify(event)
			return event, nil
		}

		lastErr = err
		if !errors.Is(err, types.ErrAppendConflict) {
			break
		}
		// Another writer took the slot; re-read the tail and try again
		l.log.WithField("sequence_number", event.SequenceNumber).
			Debug("Append conflict, re-reading chain tail")
	}

	l.log.Audit(draft.ActorID, string(draft.EventType), 0, false,
		map[string]interface{}{"error": lastErr.Error()})
	return nil, lastErr
}

// Verify re-derives the chain over [fromSequence, toSequence] and reports
// tamper evidence. When the window does not start at the genesis record,
// the predecessor is included so the first record's linkage is checked too.
func (l *Logger) Verify(ctx context.Context, fromSequence, toSequence uint64) (*VerificationResult, error) {
	if fromSequence == 0 {
		fromSequence = 1
	}
	if toSequence != 0 && toSequence < fromSequence {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput,
			"verification range end precedes start", nil)
	}

	fetchFrom := fromSequence
	if fetchFrom > 1 {
		fetchFrom--
	}
	if toSequence == 0 {
		tail, err := l.store.Tail(ctx)
		if err != nil {
			return nil, err
		}
		if tail == nil {
			return &VerificationResult{Valid: true, FromSequence: fromSequence}, nil
		}
		toSequence = tail.SequenceNumber
	}

	events, err := l.store.Range(ctx, fetchFrom, toSequence)
	if err != nil {
		return nil, err
	}

	// The predecessor fetched for linkage is not part of the requested window
	checked := len(events)
	if checked > 0 && events[0].SequenceNumber < fromSequence {
		checked--
	}

	result := &VerificationResult{
		FromSequence:  fromSequence,
		ToSequence:    toSequence,
		EventsChecked: checked,
	}

	valid, brokenIndex := VerifyChain(events)
	result.Valid = valid
	if !valid {
		result.BrokenSequence = events[brokenIndex].SequenceNumber
		l.log.ChainIntegrity(fromSequence, toSequence, false, brokenIndex)
		return result, types.NewChainTamperError(
			fmt.Sprintf("audit chain broken at sequence %d", result.BrokenSequence),
			map[string]interface{}{
				"from_sequence":   fromSequence,
				"to_sequence":     toSequence,
				"broken_sequence": result.BrokenSequence,
			})
	}

	l.log.ChainIntegrity(fromSequence, toSequence, true, -1)
	return result, nil
}

// ReplayStream delivers matching events forward-ordered. A closed Events
// channel alone does not mean the filter was exhausted: consumers must
// check Err afterwards, or a storage outage mid-stream would be
// indistinguishable from a complete replay.
type ReplayStream struct {
	events chan *AuditEvent
	err    error
}

// Events returns the event channel. It is closed when the stream ends for
// any reason.
func (s *ReplayStream) Events() <-chan *AuditEvent {
	return s.events
}

// Err reports why the stream terminated: nil for an exhausted filter or
// reached limit, the store error or context error otherwise. Only valid
// after the Events channel has closed.
func (s *ReplayStream) Err() error {
	return s.err
}

// Replay streams matching events forward-ordered. The stream pages through
// the store in batches, is restartable from any checkpoint via
// Filter.FromSequence, and terminates when the filter is exhausted, the
// limit is reached, the context is cancelled, or the store fails; the last
// two are reported through ReplayStream.Err.
func (l *Logger) Replay(ctx context.Context, filter *Filter) (*ReplayStream, error) {
	if filter == nil {
		filter = &Filter{}
	}

	stream := &ReplayStream{events: make(chan *AuditEvent)}

	go func() {
		defer close(stream.events)

		cursor := filter.FromSequence
		if cursor == 0 {
			cursor = 1
		}
		sent := 0

		for {
			page := *filter
			page.FromSequence = cursor
			page.Limit = l.batchSize

			events, err := l.store.Query(ctx, &page)
			if err != nil {
				l.log.WithError(err).Error("Audit replay aborted on store failure")
				stream.err = err
				return
			}
			if len(events) == 0 {
				return
			}

			for _, e := range events {
				select {
				case stream.events <- e:
				case <-ctx.Done():
					stream.err = ctx.Err()
					return
				}
				sent++
				if filter.Limit > 0 && sent >= filter.Limit {
					return
				}
				cursor = e.SequenceNumber + 1
			}

			if len(events) < l.batchSize {
				return
			}
		}
	}()

	return stream, nil
}

func (l *Logger) notify(event *AuditEvent) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subscribers {
		fn(event)
	}
}

func validateDraft(draft *DraftEvent) error {
	if draft == nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "nil draft event", nil)
	}
	if draft.EventType == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "event type is required", nil)
	}
	if draft.ActorID == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "actor id is required", nil)
	}
	if draft.DataClassification == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "data classification is required", nil)
	}
	if draft.Severity == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "severity is required", nil)
	}
	if draft.ContainsPHI && draft.DataClassification != ClassificationPHI {
		return types.NewValidationError(types.ErrCodeInvalidInput,
			"events containing PHI must be classified PHI", nil)
	}
	return nil
}
