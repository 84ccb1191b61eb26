package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/types"
)

func testAuditConfig() *config.AuditConfig {
	return &config.AuditConfig{
		AppendTimeout:    2000,
		MaxAppendRetries: 3,
		ReplayBatchSize:  10,
	}
}

func newTestLogger(t *testing.T) (*Logger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLogger(store, logger.New("error"), testAuditConfig()), store
}

func phiDraft(actorID string) *DraftEvent {
	return &DraftEvent{
		EventType:          EventPHIAccessed,
		ActorID:            actorID,
		ResourceID:         "patient-042",
		Message:            "read diagnosis field",
		ContainsPHI:        true,
		DataClassification: ClassificationPHI,
		Severity:           SeverityLow,
	}
}

func TestLogger_Append(t *testing.T) {
	l, store := newTestLogger(t)
	ctx := context.Background()

	t.Run("first event chains from genesis", func(t *testing.T) {
		event, err := l.Append(ctx, phiDraft("dr-house"))
		require.NoError(t, err)

		assert.Equal(t, uint64(1), event.SequenceNumber)
		assert.Equal(t, GenesisHash, event.PreviousHash)
		assert.Equal(t, mustHash(t, event), event.SelfHash)
		assert.NotEmpty(t, event.EventID)
		assert.Equal(t, time.UTC, event.Timestamp.Location())
		// Stamped at the precision the store retains, so stored records
		// re-hash identically
		assert.True(t, event.Timestamp.Equal(event.Timestamp.Truncate(time.Microsecond)))
	})

	t.Run("subsequent events link to the tail", func(t *testing.T) {
		first, err := store.Tail(ctx)
		require.NoError(t, err)

		event, err := l.Append(ctx, phiDraft("dr-house"))
		require.NoError(t, err)

		assert.Equal(t, first.SequenceNumber+1, event.SequenceNumber)
		assert.Equal(t, first.SelfHash, event.PreviousHash)
	})

	t.Run("pre-assigned event id is idempotent", func(t *testing.T) {
		draft := phiDraft("dr-house")
		draft.EventID = "11111111-2222-3333-4444-555555555555"

		_, err := l.Append(ctx, draft)
		require.NoError(t, err)

		_, err = l.Append(ctx, draft)
		require.Error(t, err)

		var ce *types.CoreError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.ErrCodeDuplicateEvent, ce.Code)

		// The rejected retry must not have corrupted the chain
		result, err := l.Verify(ctx, 1, 0)
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("invalid drafts rejected", func(t *testing.T) {
		cases := map[string]*DraftEvent{
			"nil draft":     nil,
			"no event type": {ActorID: "a", DataClassification: ClassificationInternal, Severity: SeverityLow},
			"no actor":      {EventType: EventConfigChange, DataClassification: ClassificationInternal, Severity: SeverityLow},
			"phi flag without phi classification": {
				EventType: EventPHIAccessed, ActorID: "a", ContainsPHI: true,
				DataClassification: ClassificationInternal, Severity: SeverityLow,
			},
		}
		for name, draft := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := l.Append(ctx, draft)
				assert.Error(t, err)
			})
		}
	})
}

func TestLogger_ConcurrentAppends(t *testing.T) {
	l, store := newTestLogger(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, phiDraft(fmt.Sprintf("worker-%d", i%7)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, n, store.Len())

	events, err := store.Range(ctx, 1, n)
	require.NoError(t, err)
	require.Len(t, events, n)

	seen := make(map[uint64]bool, n)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.SequenceNumber)
		assert.False(t, seen[e.SequenceNumber], "duplicate sequence number %d", e.SequenceNumber)
		seen[e.SequenceNumber] = true
	}

	valid, broken := VerifyChain(events)
	assert.True(t, valid, "chain broken at index %d under concurrent load", broken)
}

// The Postgres store hands events back with microsecond timestamps and
// JSONB-generic details, not the exact Go values that were appended. The
// chain must verify over what the store reproduces.
func TestLogger_ChainSurvivesStorageRoundTrip(t *testing.T) {
	l, store := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		draft := phiDraft("dr-house")
		draft.Details = map[string]interface{}{
			"bytes":  int64(9007199254740993), // wider than float64 precision
			"fields": []string{"diagnosis"},
		}
		_, err := l.Append(ctx, draft)
		require.NoError(t, err)
	}

	events, err := store.Range(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)

	restored := make([]*AuditEvent, len(events))
	for i, e := range events {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		var back AuditEvent
		require.NoError(t, json.Unmarshal(raw, &back))
		back.Timestamp = back.Timestamp.Truncate(time.Microsecond)
		restored[i] = &back
	}

	valid, broken := VerifyChain(restored)
	assert.True(t, valid, "chain broken at index %d after storage round trip", broken)
}

func TestLogger_Verify(t *testing.T) {
	l, store := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, phiDraft("dr-house"))
		require.NoError(t, err)
	}

	t.Run("intact chain verifies", func(t *testing.T) {
		result, err := l.Verify(ctx, 1, 10)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, 10, result.EventsChecked)
	})

	t.Run("open-ended range verifies to the tail", func(t *testing.T) {
		result, err := l.Verify(ctx, 1, 0)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, uint64(10), result.ToSequence)
	})

	t.Run("count excludes the linkage predecessor", func(t *testing.T) {
		result, err := l.Verify(ctx, 6, 10)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, 5, result.EventsChecked)
	})

	t.Run("tampered event surfaces as chain tamper", func(t *testing.T) {
		store.Tamper(5, func(e *AuditEvent) {
			e.Message = "rewritten history"
		})

		result, err := l.Verify(ctx, 1, 10)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrChainTamper)
		assert.False(t, result.Valid)
		assert.Equal(t, uint64(6), result.BrokenSequence)
	})

	t.Run("tamper before window detected through linkage", func(t *testing.T) {
		result, err := l.Verify(ctx, 6, 10)
		require.Error(t, err)
		assert.False(t, result.Valid)
	})
}

func TestLogger_Replay(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	actors := []string{"alice", "bob", "alice", "carol", "alice"}
	for _, actor := range actors {
		_, err := l.Append(ctx, phiDraft(actor))
		require.NoError(t, err)
	}
	failure := &DraftEvent{
		EventType: EventAuthFailure, ActorID: "mallory",
		Message:            "bad password",
		DataClassification: ClassificationInternal, Severity: SeverityMedium,
	}
	_, err := l.Append(ctx, failure)
	require.NoError(t, err)

	collect := func(filter *Filter) []*AuditEvent {
		stream, err := l.Replay(ctx, filter)
		require.NoError(t, err)
		var out []*AuditEvent
		for e := range stream.Events() {
			out = append(out, e)
		}
		require.NoError(t, stream.Err())
		return out
	}

	t.Run("forward ordered full replay", func(t *testing.T) {
		events := collect(nil)
		require.Len(t, events, 6)
		for i, e := range events {
			assert.Equal(t, uint64(i+1), e.SequenceNumber)
		}
	})

	t.Run("filter by actor", func(t *testing.T) {
		events := collect(&Filter{ActorID: "alice"})
		assert.Len(t, events, 3)
	})

	t.Run("filter by event type", func(t *testing.T) {
		events := collect(&Filter{EventType: EventAuthFailure})
		require.Len(t, events, 1)
		assert.Equal(t, "mallory", events[0].ActorID)
	})

	t.Run("filter by phi flag", func(t *testing.T) {
		phi := true
		assert.Len(t, collect(&Filter{ContainsPHI: &phi}), 5)
		noPhi := false
		assert.Len(t, collect(&Filter{ContainsPHI: &noPhi}), 1)
	})

	t.Run("restartable from a checkpoint", func(t *testing.T) {
		events := collect(&Filter{FromSequence: 4})
		require.Len(t, events, 3)
		assert.Equal(t, uint64(4), events[0].SequenceNumber)
	})

	t.Run("pages through batches larger than the batch size", func(t *testing.T) {
		small := NewLogger(NewMemoryStore(), logger.New("error"), &config.AuditConfig{
			AppendTimeout: 2000, MaxAppendRetries: 3, ReplayBatchSize: 2,
		})
		for i := 0; i < 7; i++ {
			_, err := small.Append(ctx, phiDraft("alice"))
			require.NoError(t, err)
		}
		stream, err := small.Replay(ctx, nil)
		require.NoError(t, err)
		count := 0
		for range stream.Events() {
			count++
		}
		require.NoError(t, stream.Err())
		assert.Equal(t, 7, count)
	})

	t.Run("store failure mid-stream surfaces through Err", func(t *testing.T) {
		store := &mockStore{}
		store.On("Query", mock.Anything, mock.Anything).
			Return(buildChain(t, 2), nil).Once()
		store.On("Query", mock.Anything, mock.Anything).
			Return(nil, types.NewStorageUnavailableError("connection refused", nil)).Once()

		cfg := testAuditConfig()
		cfg.ReplayBatchSize = 2
		failing := NewLogger(store, logger.New("error"), cfg)

		stream, err := failing.Replay(ctx, nil)
		require.NoError(t, err)

		count := 0
		for range stream.Events() {
			count++
		}

		// The partial stream is distinguishable from an exhausted one
		assert.Equal(t, 2, count)
		assert.ErrorIs(t, stream.Err(), types.ErrStorageUnavailable)
		store.AssertExpectations(t)
	})
}

// mockStore lets failure-path tests script store behavior
type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendCAS(ctx context.Context, event *AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *mockStore) Tail(ctx context.Context) (*AuditEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AuditEvent), args.Error(1)
}

func (m *mockStore) Range(ctx context.Context, from, to uint64) ([]*AuditEvent, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*AuditEvent), args.Error(1)
}

func (m *mockStore) Query(ctx context.Context, filter *Filter) ([]*AuditEvent, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*AuditEvent), args.Error(1)
}

func (m *mockStore) HasEventID(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func TestLogger_FailureSemantics(t *testing.T) {
	ctx := context.Background()

	t.Run("storage outage surfaces as retryable error", func(t *testing.T) {
		store := &mockStore{}
		store.On("Tail", mock.Anything).Return(nil, types.NewStorageUnavailableError("connection refused", nil))

		l := NewLogger(store, logger.New("error"), testAuditConfig())
		_, err := l.Append(ctx, phiDraft("dr-house"))

		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrStorageUnavailable)
		assert.True(t, types.IsRetryable(err))
		store.AssertExpectations(t)
	})

	t.Run("append conflicts retried up to the bound then surfaced", func(t *testing.T) {
		store := &mockStore{}
		store.On("Tail", mock.Anything).Return(nil, nil)
		store.On("AppendCAS", mock.Anything, mock.Anything).
			Return(types.NewAppendConflictError("sequence taken"))

		cfg := testAuditConfig()
		cfg.MaxAppendRetries = 2
		l := NewLogger(store, logger.New("error"), cfg)

		_, err := l.Append(ctx, phiDraft("dr-house"))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAppendConflict)

		// initial attempt plus two retries
		store.AssertNumberOfCalls(t, "AppendCAS", 3)
	})

	t.Run("conflict then success recovers transparently", func(t *testing.T) {
		store := &mockStore{}
		store.On("Tail", mock.Anything).Return(nil, nil)
		store.On("AppendCAS", mock.Anything, mock.Anything).
			Return(types.NewAppendConflictError("sequence taken")).Once()
		store.On("AppendCAS", mock.Anything, mock.Anything).Return(nil).Once()

		l := NewLogger(store, logger.New("error"), testAuditConfig())
		event, err := l.Append(ctx, phiDraft("dr-house"))

		require.NoError(t, err)
		assert.Equal(t, uint64(1), event.SequenceNumber)
	})

	t.Run("expired context fails fast", func(t *testing.T) {
		store := &mockStore{}
		l := NewLogger(store, logger.New("error"), testAuditConfig())

		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		_, err := l.Append(expired, phiDraft("dr-house"))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAppendTimeout)
		store.AssertNotCalled(t, "AppendCAS")
	})
}
