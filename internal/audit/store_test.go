package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewPostgresStoreWithDB(db, logger.New("error"))
	return store, mock, func() { db.Close() }
}

func storedEvent(t *testing.T, seq uint64) *AuditEvent {
	t.Helper()
	e := &AuditEvent{
		EventID:            "e4f1a0d2-0000-0000-0000-000000000001",
		SequenceNumber:     seq,
		Timestamp:          time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		EventType:          EventPHIAccessed,
		ActorID:            "dr-house",
		ResourceID:         "patient-042",
		Message:            "read diagnosis field",
		ContainsPHI:        true,
		DataClassification: ClassificationPHI,
		Severity:           SeverityLow,
		PreviousHash:       GenesisHash,
	}
	e.SelfHash = mustHash(t, e)
	return e
}

func eventColumns() []string {
	return []string{
		"sequence_number", "event_id", "timestamp", "event_type", "actor_id",
		"resource_id", "message", "details", "contains_phi",
		"data_classification", "severity", "previous_hash", "self_hash",
	}
}

func eventRow(e *AuditEvent) *sqlmock.Rows {
	return sqlmock.NewRows(eventColumns()).AddRow(
		e.SequenceNumber, e.EventID, e.Timestamp, string(e.EventType), e.ActorID,
		e.ResourceID, e.Message, []byte(`null`), e.ContainsPHI,
		string(e.DataClassification), string(e.Severity), e.PreviousHash, e.SelfHash,
	)
}

func TestPostgresStore_AppendCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts the event", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		e := storedEvent(t, 1)
		mock.ExpectExec("INSERT INTO audit_events").
			WithArgs(
				e.SequenceNumber, e.EventID, e.Timestamp, string(e.EventType),
				e.ActorID, sql.NullString{String: e.ResourceID, Valid: true},
				e.Message, []byte(`null`), e.ContainsPHI,
				string(e.DataClassification), string(e.Severity),
				e.PreviousHash, e.SelfHash,
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.AppendCAS(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost sequence race maps to append conflict", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "audit_events_pkey"})

		err := store.AppendCAS(ctx, storedEvent(t, 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAppendConflict)
		assert.True(t, types.IsRetryable(err))
	})

	t.Run("duplicate event id is rejected without retry", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "audit_events_event_id_key"})

		err := store.AppendCAS(ctx, storedEvent(t, 1))
		require.Error(t, err)
		var coreErr *types.CoreError
		require.ErrorAs(t, err, &coreErr)
		assert.Equal(t, types.ErrCodeDuplicateEvent, coreErr.Code)
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("connection failure maps to storage unavailable", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnError(sql.ErrConnDone)

		err := store.AppendCAS(ctx, storedEvent(t, 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrStorageUnavailable)
	})

	t.Run("deadline exceeded maps to storage unavailable", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnError(context.DeadlineExceeded)

		err := store.AppendCAS(ctx, storedEvent(t, 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrStorageUnavailable)
	})
}

func TestPostgresStore_Tail(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the highest-sequence event", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		e := storedEvent(t, 7)
		mock.ExpectQuery("ORDER BY sequence_number DESC LIMIT 1").
			WillReturnRows(eventRow(e))

		tail, err := store.Tail(ctx)
		require.NoError(t, err)
		require.NotNil(t, tail)
		assert.Equal(t, uint64(7), tail.SequenceNumber)
		assert.Equal(t, e.SelfHash, tail.SelfHash)
	})

	t.Run("empty chain yields nil without error", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectQuery("ORDER BY sequence_number DESC LIMIT 1").
			WillReturnError(sql.ErrNoRows)

		tail, err := store.Tail(ctx)
		require.NoError(t, err)
		assert.Nil(t, tail)
	})
}

func TestPostgresStore_Query(t *testing.T) {
	ctx := context.Background()

	t.Run("binds only the set constraints", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		e := storedEvent(t, 1)
		mock.ExpectQuery(`actor_id = \$1 AND contains_phi = \$2 AND sequence_number >= \$3 ORDER BY sequence_number LIMIT \$4`).
			WithArgs("dr-house", true, uint64(1), 10).
			WillReturnRows(eventRow(e))

		phi := true
		events, err := store.Query(ctx, &Filter{
			ActorID:      "dr-house",
			ContainsPHI:  &phi,
			FromSequence: 1,
			Limit:        10,
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "dr-house", events[0].ActorID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no constraints queries the whole chain ordered", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		mock.ExpectQuery(`WHERE 1=1 ORDER BY sequence_number`).
			WillReturnRows(sqlmock.NewRows(eventColumns()))

		events, err := store.Query(ctx, &Filter{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("time window binds start and end", func(t *testing.T) {
		store, mock, cleanup := newMockStore(t)
		defer cleanup()

		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(24 * time.Hour)
		mock.ExpectQuery(`timestamp >= \$1 AND timestamp <= \$2`).
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows(eventColumns()))

		_, err := store.Query(ctx, &Filter{StartTime: start, EndTime: end})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Range(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(eventColumns())
	for seq := uint64(2); seq <= 4; seq++ {
		e := storedEvent(t, seq)
		rows.AddRow(
			e.SequenceNumber, e.EventID, e.Timestamp, string(e.EventType), e.ActorID,
			e.ResourceID, e.Message, []byte(`null`), e.ContainsPHI,
			string(e.DataClassification), string(e.Severity), e.PreviousHash, e.SelfHash,
		)
	}
	mock.ExpectQuery(`sequence_number >= \$1 AND sequence_number <= \$2`).
		WithArgs(uint64(2), uint64(4)).
		WillReturnRows(rows)

	events, err := store.Range(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].SequenceNumber)
	assert.Equal(t, uint64(4), events[2].SequenceNumber)
}

func TestPostgresStore_HasEventID(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("e4f1a0d2-0000-0000-0000-000000000001").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.HasEventID(context.Background(), "e4f1a0d2-0000-0000-0000-000000000001")
	require.NoError(t, err)
	assert.True(t, exists)
}
