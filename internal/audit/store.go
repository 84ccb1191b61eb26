package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/types"
)

// Store is the persistence contract for the audit chain. Implementations
// must make AppendCAS atomic: the uniqueness of the sequence number is the
// serialization point that keeps concurrent appends from forking the chain.
type Store interface {
	// AppendCAS persists a fully hashed event. It fails with an
	// AppendConflict when another writer already took the sequence
	// number, and with StorageUnavailable when the backend cannot be
	// reached within the context deadline.
	AppendCAS(ctx context.Context, event *AuditEvent) error

	// Tail returns the highest-sequence event, or nil for an empty chain
	Tail(ctx context.Context) (*AuditEvent, error)

	// Range returns events with from <= sequenceNumber <= to, ordered
	Range(ctx context.Context, from, to uint64) ([]*AuditEvent, error)

	// Query returns events matching the filter, ordered by sequence
	Query(ctx context.Context, filter *Filter) ([]*AuditEvent, error)

	// HasEventID reports whether an event with the ID was already appended
	HasEventID(ctx context.Context, eventID string) (bool, error)
}

// PostgresStore persists the audit chain in PostgreSQL. The unique
// constraint on sequence_number provides the transactional
// compare-and-append: two concurrent writers computing the same tail can
// both try, but only one insert succeeds.
type PostgresStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewPostgresStore opens a connection pool and ensures the audit schema
func NewPostgresStore(cfg *config.DatabaseConfig, log *logger.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db, logger: log}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	log.Info("Audit store connection established")
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection, for tests
func NewPostgresStoreWithDB(db *sql.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

func (s *PostgresStore) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			sequence_number BIGINT PRIMARY KEY,
			event_id VARCHAR(36) NOT NULL UNIQUE,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			actor_id VARCHAR(100) NOT NULL,
			resource_id VARCHAR(100),
			message TEXT NOT NULL,
			details JSONB,
			contains_phi BOOLEAN NOT NULL,
			data_classification VARCHAR(20) NOT NULL,
			severity VARCHAR(10) NOT NULL,
			previous_hash CHAR(64) NOT NULL,
			self_hash CHAR(64) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_actor_time ON audit_events(actor_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_type_time ON audit_events(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_contains_phi ON audit_events(contains_phi);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return nil
}

// AppendCAS inserts the event. The primary key on sequence_number rejects
// a second writer racing for the same slot.
func (s *PostgresStore) AppendCAS(ctx context.Context, event *AuditEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to marshal event details", err)
	}

	query := `
		INSERT INTO audit_events
		(sequence_number, event_id, timestamp, event_type, actor_id, resource_id, message,
		 details, contains_phi, data_classification, severity, previous_hash, self_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.SequenceNumber,
		event.EventID,
		event.Timestamp,
		event.EventType,
		event.ActorID,
		nullString(event.ResourceID),
		event.Message,
		detailsJSON,
		event.ContainsPHI,
		event.DataClassification,
		event.Severity,
		event.PreviousHash,
		event.SelfHash,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// The table has two unique constraints. Only a lost sequence
			// race is worth retrying; a duplicate event ID from another
			// instance would lose the same race on every attempt.
			if pqErr.Constraint == "audit_events_event_id_key" {
				return types.NewValidationError(types.ErrCodeDuplicateEvent,
					fmt.Sprintf("event %s already appended", event.EventID), nil)
			}
			return types.NewAppendConflictError(
				fmt.Sprintf("sequence number %d already taken", event.SequenceNumber))
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return types.NewStorageUnavailableError("audit store write timed out", err)
		}
		return types.NewStorageUnavailableError("failed to insert audit event", err)
	}

	return nil
}

// Tail returns the event with the highest sequence number
func (s *PostgresStore) Tail(ctx context.Context) (*AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM audit_events ORDER BY sequence_number DESC LIMIT 1`)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewStorageUnavailableError("failed to read chain tail", err)
	}
	return event, nil
}

// Range returns events in [from, to] ordered by sequence number
func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM audit_events WHERE sequence_number >= $1 AND sequence_number <= $2 ORDER BY sequence_number`,
		from, to)
	if err != nil {
		return nil, types.NewStorageUnavailableError("failed to query audit range", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// Query returns events matching the filter, ordered by sequence number.
// The WHERE clause is built dynamically from whichever constraints are set.
func (s *PostgresStore) Query(ctx context.Context, filter *Filter) ([]*AuditEvent, error) {
	query := selectColumns + ` FROM audit_events WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIndex)
		args = append(args, filter.ActorID)
		argIndex++
	}

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIndex)
		args = append(args, filter.EventType)
		argIndex++
	}

	if filter.ContainsPHI != nil {
		query += fmt.Sprintf(" AND contains_phi = $%d", argIndex)
		args = append(args, *filter.ContainsPHI)
		argIndex++
	}

	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, filter.StartTime)
		argIndex++
	}

	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIndex)
		args = append(args, filter.EndTime)
		argIndex++
	}

	if filter.FromSequence > 0 {
		query += fmt.Sprintf(" AND sequence_number >= $%d", argIndex)
		args = append(args, filter.FromSequence)
		argIndex++
	}

	query += " ORDER BY sequence_number"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewStorageUnavailableError("failed to query audit events", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// HasEventID reports whether the event ID was already appended
func (s *PostgresStore) HasEventID(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM audit_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, types.NewStorageUnavailableError("failed to check event id", err)
	}
	return exists, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks the store connection
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `SELECT sequence_number, event_id, timestamp, event_type, actor_id, resource_id,
	message, details, contains_phi, data_classification, severity, previous_hash, self_hash`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*AuditEvent, error) {
	event := &AuditEvent{}
	var resourceID sql.NullString
	var detailsJSON []byte

	err := row.Scan(
		&event.SequenceNumber,
		&event.EventID,
		&event.Timestamp,
		&event.EventType,
		&event.ActorID,
		&resourceID,
		&event.Message,
		&detailsJSON,
		&event.ContainsPHI,
		&event.DataClassification,
		&event.Severity,
		&event.PreviousHash,
		&event.SelfHash,
	)
	if err != nil {
		return nil, err
	}

	if resourceID.Valid {
		event.ResourceID = resourceID.String
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
	}

	event.Timestamp = event.Timestamp.UTC()
	return event, nil
}

func collectEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStorageUnavailableError("failed while reading audit events", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
