package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialogwise/chatcore/internal/logger"
)

// Store is the append-only event log backing the polling endpoint.
// Ordering within a session is the BIGSERIAL id; across sessions no
// ordering is guaranteed.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates an event log store on the shared pool.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("eventlog"),
	}
}

// Append durably appends one event and returns its assigned id.
// The payload goes through encodePayload, so a marshalling problem
// produces a diagnostic event rather than a lost one.
func (s *Store) Append(ctx context.Context, streamingSessionID, eventType string, payload any) (int64, error) {
	query := `
		INSERT INTO streaming_events (streaming_session_id, event_type, event_data)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		streamingSessionID, eventType, encodePayload(payload),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return id, nil
}

// Since returns up to limit events with id > lastEventID for the given
// session, in append order. A limit <= 0 means no limit.
func (s *Store) Since(ctx context.Context, streamingSessionID string, lastEventID int64, limit int) ([]StoredEvent, error) {
	query := `
		SELECT id, streaming_session_id, event_type, event_data, created_at
		FROM streaming_events
		WHERE streaming_session_id = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{streamingSessionID, lastEventID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.StreamingSessionID, &ev.Type, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// PurgeOlderThan deletes events older than the cutoff and returns how
// many rows were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff string) (int64, error) {
	query := `DELETE FROM streaming_events WHERE created_at < NOW() - $1::interval`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("purged streaming events", "deleted", deleted, "older_than", cutoff)
	}
	return deleted, nil
}
