package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steward-dev/steward/internal/db/driver"
)

// EventRecord is a persisted domain event for audit and replay.
type EventRecord struct {
	Seq        int64
	EventID    string
	Type       string
	EntityType string
	EntityID   string
	Payload    map[string]any
	ActorID    string
	CreatedAt  time.Time
}

const eventColumns = `id, event_id, type, entity_type, entity_id, payload, actor_id, created_at`

// AppendEvent persists an event, silently dropping exact duplicates (same
// entity, type and nanosecond timestamp).
func (s *Store) AppendEvent(ctx context.Context, e *EventRecord) error {
	payload, err := marshalDoc(e.Payload)
	if err != nil {
		return err
	}
	var query string
	if s.Dialect() == driver.DialectSQLite {
		query = `INSERT OR IGNORE INTO event_log (event_id, type, entity_type, entity_id, payload, actor_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	} else {
		query = `INSERT INTO event_log (event_id, type, entity_type, entity_id, payload, actor_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	}
	_, err = s.Exec(ctx, query, e.EventID, e.Type, e.EntityType, e.EntityID,
		payload, strPtr(e.ActorID), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns an entity's events created at or after since, in
// append order.
func (s *Store) RecentEvents(ctx context.Context, entityID string, since time.Time) ([]EventRecord, error) {
	rows, err := s.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_log
		WHERE entity_id = ? AND created_at >= ?
		ORDER BY id ASC
	`, entityID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectEvents(rows)
}

// EventsByType returns events of a type created at or after since, in append
// order. Used by the guardian's stuck and coherence loops.
func (s *Store) EventsByType(ctx context.Context, eventType string, since time.Time) ([]EventRecord, error) {
	rows, err := s.Query(ctx, `
		SELECT `+eventColumns+`
		FROM event_log
		WHERE type = ? AND created_at >= ?
		ORDER BY id ASC
	`, eventType, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("events by type: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectEvents(rows)
}

// AllEvents streams the full log in append order; used for replay.
func (s *Store) AllEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM event_log WHERE id > ? ORDER BY id ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("all events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]EventRecord, error) {
	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload, actorID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.EventID, &e.Type, &e.EntityType, &e.EntityID,
			&payload, &actorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = unmarshalMap(payload)
		e.ActorID = nullString(actorID)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
