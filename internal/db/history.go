package db

import (
	"context"
	"fmt"
	"time"

	"database/sql"
)

// PhaseTransition is an immutable record of a ticket moving between phases.
type PhaseTransition struct {
	ID        string
	TicketID  string
	FromPhase string
	ToPhase   string
	Reason    string
	ActorID   string
	Artifacts map[string]any
	CreatedAt time.Time
}

const historyColumns = `id, ticket_id, from_phase, to_phase, reason, actor_id, artifacts, created_at`

// AppendPhaseHistoryTx records a transition within a transaction. History is
// append-only; there is no update path.
func AppendPhaseHistoryTx(tx *TxOps, h *PhaseTransition) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	artifacts, err := marshalDoc(h.Artifacts)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO phase_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.TicketID, h.FromPhase, h.ToPhase, strPtr(h.Reason), h.ActorID,
		artifacts, fmtTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("append phase history: %w", err)
	}
	return nil
}

// GetPhaseHistory returns a ticket's transitions in chronological order.
func (s *Store) GetPhaseHistory(ctx context.Context, ticketID string) ([]PhaseTransition, error) {
	rows, err := s.Query(ctx, `
		SELECT `+historyColumns+`
		FROM phase_history
		WHERE ticket_id = ?
		ORDER BY created_at ASC, id ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get phase history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PhaseTransition
	for rows.Next() {
		var h PhaseTransition
		var reason, artifacts sql.NullString
		var createdAt string
		if err := rows.Scan(&h.ID, &h.TicketID, &h.FromPhase, &h.ToPhase, &reason,
			&h.ActorID, &artifacts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan phase history: %w", err)
		}
		h.Reason = nullString(reason)
		h.Artifacts = unmarshalMap(artifacts)
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
