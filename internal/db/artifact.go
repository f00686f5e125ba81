package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GateArtifact is evidence collected during a phase, checked by gate
// validation before the ticket may advance.
type GateArtifact struct {
	ID        string
	TicketID  string
	PhaseID   string
	Kind      string
	Payload   map[string]any
	AgentID   string
	CreatedAt time.Time
}

const artifactColumns = `id, ticket_id, phase_id, kind, payload, agent_id, created_at`

// SaveArtifact persists a gate artifact.
func (s *Store) SaveArtifact(ctx context.Context, a *GateArtifact) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return SaveArtifactTx(tx, a)
	})
}

// SaveArtifactTx saves a gate artifact within a transaction.
func SaveArtifactTx(tx *TxOps, a *GateArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalDoc(a.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO phase_gate_artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TicketID, a.PhaseID, a.Kind, payload, strPtr(a.AgentID), fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// ArtifactsForPhase returns a ticket's artifacts collected during a phase,
// oldest first.
func (s *Store) ArtifactsForPhase(ctx context.Context, ticketID, phaseID string) ([]GateArtifact, error) {
	rows, err := s.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM phase_gate_artifacts
		WHERE ticket_id = ? AND phase_id = ?
		ORDER BY created_at ASC
	`, ticketID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("artifacts for phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectArtifacts(rows)
}

// ArtifactsForPhaseTx is ArtifactsForPhase within a transaction; gate
// validation reads artifacts in the same transaction as the transition.
func ArtifactsForPhaseTx(tx *TxOps, ticketID, phaseID string) ([]GateArtifact, error) {
	rows, err := tx.Query(`
		SELECT `+artifactColumns+`
		FROM phase_gate_artifacts
		WHERE ticket_id = ? AND phase_id = ?
		ORDER BY created_at ASC
	`, ticketID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("artifacts for phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]GateArtifact, error) {
	var out []GateArtifact
	for rows.Next() {
		var a GateArtifact
		var payload, agentID sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TicketID, &a.PhaseID, &a.Kind, &payload,
			&agentID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Payload = unmarshalMap(payload)
		a.AgentID = nullString(agentID)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}
