package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Steering kinds.
const (
	SteeringStuck                = "stuck"
	SteeringDrifting             = "drifting"
	SteeringViolatingConstraints = "violating_constraints"
	SteeringIdle                 = "idle"
	SteeringMissedSteps          = "missed_steps"
	SteeringEmergency            = "emergency"
)

// Intervention outcomes.
const (
	InterventionDelivered = "delivered"
	InterventionIgnored   = "ignored"
	InterventionResolved  = "resolved"
)

// GuardianIntervention is a steering message issued to an agent or ticket.
type GuardianIntervention struct {
	ID         string
	AgentID    string
	TicketID   string
	Kind       string
	Message    string
	Evidence   []string
	Confidence float64
	Outcome    string
	CreatedAt  time.Time
}

const interventionColumns = `id, agent_id, ticket_id, kind, message, evidence, confidence, outcome, created_at`

// SaveIntervention persists a guardian intervention.
func (s *Store) SaveIntervention(ctx context.Context, gi *GuardianIntervention) error {
	if gi.Outcome == "" {
		gi.Outcome = InterventionDelivered
	}
	if gi.CreatedAt.IsZero() {
		gi.CreatedAt = time.Now().UTC()
	}
	evidence, err := marshalDoc(gi.Evidence)
	if err != nil {
		return err
	}
	_, err = s.Exec(ctx, `
		INSERT INTO guardian_interventions (`+interventionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome
	`, gi.ID, strPtr(gi.AgentID), strPtr(gi.TicketID), gi.Kind, gi.Message,
		evidence, gi.Confidence, gi.Outcome, fmtTime(gi.CreatedAt))
	if err != nil {
		return fmt.Errorf("save intervention: %w", err)
	}
	return nil
}

// LatestIntervention returns the most recent intervention of a kind for an
// agent, or (nil, nil) when none exists. Used for cooldown checks.
func (s *Store) LatestIntervention(ctx context.Context, agentID, kind string) (*GuardianIntervention, error) {
	row := s.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM guardian_interventions
		WHERE agent_id = ? AND kind = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, agentID, kind)
	gi, err := scanIntervention(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest intervention: %w", err)
	}
	return gi, nil
}

// ListInterventions returns interventions for an agent or ticket, newest
// first. Either filter may be empty.
func (s *Store) ListInterventions(ctx context.Context, agentID, ticketID string, limit int) ([]GuardianIntervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM guardian_interventions WHERE 1=1`
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if ticketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, ticketID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GuardianIntervention
	for rows.Next() {
		gi, err := scanIntervention(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *gi)
	}
	return out, rows.Err()
}

// SetInterventionOutcome updates an intervention's outcome.
func (s *Store) SetInterventionOutcome(ctx context.Context, id, outcome string) error {
	if _, err := s.Exec(ctx, `UPDATE guardian_interventions SET outcome = ? WHERE id = ?`, outcome, id); err != nil {
		return fmt.Errorf("set intervention outcome: %w", err)
	}
	return nil
}

func scanIntervention(scan func(...any) error) (*GuardianIntervention, error) {
	var gi GuardianIntervention
	var agentID, ticketID, evidence sql.NullString
	var createdAt string

	if err := scan(&gi.ID, &agentID, &ticketID, &gi.Kind, &gi.Message, &evidence,
		&gi.Confidence, &gi.Outcome, &createdAt); err != nil {
		return nil, err
	}

	gi.AgentID = nullString(agentID)
	gi.TicketID = nullString(ticketID)
	gi.Evidence = unmarshalStrings(evidence)
	gi.CreatedAt = parseTime(createdAt)
	return &gi, nil
}
