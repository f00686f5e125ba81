package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Constraint is a persistent instruction an agent must honor. Lifted
// constraints remain visible but no longer bind.
type Constraint struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
	Lifted bool   `json:"lifted,omitempty"`
}

// PhaseSummary is a timestamped digest of a completed phase.
type PhaseSummary struct {
	PhaseID string    `json:"phase_id"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// TrajectoryContext is the accumulated reasoning state for one agent. It is
// re-derivable from the event log and cached here.
type TrajectoryContext struct {
	AgentID       string
	TaskID        string
	Goal          string
	Constraints   []Constraint
	Instructions  []string
	Summaries     []PhaseSummary
	RecentActions []string
	DriftSignals  []string
	UpdatedAt     time.Time
}

const trajectoryColumns = `agent_id, task_id, goal, constraints, instructions, summaries, recent_actions, drift_signals, updated_at`

// SaveTrajectory upserts an agent's trajectory context.
func (s *Store) SaveTrajectory(ctx context.Context, tc *TrajectoryContext) error {
	tc.UpdatedAt = time.Now().UTC()

	constraints, err := marshalJSON(tc.Constraints)
	if err != nil {
		return err
	}
	instructions, err := marshalDoc(tc.Instructions)
	if err != nil {
		return err
	}
	summaries, err := marshalJSON(tc.Summaries)
	if err != nil {
		return err
	}
	actions, err := marshalDoc(tc.RecentActions)
	if err != nil {
		return err
	}
	signals, err := marshalDoc(tc.DriftSignals)
	if err != nil {
		return err
	}

	_, err = s.Exec(ctx, `
		INSERT INTO trajectory_contexts (`+trajectoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			task_id = excluded.task_id,
			goal = excluded.goal,
			constraints = excluded.constraints,
			instructions = excluded.instructions,
			summaries = excluded.summaries,
			recent_actions = excluded.recent_actions,
			drift_signals = excluded.drift_signals,
			updated_at = excluded.updated_at
	`, tc.AgentID, strPtr(tc.TaskID), strPtr(tc.Goal), constraints, instructions,
		summaries, actions, signals, fmtTime(tc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save trajectory: %w", err)
	}
	return nil
}

// GetTrajectory retrieves an agent's trajectory context. Returns (nil, nil)
// if absent.
func (s *Store) GetTrajectory(ctx context.Context, agentID string) (*TrajectoryContext, error) {
	row := s.QueryRow(ctx, `SELECT `+trajectoryColumns+` FROM trajectory_contexts WHERE agent_id = ?`, agentID)

	var tc TrajectoryContext
	var taskID, goal, constraints, instructions, summaries, actions, signals sql.NullString
	var updatedAt string
	err := row.Scan(&tc.AgentID, &taskID, &goal, &constraints, &instructions,
		&summaries, &actions, &signals, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get trajectory %s: %w", agentID, err)
	}

	tc.TaskID = nullString(taskID)
	tc.Goal = nullString(goal)
	if constraints.Valid {
		_ = json.Unmarshal([]byte(constraints.String), &tc.Constraints)
	}
	tc.Instructions = unmarshalStrings(instructions)
	if summaries.Valid {
		_ = json.Unmarshal([]byte(summaries.String), &tc.Summaries)
	}
	tc.RecentActions = unmarshalStrings(actions)
	tc.DriftSignals = unmarshalStrings(signals)
	tc.UpdatedAt = parseTime(updatedAt)
	return &tc, nil
}

// DeleteTrajectory drops an agent's cached trajectory context.
func (s *Store) DeleteTrajectory(ctx context.Context, agentID string) error {
	if _, err := s.Exec(ctx, `DELETE FROM trajectory_contexts WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete trajectory: %w", err)
	}
	return nil
}

// marshalJSON serializes typed slices to a nullable JSON column.
func marshalJSON(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	s := string(b)
	return &s, nil
}
