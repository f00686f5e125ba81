package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PhaseRow is the persisted form of a workflow phase definition. The typed
// view lives in the phase package; this row carries the JSON documents.
type PhaseRow struct {
	ID              string
	Position        int
	NextPhases      []string
	TaskTemplates   json.RawMessage
	DoneDefinitions json.RawMessage
	ExpectedOutputs []string
	PhasePrompt     string
	MandatorySteps  []string
}

const phaseColumns = `id, position, next_phases, task_templates, done_definitions, expected_outputs, phase_prompt, mandatory_steps`

// SavePhaseRow upserts a phase definition.
func (s *Store) SavePhaseRow(ctx context.Context, p *PhaseRow) error {
	next, err := marshalDoc(p.NextPhases)
	if err != nil {
		return err
	}
	outputs, err := marshalDoc(p.ExpectedOutputs)
	if err != nil {
		return err
	}
	steps, err := marshalDoc(p.MandatorySteps)
	if err != nil {
		return err
	}

	_, err = s.Exec(ctx, `
		INSERT INTO phases (`+phaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			next_phases = excluded.next_phases,
			task_templates = excluded.task_templates,
			done_definitions = excluded.done_definitions,
			expected_outputs = excluded.expected_outputs,
			phase_prompt = excluded.phase_prompt,
			mandatory_steps = excluded.mandatory_steps
	`, p.ID, p.Position, next, rawMessagePtr(p.TaskTemplates), rawMessagePtr(p.DoneDefinitions),
		outputs, strPtr(p.PhasePrompt), steps)
	if err != nil {
		return fmt.Errorf("save phase %s: %w", p.ID, err)
	}
	return nil
}

// GetPhaseRow retrieves a phase definition. Returns (nil, nil) if absent.
func (s *Store) GetPhaseRow(ctx context.Context, id string) (*PhaseRow, error) {
	row := s.QueryRow(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id = ?`, id)
	p, err := scanPhaseRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get phase %s: %w", id, err)
	}
	return p, nil
}

// ListPhaseRows returns all phase definitions ordered by position.
func (s *Store) ListPhaseRows(ctx context.Context) ([]PhaseRow, error) {
	rows, err := s.Query(ctx, `SELECT `+phaseColumns+` FROM phases ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PhaseRow
	for rows.Next() {
		p, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPhaseRow(scan func(...any) error) (*PhaseRow, error) {
	var p PhaseRow
	var next, templates, definitions, outputs, prompt, steps sql.NullString

	if err := scan(&p.ID, &p.Position, &next, &templates, &definitions, &outputs,
		&prompt, &steps); err != nil {
		return nil, err
	}

	p.NextPhases = unmarshalStrings(next)
	if templates.Valid {
		p.TaskTemplates = json.RawMessage(templates.String)
	}
	if definitions.Valid {
		p.DoneDefinitions = json.RawMessage(definitions.String)
	}
	p.ExpectedOutputs = unmarshalStrings(outputs)
	p.PhasePrompt = nullString(prompt)
	p.MandatorySteps = unmarshalStrings(steps)
	return &p, nil
}

func rawMessagePtr(m json.RawMessage) *string {
	if len(m) == 0 {
		return nil
	}
	s := string(m)
	return &s
}
