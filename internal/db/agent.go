package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Agent statuses.
const (
	AgentIdle        = "idle"
	AgentBusy        = "busy"
	AgentUnreachable = "unreachable"
	AgentDisabled    = "disabled"
)

// Agent is a registered worker that executes tasks.
type Agent struct {
	ID            string
	Name          string
	Status        string
	Capabilities  []string
	Capacity      int
	CurrentLoad   int
	Tags          []string
	HealthScore   float64
	Attributes    map[string]any
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Dispatchable reports whether the agent can accept a task right now given
// the staleness window.
func (a *Agent) Dispatchable(now time.Time, staleAfter time.Duration, minHealth float64) bool {
	if a.Status != AgentIdle && a.Status != AgentBusy {
		return false
	}
	if a.CurrentLoad >= a.Capacity {
		return false
	}
	if a.HealthScore < minHealth {
		return false
	}
	if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > staleAfter {
		return false
	}
	return true
}

const agentColumns = `id, name, status, capabilities, capacity, current_load, tags, health_score, attributes, last_heartbeat, created_at, updated_at`

// SaveAgent creates or updates an agent registration.
func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return SaveAgentTx(tx, a)
	})
}

// SaveAgentTx saves an agent within a transaction.
func SaveAgentTx(tx *TxOps, a *Agent) error {
	if a.Status == "" {
		a.Status = AgentIdle
	}
	if a.Capacity == 0 {
		a.Capacity = 1
	}
	if a.HealthScore == 0 {
		a.HealthScore = 1.0
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()

	capabilities, err := marshalDoc(a.Capabilities)
	if err != nil {
		return err
	}
	tags, err := marshalDoc(a.Tags)
	if err != nil {
		return err
	}
	attributes, err := marshalDoc(a.Attributes)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capabilities = excluded.capabilities,
			capacity = excluded.capacity,
			current_load = excluded.current_load,
			tags = excluded.tags,
			health_score = excluded.health_score,
			attributes = excluded.attributes,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, a.ID, a.Name, a.Status, capabilities, a.Capacity, a.CurrentLoad, tags,
		a.HealthScore, attributes, fmtTimePtr(a.LastHeartbeat),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns (nil, nil) if absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// GetAgentTx retrieves an agent within a transaction.
func GetAgentTx(tx *TxOps, id string) (*Agent, error) {
	row := tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// AgentFilter selects agents for listing.
type AgentFilter struct {
	Status string
}

// ListAgents returns agents matching the filter, ordered by id.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY id ASC"

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.Exec(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// TouchHeartbeat records a heartbeat timestamp. An unreachable agent that
// heartbeats again returns to idle or busy depending on its load.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.Exec(ctx, `
		UPDATE agents
		SET last_heartbeat = ?,
		    status = CASE
		        WHEN status = ? AND current_load > 0 THEN ?
		        WHEN status = ? THEN ?
		        ELSE status
		    END,
		    updated_at = ?
		WHERE id = ? AND status != ?
	`, fmtTime(at),
		AgentUnreachable, AgentBusy,
		AgentUnreachable, AgentIdle,
		fmtTime(time.Now().UTC()), id, AgentDisabled)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// StaleAgents returns non-disabled agents whose last heartbeat predates the
// cutoff (or who never heartbeated).
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]Agent, error) {
	rows, err := s.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE status IN (?, ?)
		  AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY id ASC
	`, AgentIdle, AgentBusy, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ReserveAgentSlotTx increments an agent's load iff capacity allows. Returns
// false when the agent is full or not dispatchable; load never exceeds
// declared capacity.
func ReserveAgentSlotTx(tx *TxOps, agentID string) (bool, error) {
	res, err := tx.Exec(`
		UPDATE agents
		SET current_load = current_load + 1,
		    status = ?,
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND current_load < capacity
	`, AgentBusy, fmtTime(time.Now().UTC()), agentID, AgentIdle, AgentBusy)
	if err != nil {
		return false, fmt.Errorf("reserve agent slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseAgentSlotTx decrements an agent's load, flipping it back to idle at
// zero. Load never goes negative.
func ReleaseAgentSlotTx(tx *TxOps, agentID string) error {
	_, err := tx.Exec(`
		UPDATE agents
		SET current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END,
		    updated_at = ?
		WHERE id = ?
	`, fmtTime(time.Now().UTC()), agentID)
	if err != nil {
		return fmt.Errorf("release agent slot: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE agents SET status = ? WHERE id = ? AND status = ? AND current_load = 0
	`, AgentIdle, agentID, AgentBusy)
	if err != nil {
		return fmt.Errorf("release agent slot: %w", err)
	}
	return nil
}

func scanAgent(scan func(...any) error) (*Agent, error) {
	var a Agent
	var capabilities, tags, attributes, lastHeartbeat sql.NullString
	var createdAt, updatedAt string

	if err := scan(&a.ID, &a.Name, &a.Status, &capabilities, &a.Capacity, &a.CurrentLoad,
		&tags, &a.HealthScore, &attributes, &lastHeartbeat, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	a.Capabilities = unmarshalStrings(capabilities)
	a.Tags = unmarshalStrings(tags)
	a.Attributes = unmarshalMap(attributes)
	a.LastHeartbeat = parseTimeNull(lastHeartbeat)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// HasCapabilities reports whether the agent advertises every required
// capability.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range a.Capabilities {
			if strings.EqualFold(c, r) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CapabilityMatchRatio is the fraction of required capabilities the agent
// advertises; 1.0 when nothing is required.
func (a *Agent) CapabilityMatchRatio(required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, r := range required {
		for _, c := range a.Capabilities {
			if strings.EqualFold(c, r) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(required))
}
