package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Discovery types. Callers may record other free-form types.
const (
	DiscoveryBugFound          = "bug_found"
	DiscoveryOptimization      = "optimization"
	DiscoveryClarification     = "clarification_needed"
	DiscoveryMissingDependency = "missing_dependency"
)

// Discovery resolutions.
const (
	DiscoveryOpen     = "open"
	DiscoveryResolved = "resolved"
	DiscoveryIgnored  = "ignored"
)

// TaskDiscovery records a branching event where a running task identified
// additional work.
type TaskDiscovery struct {
	ID            string
	SourceTaskID  string
	Type          string
	Description   string
	SpawnedTaskID string
	SpawnedPhase  string
	PriorityBoost bool
	Resolution    string
	CreatedAt     time.Time
}

const discoveryColumns = `id, source_task_id, type, description, spawned_task_id, spawned_phase_id, priority_boost, resolution, created_at`

// SaveDiscoveryTx saves a discovery within a transaction.
func SaveDiscoveryTx(tx *TxOps, d *TaskDiscovery) error {
	if d.Resolution == "" {
		d.Resolution = DiscoveryOpen
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	boost := 0
	if d.PriorityBoost {
		boost = 1
	}
	_, err := tx.Exec(`
		INSERT INTO task_discoveries (`+discoveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spawned_task_id = excluded.spawned_task_id,
			spawned_phase_id = excluded.spawned_phase_id,
			resolution = excluded.resolution
	`, d.ID, d.SourceTaskID, d.Type, strPtr(d.Description), strPtr(d.SpawnedTaskID),
		strPtr(d.SpawnedPhase), boost, d.Resolution, fmtTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("save discovery: %w", err)
	}
	return nil
}

// GetDiscovery retrieves a discovery by ID. Returns (nil, nil) if absent.
func (s *Store) GetDiscovery(ctx context.Context, id string) (*TaskDiscovery, error) {
	row := s.QueryRow(ctx, `SELECT `+discoveryColumns+` FROM task_discoveries WHERE id = ?`, id)
	d, err := scanDiscovery(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get discovery %s: %w", id, err)
	}
	return d, nil
}

// ListDiscoveriesForTicket returns all discoveries whose source task belongs
// to the ticket, oldest first.
func (s *Store) ListDiscoveriesForTicket(ctx context.Context, ticketID string) ([]TaskDiscovery, error) {
	rows, err := s.Query(ctx, `
		SELECT `+prefixColumns("d", discoveryColumns)+`
		FROM task_discoveries d
		JOIN tasks t ON t.id = d.source_task_id
		WHERE t.ticket_id = ?
		ORDER BY d.created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskDiscovery
	for rows.Next() {
		d, err := scanDiscovery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// OpenDiscoveriesBySpawnedTask returns open discoveries whose spawned task is
// the given task; used to release blocked source tasks on completion.
func (s *Store) OpenDiscoveriesBySpawnedTask(ctx context.Context, spawnedTaskID string) ([]TaskDiscovery, error) {
	rows, err := s.Query(ctx, `
		SELECT `+discoveryColumns+`
		FROM task_discoveries
		WHERE spawned_task_id = ? AND resolution = ?
		ORDER BY created_at ASC
	`, spawnedTaskID, DiscoveryOpen)
	if err != nil {
		return nil, fmt.Errorf("discoveries by spawned task: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskDiscovery
	for rows.Next() {
		d, err := scanDiscovery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ResolveDiscoveryTx marks a discovery's resolution.
func ResolveDiscoveryTx(tx *TxOps, id, resolution string) error {
	if _, err := tx.Exec(`UPDATE task_discoveries SET resolution = ? WHERE id = ?`, resolution, id); err != nil {
		return fmt.Errorf("resolve discovery: %w", err)
	}
	return nil
}

func scanDiscovery(scan func(...any) error) (*TaskDiscovery, error) {
	var d TaskDiscovery
	var description, spawnedTask, spawnedPhase sql.NullString
	var boost int
	var createdAt string

	if err := scan(&d.ID, &d.SourceTaskID, &d.Type, &description, &spawnedTask,
		&spawnedPhase, &boost, &d.Resolution, &createdAt); err != nil {
		return nil, err
	}

	d.Description = nullString(description)
	d.SpawnedTaskID = nullString(spawnedTask)
	d.SpawnedPhase = nullString(spawnedPhase)
	d.PriorityBoost = boost == 1
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}
