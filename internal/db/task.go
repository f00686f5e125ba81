package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steward-dev/steward/internal/db/driver"
)

// Task statuses.
const (
	TaskPending            = "pending"
	TaskAssigned           = "assigned"
	TaskRunning            = "running"
	TaskCompleted          = "completed"
	TaskFailed             = "failed"
	TaskCancelled          = "cancelled"
	TaskTimedOut           = "timed_out"
	TaskBlockedOnDiscovery = "blocked_on_discovery"
)

// Priority levels. Discovery boosts raise a task one level.
const (
	PriorityLow      = 10
	PriorityNormal   = 100
	PriorityHigh     = 1000
	PriorityCritical = 10000
)

// BoostPriority raises a priority by one level, capped at critical.
func BoostPriority(p int) int {
	switch {
	case p < PriorityNormal:
		return PriorityNormal
	case p < PriorityHigh:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Task is an executable unit assignable to one worker.
type Task struct {
	ID                   string
	TicketID             string
	PhaseID              string
	Type                 string
	Description          string
	Status               string
	Priority             int
	Optional             bool
	AssignedAgentID      string
	RetryCount           int
	MaxRetries           int
	TimeoutSeconds       int // 0 = no timeout
	RequiredResources    []string
	RequiredCapabilities []string
	Payload              map[string]any
	Result               map[string]any
	ErrorKind            string
	ErrorDetail          string
	NextAttemptAt        *time.Time
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	UpdatedAt            time.Time
}

// Terminal reports whether the task is in a terminal status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

const taskColumns = `id, ticket_id, phase_id, type, description, status, priority, optional, assigned_agent_id, retry_count, max_retries, timeout_seconds, required_resources, required_capabilities, payload, result, error_kind, error_detail, next_attempt_at, created_at, started_at, completed_at, updated_at`

// SaveTask creates or updates a task.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return SaveTaskTx(tx, t)
	})
}

// SaveTaskTx saves a task within a transaction.
func SaveTaskTx(tx *TxOps, t *Task) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()

	resources, err := marshalDoc(t.RequiredResources)
	if err != nil {
		return err
	}
	capabilities, err := marshalDoc(t.RequiredCapabilities)
	if err != nil {
		return err
	}
	payload, err := marshalDoc(t.Payload)
	if err != nil {
		return err
	}
	result, err := marshalDoc(t.Result)
	if err != nil {
		return err
	}

	optional := 0
	if t.Optional {
		optional = 1
	}
	var timeout *int
	if t.TimeoutSeconds > 0 {
		timeout = &t.TimeoutSeconds
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			optional = excluded.optional,
			assigned_agent_id = excluded.assigned_agent_id,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			timeout_seconds = excluded.timeout_seconds,
			required_resources = excluded.required_resources,
			required_capabilities = excluded.required_capabilities,
			payload = excluded.payload,
			result = excluded.result,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			next_attempt_at = excluded.next_attempt_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, t.ID, t.TicketID, t.PhaseID, t.Type, strPtr(t.Description), t.Status, t.Priority, optional,
		strPtr(t.AssignedAgentID), t.RetryCount, t.MaxRetries, timeout, resources, capabilities,
		payload, result, strPtr(t.ErrorKind), strPtr(t.ErrorDetail), fmtTimePtr(t.NextAttemptAt),
		fmtTime(t.CreatedAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTaskTx retrieves a task within a transaction.
func GetTaskTx(tx *TxOps, id string) (*Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter selects tasks for listing.
type TaskFilter struct {
	TicketID string
	PhaseID  string
	Status   string
	AgentID  string
	Limit    int
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	if f.PhaseID != "" {
		where = append(where, "phase_id = ?")
		args = append(args, f.PhaseID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, f.AgentID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// ListTasksTx returns tasks matching the filter within a transaction; gate
// validation reads phase tasks in the same transaction as the transition.
func ListTasksTx(tx *TxOps, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID)
	}
	if f.PhaseID != "" {
		where = append(where, "phase_id = ?")
		args = append(args, f.PhaseID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// ReadyTasks returns pending tasks whose dependencies are all completed and
// whose retry backoff has elapsed, ordered by priority descending then
// creation time ascending.
func (s *Store) ReadyTasks(ctx context.Context, phaseID string, limit int, now time.Time) ([]Task, error) {
	query := `
		SELECT ` + prefixColumns("t", taskColumns) + `
		FROM tasks t
		WHERE t.status = ?
		  AND (t.next_attempt_at IS NULL OR t.next_attempt_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dt ON dt.id = d.depends_on
			WHERE d.task_id = t.id AND dt.status != ?
		  )`
	args := []any{TaskPending, fmtTime(now), TaskCompleted}
	if phaseID != "" {
		query += " AND t.phase_id = ?"
		args = append(args, phaseID)
	}
	query += " ORDER BY t.priority DESC, t.created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// OldestPendingReady returns the single oldest ready task irrespective of
// priority; used by the dispatcher's fairness window.
func (s *Store) OldestPendingReady(ctx context.Context, now time.Time) (*Task, error) {
	query := `
		SELECT ` + prefixColumns("t", taskColumns) + `
		FROM tasks t
		WHERE t.status = ?
		  AND (t.next_attempt_at IS NULL OR t.next_attempt_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dt ON dt.id = d.depends_on
			WHERE d.task_id = t.id AND dt.status != ?
		  )
		ORDER BY t.created_at ASC
		LIMIT 1`
	row := s.QueryRow(ctx, query, TaskPending, fmtTime(now), TaskCompleted)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return t, nil
}

// OverdueTasks returns running tasks whose timeout has elapsed.
func (s *Store) OverdueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND timeout_seconds IS NOT NULL AND started_at IS NOT NULL
	`, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("overdue tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	all, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	var overdue []Task
	for _, t := range all {
		if t.StartedAt != nil && now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSeconds)*time.Second {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

// --- Dependencies ---

// AddTaskDependencyTx records that taskID depends on dependsOn.
func AddTaskDependencyTx(tx *TxOps, taskID, dependsOn string) error {
	var query string
	if tx.Dialect() == driver.DialectSQLite {
		query = `INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`
	} else {
		query = `INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?) ON CONFLICT DO NOTHING`
	}
	if _, err := tx.Exec(query, taskID, dependsOn); err != nil {
		return fmt.Errorf("add task dependency: %w", err)
	}
	return nil
}

// GetTaskDependencies retrieves IDs of tasks that taskID depends on.
func (s *Store) GetTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.Query(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// TicketDependencyEdges returns all dependency edges among a ticket's tasks
// as a map from task id to its dependency ids.
func (s *Store) TicketDependencyEdges(ctx context.Context, ticketID string) (map[string][]string, error) {
	rows, err := s.Query(ctx, ticketEdgesQuery, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket dependency edges: %w", err)
	}
	return collectEdges(rows)
}

// TicketDependencyEdgesTx is TicketDependencyEdges inside a transaction, for
// cycle checks that must see edges not yet committed.
func TicketDependencyEdgesTx(tx *TxOps, ticketID string) (map[string][]string, error) {
	rows, err := tx.Query(ticketEdgesQuery, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket dependency edges: %w", err)
	}
	return collectEdges(rows)
}

const ticketEdgesQuery = `
	SELECT d.task_id, d.depends_on
	FROM task_dependencies d
	JOIN tasks t ON t.id = d.task_id
	WHERE t.ticket_id = ?
	ORDER BY d.task_id
`

func collectEdges(rows *sql.Rows) (map[string][]string, error) {
	defer func() { _ = rows.Close() }()

	edges := make(map[string][]string)
	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[taskID] = append(edges[taskID], dependsOn)
	}
	return edges, rows.Err()
}

// GetTaskDependents retrieves IDs of tasks that depend on taskID.
func (s *Store) GetTaskDependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.Query(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on = ? ORDER BY task_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// --- Scanners ---

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var description, agentID, resources, capabilities, payload, result, errorKind, errorDetail sql.NullString
	var nextAttempt, startedAt, completedAt sql.NullString
	var timeout sql.NullInt64
	var optional int
	var createdAt, updatedAt string

	if err := scan(&t.ID, &t.TicketID, &t.PhaseID, &t.Type, &description, &t.Status, &t.Priority,
		&optional, &agentID, &t.RetryCount, &t.MaxRetries, &timeout, &resources, &capabilities,
		&payload, &result, &errorKind, &errorDetail, &nextAttempt, &createdAt, &startedAt,
		&completedAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Description = nullString(description)
	t.Optional = optional == 1
	t.AssignedAgentID = nullString(agentID)
	if timeout.Valid {
		t.TimeoutSeconds = int(timeout.Int64)
	}
	t.RequiredResources = unmarshalStrings(resources)
	t.RequiredCapabilities = unmarshalStrings(capabilities)
	t.Payload = unmarshalMap(payload)
	t.Result = unmarshalMap(result)
	t.ErrorKind = nullString(errorKind)
	t.ErrorDetail = nullString(errorDetail)
	t.NextAttemptAt = parseTimeNull(nextAttempt)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTimeNull(startedAt)
	t.CompletedAt = parseTimeNull(completedAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
