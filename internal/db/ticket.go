package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Ticket statuses.
const (
	TicketActive   = "active"
	TicketBlocked  = "blocked"
	TicketDone     = "done"
	TicketArchived = "archived"
)

// Ticket is a user-submitted unit of work traversing the phase workflow.
type Ticket struct {
	ID              string
	Title           string
	Description     string
	OwnerID         string
	CurrentPhase    string
	PreviousPhase   string
	Priority        int
	Status          string
	Context         map[string]any
	ContextSummary  string
	BlockingReasons []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const ticketColumns = `id, title, description, owner_id, current_phase, previous_phase, priority, status, context, context_summary, blocking_reasons, created_at, updated_at`

// SaveTicket creates or updates a ticket.
func (s *Store) SaveTicket(ctx context.Context, t *Ticket) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return SaveTicketTx(tx, t)
	})
}

// SaveTicketTx saves a ticket within a transaction.
func SaveTicketTx(tx *TxOps, t *Ticket) error {
	if t.Status == "" {
		t.Status = TicketActive
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()

	contextJSON, err := marshalDoc(t.Context)
	if err != nil {
		return err
	}
	reasonsJSON, err := marshalDoc(t.BlockingReasons)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			owner_id = excluded.owner_id,
			current_phase = excluded.current_phase,
			previous_phase = excluded.previous_phase,
			priority = excluded.priority,
			status = excluded.status,
			context = excluded.context,
			context_summary = excluded.context_summary,
			blocking_reasons = excluded.blocking_reasons,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, strPtr(t.Description), t.OwnerID, t.CurrentPhase, strPtr(t.PreviousPhase),
		t.Priority, t.Status, contextJSON, strPtr(t.ContextSummary), reasonsJSON,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID. Returns (nil, nil) if absent.
func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	row := s.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// GetTicketTx retrieves a ticket within a transaction.
func GetTicketTx(tx *TxOps, id string) (*Ticket, error) {
	row := tx.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// TicketFilter selects tickets for listing.
type TicketFilter struct {
	Status  string
	OwnerID string
	Phase   string
	Limit   int
	Offset  int
}

// ListTickets returns tickets matching the filter, newest first.
func (s *Store) ListTickets(ctx context.Context, f TicketFilter) ([]Ticket, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Phase != "" {
		where = append(where, "current_phase = ?")
		args = append(args, f.Phase)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// ListActiveTickets returns all non-terminal tickets.
func (s *Store) ListActiveTickets(ctx context.Context) ([]Ticket, error) {
	return s.ListTickets(ctx, TicketFilter{Status: TicketActive})
}

// DeleteTicket removes a ticket and, via cascade, its tasks, history and
// artifacts.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	if _, err := s.Exec(ctx, `DELETE FROM tickets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

func scanTicket(scan func(...any) error) (*Ticket, error) {
	var t Ticket
	var description, previousPhase, contextJSON, summary, reasons sql.NullString
	var createdAt, updatedAt string

	if err := scan(&t.ID, &t.Title, &description, &t.OwnerID, &t.CurrentPhase, &previousPhase,
		&t.Priority, &t.Status, &contextJSON, &summary, &reasons, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Description = nullString(description)
	t.PreviousPhase = nullString(previousPhase)
	t.Context = unmarshalMap(contextJSON)
	t.ContextSummary = nullString(summary)
	t.BlockingReasons = unmarshalStrings(reasons)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
