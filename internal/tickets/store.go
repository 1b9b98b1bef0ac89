// Package tickets persists tier-3 escalation tickets for human review.
package tickets

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmend/driftmend/internal/remedy"
)

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	ticket_id TEXT PRIMARY KEY,
	check_id TEXT NOT NULL,
	host_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	severity TEXT,
	reason TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	created_at TEXT NOT NULL,
	resolved_at TEXT,
	resolution TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
`

// Ticket is a stored escalation ticket.
type Ticket struct {
	TicketID   string
	CheckID    string
	HostID     string
	Platform   string
	Severity   string
	Reason     string
	Status     string // open, resolved
	CreatedAt  time.Time
	ResolvedAt time.Time
	Resolution string
}

// Store manages the tickets table. It implements remedy.TicketSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the ticket store, creating tables as needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating tickets schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Open durably records an escalation ticket.
func (s *Store) Open(ctx context.Context, t remedy.Ticket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (ticket_id, check_id, host_id, platform, severity, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'open', ?)`,
		t.TicketID, t.CheckID, t.HostID, t.Platform, t.Severity, t.Reason,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket %s: %w", t.TicketID, err)
	}
	return nil
}

// List returns tickets, optionally filtered by status, newest first.
func (s *Store) List(status string, limit int) ([]Ticket, error) {
	query := `SELECT ticket_id, check_id, host_id, platform, severity, reason, status, created_at, resolved_at, resolution
		FROM tickets WHERE 1=1`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		var severity, resolvedAt, resolution sql.NullString
		var createdAt string
		if err := rows.Scan(&t.TicketID, &t.CheckID, &t.HostID, &t.Platform, &severity,
			&t.Reason, &t.Status, &createdAt, &resolvedAt, &resolution); err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		t.Severity = severity.String
		t.Resolution = resolution.String
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if resolvedAt.Valid && resolvedAt.String != "" {
			if t.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt.String); err != nil {
				return nil, fmt.Errorf("parsing resolved_at: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OpenCount returns the number of open tickets.
func (s *Store) OpenCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE status = 'open'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting open tickets: %w", err)
	}
	return n, nil
}

// Resolve closes a ticket with a resolution note.
func (s *Store) Resolve(ticketID, resolution string) error {
	res, err := s.db.Exec(
		`UPDATE tickets SET status = 'resolved', resolved_at = ?, resolution = ? WHERE ticket_id = ? AND status = 'open'`,
		time.Now().UTC().Format(time.RFC3339Nano), resolution, ticketID,
	)
	if err != nil {
		return fmt.Errorf("resolving ticket %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found or already resolved", ticketID)
	}
	s.logger.Info("ticket resolved", "ticket_id", ticketID)
	return nil
}
