package remedy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftmend/driftmend/internal/drift"
)

// Ticket is a durable record requesting human review of a drift the
// automated tiers could not resolve.
type Ticket struct {
	TicketID  string
	CheckID   string
	HostID    string
	Platform  string
	Severity  string
	Reason    string
	CreatedAt time.Time
}

// TicketSink persists escalation tickets. Extracted as an interface so
// the pipeline can be tested without a database.
type TicketSink interface {
	Open(ctx context.Context, t Ticket) error
}

// Escalator is the tier-3 sink: it raises a ticket and reports the
// cycle as escalated, never as failed.
type Escalator struct {
	sink   TicketSink
	logger *slog.Logger
}

// NewEscalator creates a tier-3 escalator over the ticket sink.
func NewEscalator(sink TicketSink, logger *slog.Logger) *Escalator {
	return &Escalator{sink: sink, logger: logger}
}

// Escalate opens a ticket for the event. The returned result always has
// Outcome=escalated, Escalated=true, and an empty Err: no fix was
// attempted, which is a different state from a fix that failed.
func (e *Escalator) Escalate(ctx context.Context, ev drift.Event, reason string, started time.Time) (Result, error) {
	t := Ticket{
		TicketID:  uuid.New().String(),
		CheckID:   ev.CheckID,
		HostID:    ev.HostID,
		Platform:  ev.Platform,
		Severity:  ev.Severity,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.sink.Open(ctx, t); err != nil {
		return Result{}, fmt.Errorf("opening escalation ticket: %w", err)
	}
	e.logger.Warn("escalated to human review",
		"ticket_id", t.TicketID, "check_id", ev.CheckID, "reason", reason)

	return Result{
		CheckID:   ev.CheckID,
		HostID:    ev.HostID,
		Platform:  ev.Platform,
		Tier:      3,
		Outcome:   OutcomeEscalated,
		Escalated: true,
		TicketID:  t.TicketID,
		PreState:  ev.ObservedState,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}, nil
}
