package tickets

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmend/driftmend/internal/remedy"
	"github.com/driftmend/driftmend/internal/statedb"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func openTicket(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.Open(context.Background(), remedy.Ticket{
		TicketID:  id,
		CheckID:   "firewall",
		HostID:    "web-01",
		Platform:  "linux",
		Severity:  "high",
		Reason:    "planner uncertain",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenListResolve(t *testing.T) {
	s := testStore(t)
	openTicket(t, s, "t1")
	openTicket(t, s, "t2")

	open, err := s.List("open", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("open tickets = %d", len(open))
	}
	if n, _ := s.OpenCount(); n != 2 {
		t.Errorf("OpenCount = %d", n)
	}

	if err := s.Resolve("t1", "restarted by hand"); err != nil {
		t.Fatal(err)
	}
	open, _ = s.List("open", 0)
	if len(open) != 1 || open[0].TicketID != "t2" {
		t.Errorf("open after resolve = %+v", open)
	}

	resolved, _ := s.List("resolved", 0)
	if len(resolved) != 1 || resolved[0].Resolution != "restarted by hand" {
		t.Errorf("resolved = %+v", resolved)
	}
	if resolved[0].ResolvedAt.IsZero() {
		t.Error("resolved_at not set")
	}
}

func TestResolveUnknownTicket(t *testing.T) {
	s := testStore(t)
	if err := s.Resolve("nope", "x"); err == nil {
		t.Fatal("expected error for unknown ticket")
	}
}

func TestResolveTwiceFails(t *testing.T) {
	s := testStore(t)
	openTicket(t, s, "t1")
	if err := s.Resolve("t1", "done"); err != nil {
		t.Fatal(err)
	}
	if err := s.Resolve("t1", "again"); err == nil {
		t.Fatal("expected error for already-resolved ticket")
	}
}
