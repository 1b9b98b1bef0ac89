package queue

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmend/driftmend/internal/statedb"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		b := Backoff(i)
		if b < prev {
			t.Fatalf("backoff decreased at retry %d: %s < %s", i, b, prev)
		}
		if b > MaxBackoff {
			t.Fatalf("backoff exceeded cap at retry %d: %s", i, b)
		}
		prev = b
	}
	if Backoff(0) != time.Minute {
		t.Errorf("Backoff(0) = %s", Backoff(0))
	}
	if Backoff(6) != MaxBackoff || Backoff(100) != MaxBackoff {
		t.Error("backoff should cap at MaxBackoff")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue("bundle-1", "/e/bundle-1.json", "/e/bundle-1.sig"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	entries, err := s.ListPending(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate enqueues must collapse to one entry, got %d", len(entries))
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.Enqueue("b1", "/e/b1.json", "/e/b1.sig"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed("b1", "connection refused"); err != nil {
		t.Fatal(err)
	}

	e, err := s.Get("b1")
	if err != nil {
		t.Fatal(err)
	}
	if e.RetryCount != 1 {
		t.Errorf("retry count = %d", e.RetryCount)
	}
	if want := base.Add(2 * time.Minute); !e.NextRetryAt.Equal(want) {
		t.Errorf("next retry = %s, want %s", e.NextRetryAt, want)
	}
	if e.LastError != "connection refused" {
		t.Errorf("last error = %q", e.LastError)
	}

	// Not ready until the backoff elapses.
	ready, err := s.ListPending(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Error("entry should not be ready during backoff")
	}

	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	ready, err = s.ListPending(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Error("entry should be ready after backoff")
	}
}

func TestExhaustedEntriesStayQueued(t *testing.T) {
	s := testStore(t)
	if err := s.Enqueue("b1", "/e/b1.json", "/e/b1.sig"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		if err := s.MarkFailed("b1", "still down"); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Error("an exhausted entry must stay pending, never be dropped")
	}
	if stats.Exhausted != 1 {
		t.Errorf("exhausted = %d, want 1", stats.Exhausted)
	}
}

func TestMarkUploadedFinalizes(t *testing.T) {
	s := testStore(t)
	if err := s.Enqueue("b1", "/e/b1.json", "/e/b1.sig"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUploaded("b1"); err != nil {
		t.Fatal(err)
	}

	entries, _ := s.ListPending(false)
	if len(entries) != 0 {
		t.Error("uploaded entry must leave pending")
	}
	e, err := s.Get("b1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != "uploaded" || e.UploadedAt.IsZero() {
		t.Errorf("entry = %+v", e)
	}
}

func TestMarkRejectedParksEntry(t *testing.T) {
	s := testStore(t)
	if err := s.Enqueue("b1", "/e/b1.json", "/e/b1.sig"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRejected("b1", "bad signature"); err != nil {
		t.Fatal(err)
	}

	ready, _ := s.ListPending(true)
	if len(ready) != 0 {
		t.Error("rejected entries are never retried")
	}
	stats, _ := s.Stats()
	if stats.Rejected != 1 {
		t.Errorf("rejected = %d", stats.Rejected)
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b1", "b2", "b3"} {
		tick := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return tick }
		if err := s.Enqueue(id, "/e/"+id+".json", "/e/"+id+".sig"); err != nil {
			t.Fatal(err)
		}
	}
	s.now = time.Now

	entries, err := s.ListPending(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].BundleID != "b1" || entries[2].BundleID != "b3" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestPruneUploadedRespectsGrace(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.Enqueue("old", "/e/old.json", "/e/old.sig"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUploaded("old"); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue("pending", "/e/p.json", "/e/p.sig"); err != nil {
		t.Fatal(err)
	}

	// Inside the grace period: nothing pruned.
	s.now = func() time.Time { return base.Add(time.Hour) }
	pruned, err := s.PruneUploaded(7 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 0 {
		t.Error("upload inside grace must be retained")
	}

	// Past the grace period: the uploaded entry goes, pending stays.
	s.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	pruned, err = s.PruneUploaded(7 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned) != 1 || pruned[0].BundleID != "old" {
		t.Errorf("pruned = %+v", pruned)
	}
	stats, _ := s.Stats()
	if stats.Pending != 1 {
		t.Error("pending entries must never be pruned")
	}
}
