package drift

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func spoolEvent(t *testing.T, dir, name, checkID string) {
	t.Helper()
	ev := Event{
		CheckID:       checkID,
		HostID:        "web-01",
		DetectedAt:    time.Now().UTC(),
		Severity:      "high",
		Platform:      "linux",
		ObservedState: map[string]string{"state": "bad"},
		BaselineState: map[string]string{"state": "good"},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestPendingClaimsExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	spoolEvent(t, dir, "001.json", "firewall")
	spoolEvent(t, dir, "002.json", "time_sync")

	events, err := src.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}

	// A second pass sees nothing: each event is handed out exactly once.
	events, err = src.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("second pass returned %d events", len(events))
	}
}

func TestPendingLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	spoolEvent(t, dir, "20260801T120500-b.json", "second")
	spoolEvent(t, dir, "20260801T120000-a.json", "first")

	events, err := src.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].CheckID != "first" || events[1].CheckID != "second" {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestPendingSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "001.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Missing required fields is also malformed.
	if err := os.WriteFile(filepath.Join(dir, "002.json"), []byte(`{"check_id":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	spoolEvent(t, dir, "003.json", "good")

	events, err := src.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].CheckID != "good" {
		t.Errorf("events = %+v", events)
	}
}

func TestPendingIgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	events, err := src.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v", events)
	}
}

func TestParseEventValidates(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"check_id":"x","host_id":"h","platform":"linux"}`)); err == nil {
		t.Error("missing detected_at should fail validation")
	}
	if _, err := ParseEvent([]byte(`{}`)); err == nil {
		t.Error("empty event should fail validation")
	}
}

func TestEventKey(t *testing.T) {
	ev := Event{CheckID: "firewall", HostID: "web-01"}
	if ev.Key() != "web-01/firewall" {
		t.Errorf("key = %s", ev.Key())
	}
}
