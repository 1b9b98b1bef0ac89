// Package queue is the durable, crash-safe store of evidence bundles
// awaiting upload.
//
// Entries live in the agent's SQLite state database (write-ahead
// durability, no partial rows on crash). An entry leaves the pending
// state only through MarkUploaded or MarkRejected; retry exhaustion
// surfaces as a health signal and never drops evidence.
package queue

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS evidence_queue (
	queue_id TEXT PRIMARY KEY,
	bundle_id TEXT NOT NULL UNIQUE,
	bundle_path TEXT NOT NULL,
	signature_path TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT NOT NULL,
	last_error TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	uploaded_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_status ON evidence_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_ready ON evidence_queue(status, next_retry_at);
`

// MaxBackoff caps the retry delay.
const MaxBackoff = 60 * time.Minute

// Entry is one queued evidence bundle.
type Entry struct {
	QueueID       string
	BundleID      string
	BundlePath    string
	SignaturePath string
	RetryCount    int
	NextRetryAt   time.Time
	LastError     string
	Status        string // pending, uploaded, rejected
	CreatedAt     time.Time
	UploadedAt    time.Time // zero unless uploaded
}

// Stats summarizes queue health for check-ins and metrics.
type Stats struct {
	Pending   int
	Exhausted int // pending entries past the retry budget; operator attention needed
	Rejected  int
	Uploaded  int
}

// Store manages the queue tables.
type Store struct {
	db         *sql.DB
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// New creates the queue store, creating tables as needed.
func New(db *sql.DB, maxRetries int, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}
	return &Store{db: db, maxRetries: maxRetries, logger: logger, now: time.Now}, nil
}

// Backoff returns the retry delay for a given retry count:
// min(60 minutes, 2^retryCount minutes). Monotonic and capped.
func Backoff(retryCount int) time.Duration {
	if retryCount >= 6 {
		return MaxBackoff
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// Enqueue adds a bundle to the queue. Idempotent on bundle_id: a
// duplicate enqueue is a no-op, not an error, since retries may
// re-attempt enqueue after a partial failure.
func (s *Store) Enqueue(bundleID, bundlePath, sigPath string) error {
	now := s.now().UTC()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO evidence_queue
			(queue_id, bundle_id, bundle_path, signature_path, retry_count, next_retry_at, status, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, 'pending', ?)`,
		uuid.New().String(), bundleID, bundlePath, sigPath,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", bundleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("duplicate enqueue ignored", "bundle_id", bundleID)
	}
	return nil
}

// ListPending returns pending entries, oldest first. With readyOnly,
// only entries whose next_retry_at has passed are returned; backoff can
// therefore reorder readiness across bundle ids (the ordering guarantee
// is per check, enforced upstream by detection-order enqueueing).
func (s *Store) ListPending(readyOnly bool) ([]Entry, error) {
	query := `SELECT queue_id, bundle_id, bundle_path, signature_path, retry_count,
			next_retry_at, last_error, status, created_at, uploaded_at
		FROM evidence_queue WHERE status = 'pending'`
	var args []any
	if readyOnly {
		query += " AND next_retry_at <= ?"
		args = append(args, s.now().UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkUploaded finalizes an entry after a confirmed upload. This is the
// only path that takes an entry out of pending into uploaded.
func (s *Store) MarkUploaded(bundleID string) error {
	_, err := s.db.Exec(
		`UPDATE evidence_queue SET status = 'uploaded', uploaded_at = ? WHERE bundle_id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), bundleID,
	)
	if err != nil {
		return fmt.Errorf("marking %s uploaded: %w", bundleID, err)
	}
	return nil
}

// MarkFailed records an upload failure: increments retry_count and
// pushes next_retry_at out with capped exponential backoff. An entry
// past the retry budget stays queued; it surfaces through Stats.
func (s *Store) MarkFailed(bundleID, errMsg string) error {
	var retryCount int
	err := s.db.QueryRow(
		`SELECT retry_count FROM evidence_queue WHERE bundle_id = ?`, bundleID,
	).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", bundleID, err)
	}

	retryCount++
	next := s.now().UTC().Add(Backoff(retryCount))
	_, err = s.db.Exec(
		`UPDATE evidence_queue SET retry_count = ?, next_retry_at = ?, last_error = ? WHERE bundle_id = ?`,
		retryCount, next.Format(time.RFC3339Nano), errMsg, bundleID,
	)
	if err != nil {
		return fmt.Errorf("marking %s failed: %w", bundleID, err)
	}
	if retryCount >= s.maxRetries {
		s.logger.Error("queue entry past retry budget, needs operator attention",
			"bundle_id", bundleID, "retry_count", retryCount, "last_error", errMsg)
	}
	return nil
}

// MarkRejected parks an entry the central service refused (schema or
// signature failure). Rejections are not retried, but the entry is
// retained as evidence of the rejection.
func (s *Store) MarkRejected(bundleID, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE evidence_queue SET status = 'rejected', last_error = ? WHERE bundle_id = ?`,
		errMsg, bundleID,
	)
	if err != nil {
		return fmt.Errorf("marking %s rejected: %w", bundleID, err)
	}
	s.logger.Error("evidence rejected by central service", "bundle_id", bundleID, "error", errMsg)
	return nil
}

// Get returns the entry for a bundle id.
func (s *Store) Get(bundleID string) (Entry, error) {
	row := s.db.QueryRow(
		`SELECT queue_id, bundle_id, bundle_path, signature_path, retry_count,
			next_retry_at, last_error, status, created_at, uploaded_at
		FROM evidence_queue WHERE bundle_id = ?`, bundleID)
	return scanEntry(row)
}

// Stats reports queue health counters.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(
		`SELECT
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'pending' AND retry_count >= ?), 0),
			COALESCE(SUM(status = 'rejected'), 0),
			COALESCE(SUM(status = 'uploaded'), 0)
		FROM evidence_queue`, s.maxRetries,
	).Scan(&st.Pending, &st.Exhausted, &st.Rejected, &st.Uploaded)
	if err != nil {
		return Stats{}, fmt.Errorf("querying queue stats: %w", err)
	}
	return st, nil
}

// PruneUploaded removes uploaded entries older than the grace period
// and returns their bundle/signature paths so the caller can delete the
// files. Pending and rejected entries are never pruned.
func (s *Store) PruneUploaded(grace time.Duration) ([]Entry, error) {
	cutoff := s.now().UTC().Add(-grace).Format(time.RFC3339Nano)
	rows, err := s.db.Query(
		`SELECT queue_id, bundle_id, bundle_path, signature_path, retry_count,
			next_retry_at, last_error, status, created_at, uploaded_at
		FROM evidence_queue WHERE status = 'uploaded' AND uploaded_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying prunable entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pruned []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		pruned = append(pruned, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range pruned {
		if _, err := s.db.Exec(`DELETE FROM evidence_queue WHERE queue_id = ?`, e.QueueID); err != nil {
			return nil, fmt.Errorf("pruning %s: %w", e.BundleID, err)
		}
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var nextRetry, createdAt string
	var lastErr, uploadedAt sql.NullString
	if err := row.Scan(&e.QueueID, &e.BundleID, &e.BundlePath, &e.SignaturePath,
		&e.RetryCount, &nextRetry, &lastErr, &e.Status, &createdAt, &uploadedAt); err != nil {
		return Entry{}, fmt.Errorf("scanning queue row: %w", err)
	}
	e.LastError = lastErr.String
	var err error
	if e.NextRetryAt, err = time.Parse(time.RFC3339Nano, nextRetry); err != nil {
		return Entry{}, fmt.Errorf("parsing next_retry_at: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if uploadedAt.Valid && uploadedAt.String != "" {
		if e.UploadedAt, err = time.Parse(time.RFC3339Nano, uploadedAt.String); err != nil {
			return Entry{}, fmt.Errorf("parsing uploaded_at: %w", err)
		}
	}
	return e, nil
}
