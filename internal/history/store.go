// Package history keeps the durable record of remediation results.
//
// The tier pipeline writes every result here; the promotion flywheel
// mines the tier-2 rows, and the planner draws its bounded incident
// context from the most recent entries.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/remedy"
)

const schema = `
CREATE TABLE IF NOT EXISTS remediations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	check_id TEXT NOT NULL,
	host_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	tier INTEGER NOT NULL,
	action TEXT,
	outcome TEXT NOT NULL,
	escalated INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	pattern_signature TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_remediations_check ON remediations(check_id, platform);
CREATE INDEX IF NOT EXISTS idx_remediations_pattern ON remediations(tier, pattern_signature);
`

// PatternStat aggregates tier-2 attempts sharing a normalized signature.
type PatternStat struct {
	Signature   string
	CheckID     string
	Platform    string
	Action      string
	Occurrences int
	Successes   int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Store manages the remediations table. It implements remedy.Recorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the history store, creating tables as needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// PatternSignature normalizes a remediation into the key the flywheel
// aggregates on: what was drifted, where, and what fixed it.
func PatternSignature(checkID, platform string, act action.Action) string {
	return checkID + "|" + platform + "|" + string(act)
}

// Record appends one remediation result.
func (s *Store) Record(res remedy.Result) error {
	sig := ""
	if res.Action != "" {
		sig = PatternSignature(res.CheckID, res.Platform, res.Action)
	}
	_, err := s.db.Exec(
		`INSERT INTO remediations (check_id, host_id, platform, tier, action, outcome, escalated, error, pattern_signature, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.CheckID, res.HostID, res.Platform, res.Tier, string(res.Action),
		string(res.Outcome), boolToInt(res.Escalated), res.Err, sig,
		res.StartedAt.UTC().Format(time.RFC3339Nano), res.EndedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording remediation: %w", err)
	}
	return nil
}

// RecentSimilar returns the most recent results for the same check and
// platform, scrubbed to identity and outcome fields only.
func (s *Store) RecentSimilar(checkID, platform string, limit int) ([]remedy.IncidentSummary, error) {
	rows, err := s.db.Query(
		`SELECT check_id, platform, action, outcome FROM remediations
		 WHERE check_id = ? AND platform = ? ORDER BY ended_at DESC LIMIT ?`,
		checkID, platform, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []remedy.IncidentSummary
	for rows.Next() {
		var inc remedy.IncidentSummary
		var act, outcome string
		if err := rows.Scan(&inc.CheckID, &inc.Platform, &act, &outcome); err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		inc.Action = action.Action(act)
		inc.Outcome = remedy.Outcome(outcome)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// AggregateTier2 groups tier-2 attempts by pattern signature for the
// promotion flywheel. Escalations are excluded: only rows where an
// action actually ran count as attempts.
func (s *Store) AggregateTier2() ([]PatternStat, error) {
	rows, err := s.db.Query(
		`SELECT pattern_signature, check_id, platform, action,
			COUNT(*),
			COALESCE(SUM(outcome = 'success'), 0),
			MIN(started_at),
			MAX(ended_at)
		 FROM remediations
		 WHERE tier = 2 AND escalated = 0 AND pattern_signature != ''
		 GROUP BY pattern_signature`,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating tier-2 history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []PatternStat
	for rows.Next() {
		var st PatternStat
		var first, last string
		if err := rows.Scan(&st.Signature, &st.CheckID, &st.Platform, &st.Action,
			&st.Occurrences, &st.Successes, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning pattern stat: %w", err)
		}
		if st.FirstSeen, err = time.Parse(time.RFC3339Nano, first); err != nil {
			return nil, fmt.Errorf("parsing first_seen: %w", err)
		}
		if st.LastSeen, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
