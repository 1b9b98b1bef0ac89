package promote

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/history"
	"github.com/driftmend/driftmend/internal/remedy"
	"github.com/driftmend/driftmend/internal/rules"
	"github.com/driftmend/driftmend/internal/statedb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFlywheel(t *testing.T) (*Flywheel, *history.Store, *rules.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hist, err := history.New(db, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store := rules.NewStore(nil, testLogger())
	fw := New(hist, store, filepath.Join(dir, "promoted.json"), testLogger())
	return fw, hist, store
}

func recordTier2(t *testing.T, hist *history.Store, checkID string, successes, failures int) {
	t.Helper()
	now := time.Now().UTC()
	rec := func(outcome remedy.Outcome) {
		err := hist.Record(remedy.Result{
			CheckID: checkID, HostID: "web-01", Platform: "linux",
			Tier: 2, Action: action.RestartService, Outcome: outcome,
			StartedAt: now, EndedAt: now.Add(time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < successes; i++ {
		rec(remedy.OutcomeSuccess)
	}
	for i := 0; i < failures; i++ {
		rec(remedy.OutcomeFailure)
	}
}

func TestScanEligibilityBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		successes int
		failures  int
		eligible  bool
	}{
		{"too few attempts", 4, 0, false},
		{"exactly five all success", 5, 0, true},
		{"rate exactly at threshold", 9, 1, true},       // 9/10 = 0.90
		{"rate just below threshold", 8, 1, false},      // 8/9 ≈ 0.889
		{"many attempts below threshold", 17, 3, false}, // 17/20 = 0.85
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fw, hist, _ := testFlywheel(t)
			recordTier2(t, hist, "critical_service", tc.successes, tc.failures)

			candidates, err := fw.Scan()
			if err != nil {
				t.Fatal(err)
			}
			got := len(candidates) == 1
			if got != tc.eligible {
				t.Errorf("eligible = %v, want %v", got, tc.eligible)
			}
		})
	}
}

func TestApprovePromotesToRule(t *testing.T) {
	fw, hist, store := testFlywheel(t)
	recordTier2(t, hist, "critical_service", 6, 0)

	sig := history.PatternSignature("critical_service", "linux", action.RestartService)
	rule, err := fw.Approve(sig)
	if err != nil {
		t.Fatal(err)
	}

	if rule.Source != rules.SourcePromoted {
		t.Errorf("source = %s", rule.Source)
	}
	if rule.Priority < rules.PromotedPriorityMin || rule.Priority > rules.PromotedPriorityMax {
		t.Errorf("priority %d outside promoted band", rule.Priority)
	}
	if rule.Action != action.RestartService {
		t.Errorf("action = %s", rule.Action)
	}

	// The live store now resolves this pattern at tier 1.
	snap := store.Snapshot()
	if len(snap) != 1 || snap[0].ID != rule.ID {
		t.Errorf("store snapshot = %+v", snap)
	}

	// And the promoted file survives a reload.
	loaded, err := rules.LoadFile(fw.promotedPath, rules.SourcePromoted)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != rule.ID {
		t.Errorf("persisted rules = %+v", loaded)
	}
}

func TestApproveRejectsIneligiblePattern(t *testing.T) {
	fw, hist, _ := testFlywheel(t)
	recordTier2(t, hist, "critical_service", 2, 0)

	sig := history.PatternSignature("critical_service", "linux", action.RestartService)
	if _, err := fw.Approve(sig); err == nil {
		t.Fatal("expected error for ineligible pattern")
	}
}

func TestScanSkipsAlreadyPromoted(t *testing.T) {
	fw, hist, _ := testFlywheel(t)
	recordTier2(t, hist, "critical_service", 6, 0)

	sig := history.PatternSignature("critical_service", "linux", action.RestartService)
	if _, err := fw.Approve(sig); err != nil {
		t.Fatal(err)
	}

	candidates, err := fw.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Errorf("already-promoted pattern should not be a candidate: %+v", candidates)
	}
}

func TestApproveAllocatesIncreasingPriorities(t *testing.T) {
	fw, hist, _ := testFlywheel(t)
	recordTier2(t, hist, "critical_service", 6, 0)
	recordTier2(t, hist, "firewall", 6, 0)

	r1, err := fw.Approve(history.PatternSignature("critical_service", "linux", action.RestartService))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := fw.Approve(history.PatternSignature("firewall", "linux", action.RestartService))
	if err != nil {
		t.Fatal(err)
	}
	if r2.Priority <= r1.Priority {
		t.Errorf("later promotion must get a later priority: %d then %d", r1.Priority, r2.Priority)
	}
}
