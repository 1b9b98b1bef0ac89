// Package promote implements the promotion flywheel: tier-2 patterns
// that succeed consistently become deterministic tier-1 rules, so the
// same drift never needs the planner twice.
package promote

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/history"
	"github.com/driftmend/driftmend/internal/rules"
)

// Eligibility thresholds. A pattern needs both enough attempts and a
// high enough success rate before it can become a rule.
const (
	MinOccurrences = 5
	MinSuccessRate = 0.90
)

// Candidate is one tier-2 pattern eligible for promotion.
type Candidate struct {
	Stat        history.PatternStat
	SuccessRate float64
}

// Flywheel mines remediation history for promotable patterns and, on
// operator approval, emits them into the promoted rule file.
type Flywheel struct {
	history      *history.Store
	store        *rules.Store
	promotedPath string
	logger       *slog.Logger
}

// New creates a flywheel writing approved rules to promotedPath.
func New(hist *history.Store, store *rules.Store, promotedPath string, logger *slog.Logger) *Flywheel {
	return &Flywheel{history: hist, store: store, promotedPath: promotedPath, logger: logger}
}

// Scan returns the patterns currently meeting the promotion thresholds,
// most-attempted first. Patterns already covered by a promoted rule are
// skipped.
func (f *Flywheel) Scan() ([]Candidate, error) {
	stats, err := f.history.AggregateTier2()
	if err != nil {
		return nil, err
	}
	existing, err := f.existingIDs()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, st := range stats {
		if st.Occurrences < MinOccurrences {
			continue
		}
		rate := float64(st.Successes) / float64(st.Occurrences)
		if rate < MinSuccessRate {
			continue
		}
		if existing[ruleID(st)] {
			continue
		}
		out = append(out, Candidate{Stat: st, SuccessRate: rate})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Stat.Occurrences > out[j].Stat.Occurrences
	})
	return out, nil
}

// Approve turns one candidate pattern into a promoted rule, persists
// the promoted rule file, and swaps the live rule set. Promotion is
// explicit operator action, never automatic.
func (f *Flywheel) Approve(signature string) (rules.Rule, error) {
	candidates, err := f.Scan()
	if err != nil {
		return rules.Rule{}, err
	}
	var cand *Candidate
	for i := range candidates {
		if candidates[i].Stat.Signature == signature {
			cand = &candidates[i]
			break
		}
	}
	if cand == nil {
		return rules.Rule{}, fmt.Errorf("pattern %q is not an eligible candidate", signature)
	}

	act, err := action.Parse(cand.Stat.Action)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("pattern %q: %w", signature, err)
	}

	current, err := f.loadPromoted()
	if err != nil {
		return rules.Rule{}, err
	}

	newRule := buildRule(cand.Stat, act, nextPriority(current))
	updated := append(current, newRule)

	// Round-trip through the wire format so the rule carries a valid
	// sequence and band check like any other promoted rule.
	data, err := rules.MarshalJSON(updated)
	if err != nil {
		return rules.Rule{}, err
	}
	parsed, err := rules.ParseJSON(data, rules.SourcePromoted)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("validating promoted rule set: %w", err)
	}
	if err := rules.SaveFile(f.promotedPath, parsed); err != nil {
		return rules.Rule{}, fmt.Errorf("persisting promoted rules: %w", err)
	}
	f.store.ReplacePromoted(parsed)

	f.logger.Info("pattern promoted to rule",
		"rule_id", newRule.ID, "signature", signature,
		"occurrences", cand.Stat.Occurrences,
		"success_rate", fmt.Sprintf("%.2f", cand.SuccessRate))
	return newRule, nil
}

func (f *Flywheel) loadPromoted() ([]rules.Rule, error) {
	rs, err := rules.LoadFile(f.promotedPath, rules.SourcePromoted)
	if errors.Is(err, os.ErrNotExist) {
		// Nothing promoted yet.
		return nil, nil
	}
	return rs, err
}

func (f *Flywheel) existingIDs() (map[string]bool, error) {
	rs, err := f.loadPromoted()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(rs))
	for _, r := range rs {
		ids[r.ID] = true
	}
	return ids, nil
}

// ruleID derives a stable rule id from the pattern.
func ruleID(st history.PatternStat) string {
	return fmt.Sprintf("promoted-%s-%s-%s", st.CheckID, st.Platform, st.Action)
}

// nextPriority allocates the next free slot in the promoted band so
// earlier promotions keep winning ties against later ones.
func nextPriority(current []rules.Rule) int {
	p := rules.PromotedPriorityMin
	for _, r := range current {
		if r.Priority >= p {
			p = r.Priority + 1
		}
	}
	if p > rules.PromotedPriorityMax {
		p = rules.PromotedPriorityMax
	}
	return p
}

func buildRule(st history.PatternStat, act action.Action, priority int) rules.Rule {
	return rules.Rule{
		ID:       ruleID(st),
		Priority: priority,
		Conditions: []rules.Condition{
			{Field: "check_id", Op: rules.OpEquals, Value: st.CheckID},
			{Op: rules.OpPlatform, Value: st.Platform},
		},
		Action: act,
		Source: rules.SourcePromoted,
	}
}
