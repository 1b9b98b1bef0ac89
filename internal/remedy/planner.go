package remedy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
)

// ErrUncertain means the planner could not propose an approved action.
// It is a normal control-flow outcome, not a failure: the pipeline
// escalates to tier 3.
var ErrUncertain = errors.New("planner uncertain")

// Proposal is a planner's suggested remediation.
type Proposal struct {
	Action     action.Action
	Confidence float64
}

// IncidentSummary is the bounded, scrubbed context handed to a planner:
// identity and outcome only, never raw state payloads.
type IncidentSummary struct {
	CheckID  string
	Platform string
	Severity string
	Action   action.Action
	Outcome  Outcome
}

// Planner is the tier-2 capability interface. Implementations may reason
// locally or remotely; the contract is action-in/action-out either way,
// restricted to the closed action vocabulary.
type Planner interface {
	Propose(ctx context.Context, ev drift.Event, recent []IncidentSummary) (Proposal, error)
}

// StaticPlanner is a fully local planner backed by a fixed table keyed
// by check_id. It satisfies the same contract as the remote planner so
// the two are interchangeable.
type StaticPlanner struct {
	table map[string]action.Action
}

// NewStaticPlanner creates a table-driven planner. Every action in the
// table must be in the vocabulary.
func NewStaticPlanner(table map[string]action.Action) (*StaticPlanner, error) {
	for check, act := range table {
		if !action.Valid(act) {
			return nil, errors.New("static planner: unknown action for check " + check)
		}
	}
	return &StaticPlanner{table: table}, nil
}

// Propose looks the event's check up in the table.
func (p *StaticPlanner) Propose(_ context.Context, ev drift.Event, _ []IncidentSummary) (Proposal, error) {
	act, ok := p.table[ev.CheckID]
	if !ok {
		return Proposal{}, ErrUncertain
	}
	return Proposal{Action: act, Confidence: 1.0}, nil
}

// ScrubState redacts a state map for use outside the process: keys are
// kept, values are replaced with a short content hash. This is a hard
// contract of the tier-2 boundary, not an optimization.
func ScrubState(state map[string]string) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		sum := sha256.Sum256([]byte(state[k]))
		out = append(out, k+"="+hex.EncodeToString(sum[:])[:8])
	}
	return out
}
