package remedy

import (
	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/rules"
)

// Engine is the tier-1 deterministic engine: a pure function over the
// current rule store snapshot.
type Engine struct {
	store *rules.Store
}

// NewEngine creates a tier-1 engine over the rule store.
func NewEngine(store *rules.Store) *Engine {
	return &Engine{store: store}
}

// Match evaluates rules in ascending priority order and returns the
// first rule whose every condition matches the event (first-match, not
// best-match; ties broken by declaration order). Returns false when no
// rule matches. No side effects.
func (e *Engine) Match(ev drift.Event) (rules.Rule, bool) {
	for _, r := range e.store.Snapshot() {
		if r.Matches(ev) {
			return r, true
		}
	}
	return rules.Rule{}, false
}
