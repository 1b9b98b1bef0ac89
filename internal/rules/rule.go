// Package rules holds the versioned, priority-ordered deterministic
// rules that drive tier-1 remediation.
//
// Rules arrive from three sources: built-ins compiled into the binary,
// rules synced from the central service, and rules promoted by the
// flywheel. Lower priority numbers win, and the sources occupy disjoint
// priority bands (synced 0-499, promoted 500-999, builtin 1000+) so a
// synced or promoted rule can always shadow a built-in covering the
// same drift.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
)

// Source identifies where a rule came from.
type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceSynced   Source = "synced"
	SourcePromoted Source = "promoted"
)

// Priority bands per source. Validated at load time so a malformed feed
// cannot jump its band.
const (
	SyncedPriorityMin   = 0
	SyncedPriorityMax   = 499
	PromotedPriorityMin = 500
	PromotedPriorityMax = 999
	BuiltinPriorityMin  = 1000
)

// Operator is one of the closed set of typed condition operators.
// Unknown operators are rejected at load time, never at match time.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpIn       Operator = "in"
	OpPlatform Operator = "platform"
)

// Condition is a single typed predicate over a drift event field.
type Condition struct {
	Field  string
	Op     Operator
	Value  string
	Values []string
}

// Matches evaluates the condition against an event. A field that does
// not exist on the event never matches.
func (c Condition) Matches(ev drift.Event) bool {
	switch c.Op {
	case OpEquals:
		v, ok := fieldValue(ev, c.Field)
		return ok && v == c.Value
	case OpIn:
		v, ok := fieldValue(ev, c.Field)
		if !ok {
			return false
		}
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	case OpPlatform:
		// Hard OS-family filter: "linux" matches "linux" and "linuxA",
		// never "windows11".
		return ev.Platform == c.Value || strings.HasPrefix(ev.Platform, c.Value)
	}
	return false
}

// Rule is one deterministic remediation rule.
type Rule struct {
	ID         string
	Priority   int
	Conditions []Condition
	Action     action.Action
	Params     map[string]string
	Source     Source

	// seq is the declaration order within the rule's source feed; it
	// breaks ties between rules of equal priority.
	seq int
}

// Matches reports whether every condition matches the event.
// Platform-scoped conditions act as hard filters like any other.
func (r Rule) Matches(ev drift.Event) bool {
	for _, c := range r.Conditions {
		if !c.Matches(ev) {
			return false
		}
	}
	return true
}

// fieldValue resolves a condition field name against an event.
func fieldValue(ev drift.Event, field string) (string, bool) {
	switch field {
	case "check_id":
		return ev.CheckID, true
	case "host_id":
		return ev.HostID, true
	case "severity":
		return ev.Severity, true
	case "platform":
		return ev.Platform, true
	}
	if key, ok := strings.CutPrefix(field, "observed."); ok {
		v, ok := ev.ObservedState[key]
		return v, ok
	}
	if key, ok := strings.CutPrefix(field, "baseline."); ok {
		v, ok := ev.BaselineState[key]
		return v, ok
	}
	return "", false
}

// validField reports whether a condition field name is addressable.
func validField(field string) bool {
	switch field {
	case "check_id", "host_id", "severity", "platform":
		return true
	}
	return strings.HasPrefix(field, "observed.") || strings.HasPrefix(field, "baseline.")
}

// wireRule is the serialized rule shape shared by the sync feed (JSON)
// and the embedded built-ins (YAML).
type wireRule struct {
	ID         string            `json:"rule_id" yaml:"rule_id"`
	Priority   int               `json:"priority" yaml:"priority"`
	Conditions []wireCondition   `json:"conditions" yaml:"conditions"`
	Action     string            `json:"action" yaml:"action"`
	Params     map[string]string `json:"action_params,omitempty" yaml:"action_params,omitempty"`
}

type wireCondition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// parseWire validates one serialized rule. A malformed rule (missing
// field, unknown operator or action, out-of-band priority) is an error;
// it must never be evaluated partially.
func parseWire(w wireRule, src Source, seq int) (Rule, error) {
	if w.ID == "" {
		return Rule{}, fmt.Errorf("rule missing rule_id")
	}
	act, err := action.Parse(w.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", w.ID, err)
	}
	if err := checkBand(w.Priority, src); err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", w.ID, err)
	}
	if len(w.Conditions) == 0 {
		return Rule{}, fmt.Errorf("rule %s has no conditions", w.ID)
	}

	conds := make([]Condition, 0, len(w.Conditions))
	for i, wc := range w.Conditions {
		c := Condition{Field: wc.Field, Op: Operator(wc.Op), Value: wc.Value, Values: wc.Values}
		switch c.Op {
		case OpEquals:
			if !validField(c.Field) {
				return Rule{}, fmt.Errorf("rule %s condition %d: unknown field %q", w.ID, i, c.Field)
			}
			if c.Value == "" {
				return Rule{}, fmt.Errorf("rule %s condition %d: equals requires a value", w.ID, i)
			}
		case OpIn:
			if !validField(c.Field) {
				return Rule{}, fmt.Errorf("rule %s condition %d: unknown field %q", w.ID, i, c.Field)
			}
			if len(c.Values) == 0 {
				return Rule{}, fmt.Errorf("rule %s condition %d: in requires values", w.ID, i)
			}
		case OpPlatform:
			if c.Value == "" {
				return Rule{}, fmt.Errorf("rule %s condition %d: platform requires a value", w.ID, i)
			}
		default:
			return Rule{}, fmt.Errorf("rule %s condition %d: unknown operator %q", w.ID, i, wc.Op)
		}
		conds = append(conds, c)
	}

	return Rule{
		ID:         w.ID,
		Priority:   w.Priority,
		Conditions: conds,
		Action:     act,
		Params:     w.Params,
		Source:     src,
		seq:        seq,
	}, nil
}

func checkBand(priority int, src Source) error {
	switch src {
	case SourceSynced:
		if priority < SyncedPriorityMin || priority > SyncedPriorityMax {
			return fmt.Errorf("synced rule priority %d outside band %d-%d", priority, SyncedPriorityMin, SyncedPriorityMax)
		}
	case SourcePromoted:
		if priority < PromotedPriorityMin || priority > PromotedPriorityMax {
			return fmt.Errorf("promoted rule priority %d outside band %d-%d", priority, PromotedPriorityMin, PromotedPriorityMax)
		}
	case SourceBuiltin:
		if priority < BuiltinPriorityMin {
			return fmt.Errorf("builtin rule priority %d below %d", priority, BuiltinPriorityMin)
		}
	default:
		return fmt.Errorf("unknown rule source %q", src)
	}
	return nil
}

// ParseJSON parses an ordered JSON array of rules from the given source.
// The whole feed is rejected if any rule is malformed: full replace,
// never a partial apply.
func ParseJSON(data []byte, src Source) ([]Rule, error) {
	var wires []wireRule
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("decoding %s rules: %w", src, err)
	}
	return parseAll(wires, src)
}

// ParseYAML parses an ordered YAML list of rules from the given source.
func ParseYAML(data []byte, src Source) ([]Rule, error) {
	var wires []wireRule
	if err := yaml.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("decoding %s rules: %w", src, err)
	}
	return parseAll(wires, src)
}

// MarshalJSON serializes rules back to the wire shape, preserving order.
func MarshalJSON(rs []Rule) ([]byte, error) {
	wires := make([]wireRule, 0, len(rs))
	for _, r := range rs {
		w := wireRule{ID: r.ID, Priority: r.Priority, Action: string(r.Action), Params: r.Params}
		for _, c := range r.Conditions {
			w.Conditions = append(w.Conditions, wireCondition{
				Field: c.Field, Op: string(c.Op), Value: c.Value, Values: c.Values,
			})
		}
		wires = append(wires, w)
	}
	return json.MarshalIndent(wires, "", "  ")
}

func parseAll(wires []wireRule, src Source) ([]Rule, error) {
	rs := make([]Rule, 0, len(wires))
	seen := make(map[string]bool, len(wires))
	for i, w := range wires {
		r, err := parseWire(w, src, i)
		if err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		rs = append(rs, r)
	}
	return rs, nil
}
