// Package remedy implements the escalating three-tier remediation
// pipeline: deterministic rules, the assisted planner, and human
// escalation.
package remedy

import (
	"strings"
	"time"

	"github.com/driftmend/driftmend/internal/action"
)

// Outcome is the three-valued result of a remediation cycle. Escalated
// is deliberately distinct from failure: a tier-3 result means "no fix
// attempted, ticket raised", not "fix attempted and failed".
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeEscalated Outcome = "escalated"
)

// Step records one executed action inside a remediation.
type Step struct {
	Step       int       `json:"step"`
	Action     string    `json:"action"`
	ScriptHash string    `json:"script_hash"`
	Result     string    `json:"result"`
	ExitCode   int       `json:"exit_code"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the outcome of exactly one tier handling a drift event.
//
// Callers must check Escalated before interpreting a non-success
// outcome: Outcome == OutcomeEscalated always pairs with
// Escalated == true and an empty Err.
type Result struct {
	CheckID   string            `json:"check_id"`
	HostID    string            `json:"host_id"`
	Platform  string            `json:"platform"`
	Tier      int               `json:"tier"`
	Action    action.Action     `json:"action,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Escalated bool              `json:"escalated"`
	TicketID  string            `json:"ticket_id,omitempty"`
	PreState  map[string]string `json:"pre_state,omitempty"`
	PostState map[string]string `json:"post_state,omitempty"`
	Err       string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Steps     []Step            `json:"steps,omitempty"`
}

// redact reduces an error to a short single-line summary safe for the
// evidence trail. Stack traces and raw payloads never leave the process.
func redact(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
