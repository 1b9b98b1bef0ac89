// Package drift defines drift events and the sources that produce them.
//
// Check collaborators (OS-specific probes, out of scope here) detect
// divergence from an approved baseline and hand the agent immutable
// Events. Each event is consumed exactly once per cycle by the tier
// pipeline.
package drift

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one observed divergence from the approved baseline.
type Event struct {
	CheckID       string            `json:"check_id"`
	HostID        string            `json:"host_id"`
	DetectedAt    time.Time         `json:"detected_at"`
	Severity      string            `json:"severity"`
	ObservedState map[string]string `json:"observed_state"`
	BaselineState map[string]string `json:"baseline_state"`
	Platform      string            `json:"platform"`
}

// Key returns the flap-detector key for the event: one state machine
// per (host, check) pair.
func (e Event) Key() string {
	return e.HostID + "/" + e.CheckID
}

// Validate checks that the event carries the required identity fields.
func (e Event) Validate() error {
	if e.CheckID == "" {
		return fmt.Errorf("event missing check_id")
	}
	if e.HostID == "" {
		return fmt.Errorf("event missing host_id")
	}
	if e.Platform == "" {
		return fmt.Errorf("event missing platform")
	}
	if e.DetectedAt.IsZero() {
		return fmt.Errorf("event missing detected_at")
	}
	return nil
}

// ParseEvent decodes a JSON-encoded event and validates it.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
