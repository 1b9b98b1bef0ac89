package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/driftmend/driftmend/internal/safefile"
)

// Partition names one of the two bootable system images.
type Partition string

const (
	PartitionA Partition = "A"
	PartitionB Partition = "B"
)

// Other returns the opposite partition.
func (p Partition) Other() Partition {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// Phase is the update state machine phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseStaging     Phase = "staging"
	PhaseArmed       Phase = "armed"
	PhaseVerifying   Phase = "verifying"
	PhaseCommitted   Phase = "committed"
	PhaseRollingBack Phase = "rolling_back"
)

// State is the persisted partition state. It is mutated only by the
// update agent and lives outside the partitions it describes so it
// survives a bad update.
type State struct {
	ActivePartition  Partition `json:"active_partition"`
	BootAttemptCount int       `json:"boot_attempt_count"`
	LastKnownGood    Partition `json:"last_known_good"`
	PendingTarget    string    `json:"pending_target,omitempty"`
	Phase            Phase     `json:"phase"`
	ArmedPartition   Partition `json:"armed_partition,omitempty"`
	AppliedOrderID   string    `json:"applied_order_id,omitempty"`
	HealthySince     time.Time `json:"healthy_since,omitzero"`
}

// LoadState reads the persisted state, or returns the factory default
// (partition A active and known-good) when no state file exists yet.
func LoadState(path string) (*State, error) {
	data, err := safefile.ReadFileMax(path, 64*1024)
	if errors.Is(err, os.ErrNotExist) {
		return &State{
			ActivePartition: PartitionA,
			LastKnownGood:   PartitionA,
			Phase:           PhaseIdle,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading partition state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding partition state: %w", err)
	}
	return &s, nil
}

// Save durably persists the state.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding partition state: %w", err)
	}
	if err := safefile.WriteFileSync(path, data, 0o600); err != nil {
		return fmt.Errorf("persisting partition state: %w", err)
	}
	return nil
}
