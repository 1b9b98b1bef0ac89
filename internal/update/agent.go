package update

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthCheck is one named post-boot verification probe.
type HealthCheck struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stager writes an update artifact onto a partition and verifies its
// hash. Extracted as an interface so the state machine is testable
// without block devices.
type Stager interface {
	Stage(ctx context.Context, target Partition, artifactURL, artifactHash string) error
}

// Rebooter requests a reboot into the armed partition.
type Rebooter interface {
	Reboot(reason string) error
}

// Agent drives the A/B update state machine:
//
//	Idle -> Staging -> Armed -> (reboot) -> Verifying -> Committed
//	                                            |
//	                                            +-> RollingBack -> (reboot) -> Idle
//
// Commit happens only after sustained health over the minimum uptime
// window; a bounded number of failed boot attempts arms the previous
// partition and reboots. The transitions are explicit so each one is
// testable in isolation.
type Agent struct {
	mu sync.Mutex

	// OnRollback, when set, is invoked once per initiated rollback.
	OnRollback func()

	statePath        string
	state            *State
	checks           []HealthCheck
	requiredPasses   int
	maxBootAttempts  int
	minHealthyUptime time.Duration
	stager           Stager
	rebooter         Rebooter
	logger           *slog.Logger
	now              func() time.Time
}

// NewAgent creates the update agent over a loaded state.
func NewAgent(statePath string, state *State, checks []HealthCheck, requiredPasses, maxBootAttempts int,
	minHealthyUptime time.Duration, stager Stager, rebooter Rebooter, logger *slog.Logger) *Agent {
	return &Agent{
		statePath:        statePath,
		state:            state,
		checks:           checks,
		requiredPasses:   requiredPasses,
		maxBootAttempts:  maxBootAttempts,
		minHealthyUptime: minHealthyUptime,
		stager:           stager,
		rebooter:         rebooter,
		logger:           logger,
		now:              time.Now,
	}
}

// State returns a copy of the current partition state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.state
}

// Apply stages a verified order onto the inactive partition and arms it
// for next boot. The caller must have verified the order signature and
// TTL already; Apply is rejected unless the machine is idle.
func (a *Agent) Apply(ctx context.Context, o Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Phase != PhaseIdle {
		return fmt.Errorf("update %s rejected: machine is %s, not idle", o.OrderID, a.state.Phase)
	}

	target := a.state.ActivePartition.Other()
	a.transition(PhaseStaging)
	a.state.PendingTarget = o.TargetVersion
	a.state.AppliedOrderID = o.OrderID
	if err := a.state.Save(a.statePath); err != nil {
		return err
	}

	if err := a.stager.Stage(ctx, target, o.ArtifactURL, o.ArtifactHash); err != nil {
		// Staging failure leaves the active partition untouched.
		a.transition(PhaseIdle)
		a.state.PendingTarget = ""
		a.state.AppliedOrderID = ""
		if serr := a.state.Save(a.statePath); serr != nil {
			return fmt.Errorf("staging failed: %w (also: persisting state: %v)", err, serr)
		}
		return fmt.Errorf("staging %s onto partition %s: %w", o.TargetVersion, target, err)
	}

	a.transition(PhaseArmed)
	a.state.ArmedPartition = target
	a.state.BootAttemptCount = 0
	if err := a.state.Save(a.statePath); err != nil {
		return err
	}

	a.logger.Info("update armed for next boot",
		"order_id", o.OrderID, "target_version", o.TargetVersion, "partition", target)
	return a.rebooter.Reboot("update " + o.TargetVersion + " armed")
}

// OnBoot advances the state machine after a reboot. In the Armed or
// Verifying phases it counts the boot attempt and runs the health
// checks; past the attempt budget it rolls back to the last known good
// partition. In RollingBack it completes the rollback.
func (a *Agent) OnBoot(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state.Phase {
	case PhaseArmed, PhaseVerifying:
		// We booted into the armed partition.
		a.state.ActivePartition = a.state.ArmedPartition
		a.transition(PhaseVerifying)
		a.state.BootAttemptCount++
		if err := a.state.Save(a.statePath); err != nil {
			return err
		}
		return a.verifyLocked(ctx)

	case PhaseRollingBack:
		a.state.ActivePartition = a.state.LastKnownGood
		a.state.ArmedPartition = ""
		a.state.BootAttemptCount = 0
		a.state.PendingTarget = ""
		a.state.HealthySince = time.Time{}
		a.transition(PhaseIdle)
		a.logger.Error("update rolled back",
			"order_id", a.state.AppliedOrderID, "partition", a.state.ActivePartition)
		a.state.AppliedOrderID = ""
		return a.state.Save(a.statePath)

	default:
		return nil
	}
}

// Tick re-verifies health while in the Verifying phase and commits once
// health has been sustained for the minimum uptime window.
func (a *Agent) Tick(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Phase != PhaseVerifying {
		return nil
	}
	return a.verifyLocked(ctx)
}

// verifyLocked runs the health checks and advances the machine.
// Callers hold a.mu.
func (a *Agent) verifyLocked(ctx context.Context) error {
	passes := 0
	for _, check := range a.checks {
		if err := check.Run(ctx); err != nil {
			a.logger.Warn("post-update health check failed", "check", check.Name, "error", err)
			continue
		}
		passes++
	}

	now := a.now()
	if passes < a.requiredPasses {
		a.state.HealthySince = time.Time{}
		if a.state.BootAttemptCount >= a.maxBootAttempts {
			return a.rollbackLocked()
		}
		if err := a.state.Save(a.statePath); err != nil {
			return err
		}
		a.logger.Warn("health verification failed, retrying via reboot",
			"passes", passes, "required", a.requiredPasses,
			"boot_attempt", a.state.BootAttemptCount, "max", a.maxBootAttempts)
		return a.rebooter.Reboot("post-update health verification failed")
	}

	if a.state.HealthySince.IsZero() {
		a.state.HealthySince = now
		if err := a.state.Save(a.statePath); err != nil {
			return err
		}
		a.logger.Info("post-update health passing, holding for uptime window",
			"min_uptime", a.minHealthyUptime.String())
		return nil
	}

	if now.Sub(a.state.HealthySince) >= a.minHealthyUptime {
		return a.commitLocked()
	}
	return nil
}

// commitLocked advances last_known_good to the new partition.
// Callers hold a.mu.
func (a *Agent) commitLocked() error {
	a.transition(PhaseCommitted)
	a.state.LastKnownGood = a.state.ActivePartition
	a.state.ArmedPartition = ""
	a.state.BootAttemptCount = 0
	a.state.PendingTarget = ""
	a.state.HealthySince = time.Time{}
	a.logger.Info("update committed",
		"order_id", a.state.AppliedOrderID, "partition", a.state.ActivePartition)
	a.state.AppliedOrderID = ""
	a.transition(PhaseIdle)
	return a.state.Save(a.statePath)
}

// rollbackLocked arms the last known good partition and reboots.
// Callers hold a.mu.
func (a *Agent) rollbackLocked() error {
	if a.OnRollback != nil {
		a.OnRollback()
	}
	a.transition(PhaseRollingBack)
	a.state.ArmedPartition = a.state.LastKnownGood
	a.state.BootAttemptCount = 0
	if err := a.state.Save(a.statePath); err != nil {
		return err
	}
	a.logger.Error("update failed verification, rolling back",
		"order_id", a.state.AppliedOrderID, "to", a.state.LastKnownGood)
	return a.rebooter.Reboot("rolling back to " + string(a.state.LastKnownGood))
}

func (a *Agent) transition(to Phase) {
	from := a.state.Phase
	a.state.Phase = to
	a.logger.Debug("update state transition", "from", from, "to", to)
}
