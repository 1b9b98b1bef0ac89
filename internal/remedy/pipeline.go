package remedy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
)

// Recorder persists remediation results for the promotion flywheel and
// supplies the planner's bounded incident context.
type Recorder interface {
	Record(res Result) error
	RecentSimilar(checkID, platform string, limit int) ([]IncidentSummary, error)
}

// Pipeline drives one drift event through the fixed escalation order:
// tier 1 (deterministic rules), tier 2 (assisted planner), tier 3
// (human escalation). Exactly one tier produces the result.
type Pipeline struct {
	engine          *Engine
	planner         Planner // nil when tier 2 is disabled
	runner          Runner
	escalator       *Escalator
	recorder        Recorder
	contextIncident int
	logger          *slog.Logger
}

// NewPipeline wires the tiers together. planner may be nil, in which
// case unmatched events go straight to tier 3.
func NewPipeline(engine *Engine, planner Planner, runner Runner, escalator *Escalator, recorder Recorder, contextIncidents int, logger *slog.Logger) *Pipeline {
	if contextIncidents <= 0 {
		contextIncidents = 5
	}
	return &Pipeline{
		engine:          engine,
		planner:         planner,
		runner:          runner,
		escalator:       escalator,
		recorder:        recorder,
		contextIncident: contextIncidents,
		logger:          logger,
	}
}

// Resolve handles one event. forceEscalate routes directly to tier 3
// regardless of what tiers 1-2 would do (flap breaker override).
func (p *Pipeline) Resolve(ctx context.Context, ev drift.Event, forceEscalate bool) (Result, error) {
	started := time.Now().UTC()

	if forceEscalate {
		return p.escalate(ctx, ev, "flap breaker tripped", started)
	}

	if rule, ok := p.engine.Match(ev); ok {
		res := p.execute(ctx, ev, 1, rule.Action, rule.Params, started)
		p.record(res)
		return res, nil
	}

	if p.planner == nil {
		return p.escalate(ctx, ev, "no tier-1 rule and tier-2 planner disabled", started)
	}

	recent := p.recentContext(ev)
	prop, err := p.planner.Propose(ctx, ev, recent)
	switch {
	case errors.Is(err, ErrUncertain):
		return p.escalate(ctx, ev, "planner uncertain", started)
	case err != nil:
		return p.escalate(ctx, ev, "planner error: "+redact(err), started)
	}

	res := p.execute(ctx, ev, 2, prop.Action, nil, started)
	p.record(res)
	return res, nil
}

// execute runs one action and builds the tier result. A runbook that
// runs but does not fix the drift is a failure, never an escalation.
func (p *Pipeline) execute(ctx context.Context, ev drift.Event, tier int, act action.Action, params map[string]string, started time.Time) Result {
	res := Result{
		CheckID:   ev.CheckID,
		HostID:    ev.HostID,
		Platform:  ev.Platform,
		Tier:      tier,
		Action:    act,
		PreState:  ev.ObservedState,
		StartedAt: started,
	}

	exec, err := p.runner.Run(ctx, act, params, ev)
	now := time.Now().UTC()
	res.EndedAt = now
	res.Steps = []Step{{
		Step:       1,
		Action:     string(act),
		ScriptHash: exec.ScriptHash,
		Result:     exec.Summary,
		ExitCode:   exec.ExitCode,
		Timestamp:  now,
	}}

	switch {
	case err != nil:
		res.Outcome = OutcomeFailure
		res.Err = redact(err)
	case exec.Success:
		res.Outcome = OutcomeSuccess
		res.PostState = ev.BaselineState
	default:
		res.Outcome = OutcomeFailure
		res.PostState = ev.ObservedState
		res.Err = redact(fmt.Errorf("runbook exited %d: %s", exec.ExitCode, exec.Summary))
	}

	p.logger.Info("remediation attempted",
		"check_id", ev.CheckID, "tier", tier, "action", act, "outcome", res.Outcome)
	return res
}

func (p *Pipeline) escalate(ctx context.Context, ev drift.Event, reason string, started time.Time) (Result, error) {
	res, err := p.escalator.Escalate(ctx, ev, reason, started)
	if err != nil {
		return Result{}, err
	}
	p.record(res)
	return res, nil
}

func (p *Pipeline) record(res Result) {
	if err := p.recorder.Record(res); err != nil {
		p.logger.Error("recording remediation result", "check_id", res.CheckID, "error", err)
	}
}

func (p *Pipeline) recentContext(ev drift.Event) []IncidentSummary {
	recent, err := p.recorder.RecentSimilar(ev.CheckID, ev.Platform, p.contextIncident)
	if err != nil {
		p.logger.Warn("loading planner context", "error", err)
		return nil
	}
	return recent
}
