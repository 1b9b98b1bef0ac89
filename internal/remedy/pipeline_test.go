package remedy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() drift.Event {
	return drift.Event{
		CheckID:       "critical_service",
		HostID:        "web-01",
		DetectedAt:    time.Now(),
		Severity:      "high",
		Platform:      "linux",
		ObservedState: map[string]string{"state": "stopped"},
		BaselineState: map[string]string{"state": "running"},
	}
}

// fakeRunner returns a scripted result per action.
type fakeRunner struct {
	result ExecResult
	err    error
	ran    []action.Action
}

func (f *fakeRunner) Run(_ context.Context, act action.Action, _ map[string]string, _ drift.Event) (ExecResult, error) {
	f.ran = append(f.ran, act)
	return f.result, f.err
}

type fakeRecorder struct {
	recorded []Result
	recent   []IncidentSummary
}

func (f *fakeRecorder) Record(res Result) error { f.recorded = append(f.recorded, res); return nil }
func (f *fakeRecorder) RecentSimilar(string, string, int) ([]IncidentSummary, error) {
	return f.recent, nil
}

type fakeSink struct {
	tickets []Ticket
	err     error
}

func (f *fakeSink) Open(_ context.Context, t Ticket) error {
	if f.err != nil {
		return f.err
	}
	f.tickets = append(f.tickets, t)
	return nil
}

type fakePlanner struct {
	prop Proposal
	err  error
}

func (f *fakePlanner) Propose(context.Context, drift.Event, []IncidentSummary) (Proposal, error) {
	return f.prop, f.err
}

func ruleStore(t *testing.T, feed string) *rules.Store {
	t.Helper()
	rs, err := rules.ParseJSON([]byte(feed), rules.SourceSynced)
	if err != nil {
		t.Fatal(err)
	}
	store := rules.NewStore(nil, testLogger())
	store.ReplaceSynced(rs)
	return store
}

func newTestPipeline(store *rules.Store, planner Planner, runner Runner, rec *fakeRecorder, sink *fakeSink) *Pipeline {
	return NewPipeline(NewEngine(store), planner, runner,
		NewEscalator(sink, testLogger()), rec, 5, testLogger())
}

func TestResolveTier1Match(t *testing.T) {
	store := ruleStore(t, `[
		{"rule_id":"svc","priority":10,"action":"restart_service","conditions":[{"field":"check_id","op":"equals","value":"critical_service"}]}
	]`)
	runner := &fakeRunner{result: ExecResult{Success: true, ExitCode: 0, Summary: "restarted"}}
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, nil, runner, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != 1 || res.Outcome != OutcomeSuccess || res.Escalated {
		t.Errorf("got tier=%d outcome=%s escalated=%v", res.Tier, res.Outcome, res.Escalated)
	}
	if res.Action != action.RestartService {
		t.Errorf("action = %s", res.Action)
	}
	if len(sink.tickets) != 0 {
		t.Error("tier-1 success must not open a ticket")
	}
	if len(rec.recorded) != 1 {
		t.Errorf("expected one recorded result, got %d", len(rec.recorded))
	}
}

func TestResolveTier1FailureIsNotEscalation(t *testing.T) {
	store := ruleStore(t, `[
		{"rule_id":"svc","priority":10,"action":"restart_service","conditions":[{"field":"check_id","op":"equals","value":"critical_service"}]}
	]`)
	runner := &fakeRunner{result: ExecResult{Success: false, ExitCode: 3, Summary: "unit not found"}}
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, nil, runner, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailure || res.Escalated {
		t.Errorf("a failed runbook is a failure, not an escalation: %+v", res)
	}
	if res.TicketID != "" || len(sink.tickets) != 0 {
		t.Error("failed remediation must not open a ticket in the same cycle")
	}
	if res.Err == "" {
		t.Error("failure should carry a redacted error summary")
	}
}

func TestResolveTier2Proposal(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	planner := &fakePlanner{prop: Proposal{Action: action.ReapplyBaseline, Confidence: 0.9}}
	runner := &fakeRunner{result: ExecResult{Success: true}}
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, planner, runner, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != 2 || res.Action != action.ReapplyBaseline {
		t.Errorf("got tier=%d action=%s", res.Tier, res.Action)
	}
}

func TestResolvePlannerUncertainEscalates(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	planner := &fakePlanner{err: ErrUncertain}
	runner := &fakeRunner{}
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, planner, runner, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != 3 || res.Outcome != OutcomeEscalated || !res.Escalated {
		t.Errorf("uncertain planner must escalate: %+v", res)
	}
	if res.Err != "" {
		t.Error("escalation carries no error: nothing was attempted")
	}
	if res.TicketID == "" || len(sink.tickets) != 1 {
		t.Error("escalation must open exactly one ticket")
	}
	if len(runner.ran) != 0 {
		t.Error("nothing may execute on an uncertain proposal")
	}
}

func TestResolveNilPlannerEscalates(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, nil, &fakeRunner{}, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != 3 || !res.Escalated {
		t.Errorf("with tier 2 disabled, unmatched drift escalates: %+v", res)
	}
}

func TestResolveForceEscalateSkipsTiers(t *testing.T) {
	store := ruleStore(t, `[
		{"rule_id":"svc","priority":10,"action":"restart_service","conditions":[{"field":"check_id","op":"equals","value":"critical_service"}]}
	]`)
	runner := &fakeRunner{result: ExecResult{Success: true}}
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	p := newTestPipeline(store, nil, runner, rec, sink)

	res, err := p.Resolve(context.Background(), testEvent(), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tier != 3 || !res.Escalated {
		t.Errorf("forced escalation must bypass a matching rule: %+v", res)
	}
	if len(runner.ran) != 0 {
		t.Error("forced escalation must not execute anything")
	}
}

func TestResolveTicketSinkFailure(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	sink := &fakeSink{err: errors.New("db locked")}
	p := newTestPipeline(store, nil, &fakeRunner{}, &fakeRecorder{}, sink)

	if _, err := p.Resolve(context.Background(), testEvent(), true); err == nil {
		t.Fatal("a ticket that cannot be persisted is an error")
	}
}

func TestTier1Deterministic(t *testing.T) {
	store := ruleStore(t, `[
		{"rule_id":"tie-a","priority":10,"action":"restart_service","conditions":[{"field":"check_id","op":"equals","value":"critical_service"}]},
		{"rule_id":"tie-b","priority":10,"action":"reapply_baseline","conditions":[{"field":"check_id","op":"equals","value":"critical_service"}]}
	]`)
	engine := NewEngine(store)

	for i := 0; i < 50; i++ {
		rule, ok := engine.Match(testEvent())
		if !ok {
			t.Fatal("expected a match")
		}
		if rule.ID != "tie-a" {
			t.Fatalf("iteration %d: tie broken to %s, want declaration order winner tie-a", i, rule.ID)
		}
	}
}
