package remedy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/driftmend/driftmend/internal/action"
	"github.com/driftmend/driftmend/internal/drift"
)

// ChatCompleter is the subset of the OpenAI client used by the planner.
// Extracted as an interface for testing.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIPlanner delegates tier-2 planning to a remote reasoning
// capability, constrained to the closed action vocabulary. Any response
// outside the vocabulary is treated as uncertain, never executed. Calls
// are rate-capped so a drift storm cannot burn the planner budget.
type OpenAIPlanner struct {
	client        ChatCompleter
	model         string
	limiter       *rate.Limiter
	minConfidence float64
	logger        *slog.Logger
}

// NewOpenAIPlanner creates a remote planner. ratePerMinute bounds how
// often the external capability may be invoked.
func NewOpenAIPlanner(apiKey, model string, ratePerMinute, minConfidence float64, logger *slog.Logger) *OpenAIPlanner {
	return &OpenAIPlanner{
		client:        openai.NewClient(apiKey),
		model:         model,
		limiter:       rate.NewLimiter(rate.Limit(ratePerMinute/60.0), 1),
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// NewOpenAIPlannerWithClient creates a planner with a pre-built client
// (for testing).
func NewOpenAIPlannerWithClient(client ChatCompleter, model string, ratePerMinute, minConfidence float64, logger *slog.Logger) *OpenAIPlanner {
	return &OpenAIPlanner{
		client:        client,
		model:         model,
		limiter:       rate.NewLimiter(rate.Limit(ratePerMinute/60.0), 1),
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Propose asks the remote capability for one approved action. The event
// state maps are scrubbed before leaving the process.
func (p *OpenAIPlanner) Propose(ctx context.Context, ev drift.Event, recent []IncidentSummary) (Proposal, error) {
	if !p.limiter.Allow() {
		return Proposal{}, fmt.Errorf("planner rate budget exhausted")
	}

	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: p.userPrompt(ev, recent)},
		},
		Temperature: 0,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Proposal{}, fmt.Errorf("planner call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Proposal{}, fmt.Errorf("planner returned no choices")
	}

	prop, err := parseProposal(resp.Choices[0].Message.Content)
	if err != nil {
		p.logger.Warn("planner response outside vocabulary", "error", err)
		return Proposal{}, ErrUncertain
	}
	if prop.Confidence < p.minConfidence {
		p.logger.Info("planner below confidence floor",
			"action", prop.Action, "confidence", prop.Confidence, "floor", p.minConfidence)
		return Proposal{}, ErrUncertain
	}
	return prop, nil
}

func (p *OpenAIPlanner) systemPrompt() string {
	names := make([]string, 0, len(action.All()))
	for _, a := range action.All() {
		names = append(names, string(a))
	}
	return "You are a host remediation planner. Pick exactly one approved action for the drift, " +
		"or report uncertainty. Approved actions: " + strings.Join(names, ", ") + ". " +
		"Reply with a single line: action=<name> confidence=<0.0-1.0>. " +
		"If no approved action safely addresses the drift, reply: action=uncertain confidence=0."
}

func (p *OpenAIPlanner) userPrompt(ev drift.Event, recent []IncidentSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "check=%s platform=%s severity=%s\n", ev.CheckID, ev.Platform, ev.Severity)
	fmt.Fprintf(&b, "observed: %s\n", strings.Join(ScrubState(ev.ObservedState), " "))
	fmt.Fprintf(&b, "baseline: %s\n", strings.Join(ScrubState(ev.BaselineState), " "))
	if len(recent) > 0 {
		b.WriteString("recent similar incidents:\n")
		for _, inc := range recent {
			fmt.Fprintf(&b, "- check=%s platform=%s severity=%s action=%s outcome=%s\n",
				inc.CheckID, inc.Platform, inc.Severity, inc.Action, inc.Outcome)
		}
	}
	return b.String()
}

// parseProposal extracts "action=<name> confidence=<v>" from a planner
// reply. Anything that does not parse to a vocabulary action is an error.
func parseProposal(reply string) (Proposal, error) {
	var name, conf string
	for _, tok := range strings.Fields(reply) {
		if v, ok := strings.CutPrefix(tok, "action="); ok {
			name = v
		}
		if v, ok := strings.CutPrefix(tok, "confidence="); ok {
			conf = v
		}
	}
	if name == "" {
		return Proposal{}, fmt.Errorf("no action in reply")
	}
	if name == "uncertain" {
		return Proposal{}, fmt.Errorf("planner declared uncertainty")
	}
	act, err := action.Parse(name)
	if err != nil {
		return Proposal{}, err
	}
	c, err := strconv.ParseFloat(conf, 64)
	if err != nil || c < 0 || c > 1 {
		return Proposal{}, fmt.Errorf("bad confidence %q", conf)
	}
	return Proposal{Action: act, Confidence: c}, nil
}
