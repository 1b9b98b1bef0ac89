package remedy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/driftmend/driftmend/internal/action"
)

func TestStaticPlannerTable(t *testing.T) {
	p, err := NewStaticPlanner(map[string]action.Action{
		"critical_service": action.RestartService,
	})
	if err != nil {
		t.Fatal(err)
	}

	prop, err := p.Propose(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if prop.Action != action.RestartService {
		t.Errorf("action = %s", prop.Action)
	}

	ev := testEvent()
	ev.CheckID = "unknown_check"
	if _, err := p.Propose(context.Background(), ev, nil); !errors.Is(err, ErrUncertain) {
		t.Errorf("unknown check should be uncertain, got %v", err)
	}
}

func TestStaticPlannerRejectsBadTable(t *testing.T) {
	if _, err := NewStaticPlanner(map[string]action.Action{"x": "format_disk"}); err == nil {
		t.Fatal("expected error for action outside vocabulary")
	}
}

func TestScrubStateRedactsValues(t *testing.T) {
	scrubbed := ScrubState(map[string]string{
		"password_hash": "hunter2",
		"enabled":       "false",
	})
	if len(scrubbed) != 2 {
		t.Fatalf("got %v", scrubbed)
	}
	// Keys sorted, values replaced with short hashes.
	if !strings.HasPrefix(scrubbed[0], "enabled=") || !strings.HasPrefix(scrubbed[1], "password_hash=") {
		t.Errorf("scrubbed = %v", scrubbed)
	}
	for _, s := range scrubbed {
		if strings.Contains(s, "hunter2") || strings.Contains(s, "false") {
			t.Errorf("raw value leaked: %s", s)
		}
	}
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func TestOpenAIPlannerParsesProposal(t *testing.T) {
	p := NewOpenAIPlannerWithClient(&fakeCompleter{reply: "action=restart_service confidence=0.92"},
		"test-model", 60, 0.7, testLogger())

	prop, err := p.Propose(context.Background(), testEvent(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if prop.Action != action.RestartService || prop.Confidence != 0.92 {
		t.Errorf("got %+v", prop)
	}
}

func TestOpenAIPlannerOutOfVocabularyIsUncertain(t *testing.T) {
	p := NewOpenAIPlannerWithClient(&fakeCompleter{reply: "action=rm_rf_slash confidence=0.99"},
		"test-model", 60, 0.7, testLogger())

	if _, err := p.Propose(context.Background(), testEvent(), nil); !errors.Is(err, ErrUncertain) {
		t.Errorf("out-of-vocabulary action must be uncertain, got %v", err)
	}
}

func TestOpenAIPlannerConfidenceFloor(t *testing.T) {
	p := NewOpenAIPlannerWithClient(&fakeCompleter{reply: "action=restart_service confidence=0.4"},
		"test-model", 60, 0.7, testLogger())

	if _, err := p.Propose(context.Background(), testEvent(), nil); !errors.Is(err, ErrUncertain) {
		t.Errorf("below-floor confidence must be uncertain, got %v", err)
	}
}

func TestOpenAIPlannerDeclaredUncertainty(t *testing.T) {
	p := NewOpenAIPlannerWithClient(&fakeCompleter{reply: "action=uncertain confidence=0"},
		"test-model", 60, 0.7, testLogger())

	if _, err := p.Propose(context.Background(), testEvent(), nil); !errors.Is(err, ErrUncertain) {
		t.Errorf("declared uncertainty must map to ErrUncertain, got %v", err)
	}
}

func TestOpenAIPlannerRateBudget(t *testing.T) {
	// Budget of ~1 call per minute with burst 1: the second immediate
	// call must be refused locally, without reaching the client.
	p := NewOpenAIPlannerWithClient(&fakeCompleter{reply: "action=noop confidence=1.0"},
		"test-model", 1, 0.7, testLogger())

	if _, err := p.Propose(context.Background(), testEvent(), nil); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := p.Propose(context.Background(), testEvent(), nil)
	if err == nil || errors.Is(err, ErrUncertain) {
		t.Errorf("exhausted budget should be an error distinct from uncertainty, got %v", err)
	}
}

func TestParseProposalErrors(t *testing.T) {
	cases := []string{
		"",
		"confidence=0.9",
		"action=restart_service",
		"action=restart_service confidence=1.5",
		"action=restart_service confidence=abc",
	}
	for _, reply := range cases {
		if _, err := parseProposal(reply); err == nil {
			t.Errorf("parseProposal(%q) should fail", reply)
		}
	}
}
