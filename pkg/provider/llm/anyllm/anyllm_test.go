package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/types"
)

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNewRejectsEmptyArguments(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("want error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("want error for empty model")
	}
}

func TestNewUnknownProviderListsSupported(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("want error for unknown provider")
	}
	for _, name := range SupportedProviders {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name supported backend %q", err, name)
		}
	}
}

func TestNewConstructsConfiguredBackend(t *testing.T) {
	p, err := New("OpenAI", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", p.model)
	}
}

// ── callAssembler ─────────────────────────────────────────────────────────────

func TestCallAssemblerJoinsArgumentFragments(t *testing.T) {
	var asm callAssembler

	asm.add([]anyllmlib.ToolCall{{
		ID:       "call_1",
		Function: anyllmlib.FunctionCall{Name: "get_weather", Arguments: `{"city":`},
	}})
	asm.add([]anyllmlib.ToolCall{{
		Function: anyllmlib.FunctionCall{Arguments: `"Berlin"}`},
	}})

	calls := asm.drain()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "get_weather" {
		t.Errorf("identity not carried over fragments: %+v", calls[0])
	}
	if calls[0].Arguments != `{"city":"Berlin"}` {
		t.Errorf("arguments = %q, want the joined JSON", calls[0].Arguments)
	}
}

func TestCallAssemblerKeepsIndexOrder(t *testing.T) {
	var asm callAssembler
	asm.add([]anyllmlib.ToolCall{
		{ID: "call_a", Function: anyllmlib.FunctionCall{Name: "get_time"}},
		{ID: "call_b", Function: anyllmlib.FunctionCall{Name: "get_weather"}},
	})

	calls := asm.drain()
	if len(calls) != 2 || calls[0].Name != "get_time" || calls[1].Name != "get_weather" {
		t.Errorf("calls out of order: %+v", calls)
	}
	if again := asm.drain(); again != nil {
		t.Errorf("second drain should be empty, got %+v", again)
	}
}

// ── toParams ──────────────────────────────────────────────────────────────────

func TestToParamsPrependsSystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.toParams(llm.CompletionRequest{
		SystemPrompt: "You are Nova.",
		Messages:     []types.Message{{Role: "user", Content: "Hello!"}},
	})

	if params.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "You are Nova." {
		t.Errorf("first message should be the system prompt, got %+v", params.Messages[0])
	}
	if params.Messages[1].ContentString() != "Hello!" {
		t.Errorf("user message content = %q", params.Messages[1].ContentString())
	}
}

func TestToParamsCarriesSamplingAndTools(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.toParams(llm.CompletionRequest{
		Temperature: 0.6,
		MaxTokens:   512,
		Tools: []types.ToolDefinition{{
			Name:        "remember",
			Description: "store a fact about the user",
		}},
	})

	if params.Temperature == nil || *params.Temperature != 0.6 {
		t.Errorf("temperature not carried: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens not carried: %v", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "remember" || params.Tools[0].Type != "function" {
		t.Errorf("tools not carried: %+v", params.Tools)
	}
}

func TestToParamsConvertsToolHistory(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.toParams(llm.CompletionRequest{
		Messages: []types.Message{
			{Role: "assistant", ToolCalls: []types.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
			}},
			{Role: "tool", Content: "sunny", ToolCallID: "call_1"},
		},
	})

	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	tc := params.Messages[0].ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Function.Name != "get_weather" || tc[0].Type != "function" {
		t.Errorf("assistant tool call not converted: %+v", tc)
	}
	if params.Messages[1].ToolCallID != "call_1" || params.Messages[1].ContentString() != "sunny" {
		t.Errorf("tool result not converted: %+v", params.Messages[1])
	}
}

// ── Capabilities ──────────────────────────────────────────────────────────────

func TestCapabilitiesPerModelFamily(t *testing.T) {
	cases := []struct {
		model       string
		window      int
		maxOut      int
		toolCalling bool
	}{
		{"gpt-4o-mini", 128_000, 16_384, true},
		{"gpt-4-turbo", 8_192, 4_096, true},
		{"o1-mini", 128_000, 65_536, false},
		{"o1-preview", 200_000, 100_000, true},
		{"claude-3-5-sonnet-latest", 200_000, 8_192, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true},
		{"gemini-2.0-flash", 1_048_576, 8_192, true},
		{"my-custom-model", 128_000, 4_096, true},
	}
	for _, tc := range cases {
		caps := (&Provider{model: tc.model}).Capabilities()
		if caps.ContextWindow != tc.window {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.window)
		}
		if caps.MaxOutputTokens != tc.maxOut {
			t.Errorf("%s: MaxOutputTokens = %d, want %d", tc.model, caps.MaxOutputTokens, tc.maxOut)
		}
		if caps.SupportsToolCalling != tc.toolCalling {
			t.Errorf("%s: SupportsToolCalling = %v, want %v", tc.model, caps.SupportsToolCalling, tc.toolCalling)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: every backend here streams", tc.model)
		}
	}
}

func TestCapabilitiesIgnoreModelCase(t *testing.T) {
	lower := (&Provider{model: "gpt-4o"}).Capabilities()
	upper := (&Provider{model: "GPT-4O"}).Capabilities()
	if lower != upper {
		t.Errorf("case should not matter: %+v vs %+v", lower, upper)
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

func TestCountTokensGrowsWithHistory(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	none, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("CountTokens(nil): %v", err)
	}
	if none != 0 {
		t.Errorf("empty history = %d tokens, want 0", none)
	}

	one, _ := p.CountTokens([]types.Message{{Role: "user", Content: "Hello"}})
	two, _ := p.CountTokens([]types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	})
	if one <= 0 || two <= one {
		t.Errorf("counts should grow with history: one=%d two=%d", one, two)
	}
}
