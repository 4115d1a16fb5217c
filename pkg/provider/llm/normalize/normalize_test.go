package normalize

import (
	"strings"
	"testing"

	"github.com/novavoice/nova/pkg/types"
)

func TestNormalizePlainText(t *testing.T) {
	t.Parallel()

	res := Normalize("The weather in Berlin is sunny.", nil)
	if res.Text != "The weather in Berlin is sunny." {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(res.ToolCalls))
	}
}

func TestNormalizeAPICallsWin(t *testing.T) {
	t.Parallel()

	api := []types.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"location":"Berlin"}`}}
	res := Normalize(`Let me check. {"name": "get_weather", "arguments": {"location": "Paris"}}`, api)

	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Arguments != `{"location":"Berlin"}` {
		t.Errorf("arguments = %q, want API call arguments", res.ToolCalls[0].Arguments)
	}
	if strings.Contains(res.Text, "get_weather") {
		t.Errorf("text still contains tool call artifact: %q", res.Text)
	}
	if res.Text != "Let me check." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestNormalizeExtractsFencedCall(t *testing.T) {
	t.Parallel()

	text := "Sure.\n```json\n{\"name\": \"get_time\", \"arguments\": {\"timezone\": \"UTC\"}}\n```"
	res := Normalize(text, nil)

	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "get_time" {
		t.Errorf("name = %q", res.ToolCalls[0].Name)
	}
	if res.ToolCalls[0].Arguments != `{"timezone": "UTC"}` {
		t.Errorf("arguments = %q", res.ToolCalls[0].Arguments)
	}
	if res.Text != "Sure." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestNormalizeExtractsBareCall(t *testing.T) {
	t.Parallel()

	res := Normalize(`{"name": "get_time", "parameters": {"timezone": "CET"}}`, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Arguments != `{"timezone": "CET"}` {
		t.Errorf("arguments = %q", res.ToolCalls[0].Arguments)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty", res.Text)
	}
}

func TestNormalizeKeepsNonToolCodeBlocks(t *testing.T) {
	t.Parallel()

	text := "Here is the snippet:\n```go\nfmt.Println(\"hi\")\n```"
	res := Normalize(text, nil)
	if len(res.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(res.ToolCalls))
	}
	if !strings.Contains(res.Text, "fmt.Println") {
		t.Errorf("code block was stripped: %q", res.Text)
	}
}

func TestNormalizeInvalidArgumentsDegradeToEmptyObject(t *testing.T) {
	t.Parallel()

	res := Normalize(`{"name": "get_time", "arguments": "not json"}`, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Arguments != "{}" {
		t.Errorf("arguments = %q, want {}", res.ToolCalls[0].Arguments)
	}
}

func TestNormalizeDoubleEncodedArguments(t *testing.T) {
	t.Parallel()

	res := Normalize(`{"name": "get_weather", "arguments": "{\"location\": \"Berlin\"}"}`, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Arguments != `{"location": "Berlin"}` {
		t.Errorf("arguments = %q", res.ToolCalls[0].Arguments)
	}
}

func TestRepetitionGuardCutsLoop(t *testing.T) {
	t.Parallel()

	text := "The answer is 42. " + strings.Repeat("I'm ready ", 8)
	res := Normalize(text, nil)
	if res.Text != "The answer is 42." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRepetitionGuardFallbackWhenNothingLeft(t *testing.T) {
	t.Parallel()

	res := Normalize(strings.Repeat("I'm here ", 10), nil)
	if res.Text != stuckFallback {
		t.Errorf("text = %q, want fallback", res.Text)
	}
}

func TestRepetitionGuardIgnoresSparseOccurrences(t *testing.T) {
	t.Parallel()

	// Four occurrences overall, but spread beyond the trailing window.
	text := "I'm ready. " + strings.Repeat("Lots of unrelated prose here to pad things out. ", 6) + "I'm ready to help now."
	res := Normalize(text, nil)
	if res.Text != text {
		t.Errorf("text was modified: %q", res.Text)
	}
}

func TestLongResponseTruncated(t *testing.T) {
	t.Parallel()

	res := Normalize(strings.Repeat("a", 3000), nil)
	if len(res.Text) > truncateToChars+len("…") {
		t.Errorf("text length = %d, want <= %d", len(res.Text), truncateToChars+len("…"))
	}
	if !strings.HasSuffix(res.Text, "…") {
		t.Error("want ellipsis suffix")
	}
}

func TestNormalizeMultipleEmbeddedCalls(t *testing.T) {
	t.Parallel()

	text := `{"name": "get_time", "arguments": {}} and {"name": "get_weather", "arguments": {"location": "Rome"}}`
	res := Normalize(text, nil)
	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "get_time" || res.ToolCalls[1].Name != "get_weather" {
		t.Errorf("names = %q, %q", res.ToolCalls[0].Name, res.ToolCalls[1].Name)
	}
	if res.Text != "and" {
		t.Errorf("text = %q, want %q", res.Text, "and")
	}
}

func TestNormalizeLeavesOrdinaryJSONAlone(t *testing.T) {
	t.Parallel()

	text := `The config is {"host": "localhost", "port": 8080} as requested.`
	res := Normalize(text, nil)
	if len(res.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(res.ToolCalls))
	}
	if res.Text != text {
		t.Errorf("text = %q", res.Text)
	}
}
