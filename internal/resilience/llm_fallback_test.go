package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/novavoice/nova/pkg/provider/llm"
	llmmock "github.com/novavoice/nova/pkg/provider/llm/mock"
	"github.com/novavoice/nova/pkg/types"
)

func userMessage(text string) []types.Message {
	return []types.Message{{Role: "user", Content: text}}
}

func TestLLMFallbackPrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "primary says hi"}},
	}
	secondary := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "secondary says hi"}},
	}

	f := NewLLMFallback(primary, "ollama", FallbackConfig{})
	f.AddFallback("lmstudio", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{Messages: userMessage("hi")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary says hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallbackStreamFailsOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("connection refused")}
	secondary := &llmmock.Provider{
		StreamChunks: [][]llm.Chunk{{{Text: "backup "}, {Text: "response", FinishReason: "stop"}}},
	}

	f := NewLLMFallback(primary, "ollama", FallbackConfig{})
	f.AddFallback("lmstudio", secondary)

	chunks, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{Messages: userMessage("hi")})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range chunks {
		text += c.Text
	}
	if text != "backup response" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestLLMFallbackAllFail(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("down")}

	f := NewLLMFallback(primary, "ollama", FallbackConfig{})
	_, err := f.Complete(context.Background(), llm.CompletionRequest{Messages: userMessage("hi")})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestLLMFallbackCountTokensUsesPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{}
	f := NewLLMFallback(primary, "ollama", FallbackConfig{})

	n, err := f.CountTokens(userMessage("one two three four"))
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n <= 0 {
		t.Errorf("tokens = %d, want > 0", n)
	}
}
