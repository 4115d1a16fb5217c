package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/types"
)

func TestNewValidatesModel(t *testing.T) {
	t.Parallel()

	if _, err := New("http://localhost:11434", ""); err == nil {
		t.Error("want error for empty model")
	}
}

func TestStreamCompletionEmitsTextChunks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("want stream=true")
		}
		if req.Model != "llama3.2" {
			t.Errorf("model = %q, want llama3.2", req.Model)
		}

		enc := json.NewEncoder(w)
		enc.Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: "Hello"}})
		enc.Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: " there"}})
		enc.Encode(chatResponse{Done: true, DoneReason: "stop"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text string
	var finish string
	for c := range chunks {
		text += c.Text
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text != "Hello there" {
		t.Errorf("text = %q, want %q", text, "Hello there")
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
}

func TestStreamCompletionCollectsToolCalls(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(chatResponse{Message: chatMessage{
			Role: "assistant",
			ToolCalls: []apiToolCall{{Function: apiToolFunction{
				Name:      "get_weather",
				Arguments: json.RawMessage(`{"location":"Berlin"}`),
			}}},
		}})
		enc.Encode(chatResponse{Done: true, DoneReason: "stop"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "weather?"}},
		Tools:    []types.ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var final llm.Chunk
	for c := range chunks {
		if c.FinishReason != "" {
			final = c
		}
	}
	if final.FinishReason != "tool_calls" {
		t.Fatalf("finish = %q, want tool_calls", final.FinishReason)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(final.ToolCalls))
	}
	tc := final.ToolCalls[0]
	if tc.Name != "get_weather" {
		t.Errorf("tool name = %q, want get_weather", tc.Name)
	}
	if tc.ID == "" {
		t.Error("want synthesized tool call ID")
	}
	if tc.Arguments != `{"location":"Berlin"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
}

func TestStreamCompletionServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `model "missing" not found`})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "missing")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}); err == nil {
		t.Error("want error for 404 response")
	}
}

func TestStreamCompletionMidStreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: "par"}})
		enc.Encode(chatResponse{Error: "model crashed"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var final llm.Chunk
	for c := range chunks {
		final = c
	}
	if final.FinishReason != "error" {
		t.Errorf("finish = %q, want error", final.FinishReason)
	}
	if final.Text != "model crashed" {
		t.Errorf("text = %q, want model crashed", final.Text)
	}
}

func TestCompleteParsesUsage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("want stream=false")
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message:         chatMessage{Role: "assistant", Content: "Done."},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Done." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestConvertMessagesPrependsSystemPrompt(t *testing.T) {
	t.Parallel()

	msgs := convertMessages(llm.CompletionRequest{
		SystemPrompt: "You are Nova.",
		Messages: []types.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []types.ToolCall{{Name: "t", Arguments: `{"a":1}`}}},
			{Role: "tool", Content: "result"},
		},
	})
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are Nova." {
		t.Errorf("first message = %+v, want system prompt", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 {
		t.Errorf("assistant tool calls = %d, want 1", len(msgs[2].ToolCalls))
	}
}
