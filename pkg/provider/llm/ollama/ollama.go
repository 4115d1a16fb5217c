// Package ollama provides an llm.Provider backed by a local Ollama server.
//
// Ollama (https://ollama.com) hosts local large language models. This package
// uses Ollama's native /api/chat endpoint, which streams newline-delimited
// JSON chunks and supports tool calling for capable models.
//
// Example usage:
//
//	p, err := ollama.New("", "llama3.2") // connects to http://localhost:11434
//	chunks, err := p.StreamCompletion(ctx, req)
//
// Only standard library packages are used — no additional dependencies are
// required beyond Go's net/http and encoding/json.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Provider implements the llm.Provider interface at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using a local Ollama server.
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	keepAlive  string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout   time.Duration
	keepAlive string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default; streaming
// completions can legitimately run for minutes).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithKeepAlive controls how long Ollama keeps the model loaded after the
// request (e.g., "10m", "-1" for indefinitely). Empty uses the server default.
func WithKeepAlive(d string) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// New constructs a new Ollama Provider.
//
// baseURL is the base URL of the Ollama server. If empty, DefaultBaseURL is
// used. A trailing slash is stripped automatically.
//
// model is the Ollama model name (e.g., "llama3.2", "qwen2.5"). It must not
// be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		keepAlive:  cfg.keepAlive,
		httpClient: httpClient,
	}, nil
}

// chatMessage is the wire form of a conversation message.
type chatMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

// apiToolCall is Ollama's tool call representation. Unlike OpenAI, arguments
// arrive as a JSON object rather than an encoded string, and no call ID is
// assigned by the server.
type apiToolCall struct {
	Function apiToolFunction `json:"function"`
}

type apiToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// apiTool is the wire form of a tool definition offered to the model.
type apiTool struct {
	Type     string         `json:"type"`
	Function apiToolDetails `json:"function"`
}

type apiToolDetails struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// chatRequest is the JSON request body sent to Ollama's /api/chat endpoint.
type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Tools     []apiTool      `json:"tools,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

// chatResponse is one NDJSON chunk from /api/chat (or the complete response
// when stream is false).
type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// StreamCompletion implements llm.Provider. Chunks are decoded from the NDJSON
// stream as they arrive; tool calls are collected and emitted on the final
// chunk with FinishReason "tool_calls".
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := p.httpBody(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer body.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var toolCalls []types.ToolCall
		dec := json.NewDecoder(body)
		for {
			var chunk chatResponse
			if err := dec.Decode(&chunk); err != nil {
				if ctx.Err() == nil {
					emit(llm.Chunk{FinishReason: "error", Text: fmt.Sprintf("ollama: decode stream: %v", err)})
				}
				return
			}
			if chunk.Error != "" {
				emit(llm.Chunk{FinishReason: "error", Text: chunk.Error})
				return
			}

			toolCalls = append(toolCalls, convertToolCalls(chunk.Message.ToolCalls, len(toolCalls))...)

			if chunk.Done {
				out := llm.Chunk{
					Text:         chunk.Message.Content,
					FinishReason: finishReason(chunk.DoneReason, toolCalls),
					ToolCalls:    toolCalls,
				}
				emit(out)
				return
			}
			if chunk.Message.Content != "" {
				if !emit(llm.Chunk{Text: chunk.Message.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider using a single non-streaming request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := p.httpBody(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama: %s", resp.Error)
	}

	return &llm.CompletionResponse{
		Content:   resp.Message.Content,
		ToolCalls: convertToolCalls(resp.Message.ToolCalls, 0),
		Usage: llm.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider. Ollama does not expose model metadata
// on the chat path, so conservative defaults are reported.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       8_192,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

// httpBody sends a POST /api/chat request and returns the raw response body.
// The caller must close it.
func (p *Provider) httpBody(ctx context.Context, req llm.CompletionRequest, stream bool) (io.ReadCloser, error) {
	payload := chatRequest{
		Model:     p.model,
		Messages:  convertMessages(req),
		Stream:    stream,
		KeepAlive: p.keepAlive,
	}
	for _, td := range req.Tools {
		payload.Tools = append(payload.Tools, apiTool{
			Type: "function",
			Function: apiToolDetails{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		payload.Options = map[string]any{}
		if req.Temperature != 0 {
			payload.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			payload.Options["num_predict"] = req.MaxTokens
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// convertMessages flattens a CompletionRequest into wire messages, with the
// system prompt first when present.
func convertMessages(req llm.CompletionRequest) []chatMessage {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, apiToolCall{
				Function: apiToolFunction{
					Name:      tc.Name,
					Arguments: json.RawMessage(argumentsJSON(tc.Arguments)),
				},
			})
		}
		messages = append(messages, msg)
	}
	return messages
}

// convertToolCalls maps Ollama tool calls onto types.ToolCall, synthesizing
// call IDs since the server does not assign any. offset keeps IDs unique when
// calls arrive across multiple chunks.
func convertToolCalls(calls []apiToolCall, offset int) []types.ToolCall {
	var out []types.ToolCall
	for i, tc := range calls {
		args := string(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out = append(out, types.ToolCall{
			ID:        fmt.Sprintf("call_%d", offset+i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// argumentsJSON ensures the arguments string is a valid JSON object for the
// wire; the stored form is already JSON in the common case.
func argumentsJSON(args string) string {
	if json.Valid([]byte(args)) && args != "" {
		return args
	}
	return "{}"
}

// finishReason maps Ollama's done_reason onto the common finish reasons.
func finishReason(doneReason string, toolCalls []types.ToolCall) string {
	if len(toolCalls) > 0 {
		return "tool_calls"
	}
	switch doneReason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return doneReason
	}
}
