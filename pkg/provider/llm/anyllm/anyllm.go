// Package anyllm adapts github.com/mozilla-ai/any-llm-go to Nova's llm.Provider
// interface, opening the assistant to cloud and local backends beyond the three
// first-class ones (ollama, lmstudio, openai). The backend is picked purely by
// the `llm.anyllm.provider` config key, so switching from, say, Anthropic to
// Groq is a config edit rather than a rebuild.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// registry maps config-facing backend names to any-llm-go constructors. When a
// constructor is given no API key option it reads the backend's usual
// environment variable (ANTHROPIC_API_KEY, GROQ_API_KEY, ...).
var registry = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(opts...) },
	"anthropic": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(opts...) },
	"gemini":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(opts...) },
	"ollama":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(opts...) },
	"deepseek":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(opts...) },
	"mistral":   func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(opts...) },
	"groq":      func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(opts...) },
	"llamacpp":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(opts...) },
	"llamafile": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(opts...) },
}

// SupportedProviders lists the backend names New accepts, sorted for stable
// error messages.
var SupportedProviders = func() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

// Provider routes completion requests for one model through one any-llm-go
// backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for model on the named backend. Both arguments are
// required; an unknown backend name lists the supported ones in the error so
// a config typo is diagnosable from the startup log alone.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	construct, ok := registry[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, strings.Join(SupportedProviders, ", "))
	}
	backend, err := construct(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// StreamCompletion implements llm.Provider. The voice pipeline speaks while
// tokens are still arriving, so chunks are relayed as they come; tool-call
// fragments are assembled here and surface only once complete, on the chunk
// that carries the finish reason.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.toParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var asm callAssembler
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			asm.add(choice.Delta.ToolCalls)

			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			if choice.FinishReason != "" {
				out.ToolCalls = asm.drain()
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// The backend reports stream failures on a side channel after the
		// chunk channel closes. Surface them in-band so the pipeline sees a
		// terminal chunk either way.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// callAssembler reassembles tool calls that arrive split across stream chunks.
// Fragments are keyed by the call's index within the delta; the ID and name
// arrive on the first fragment, the argument JSON dribbles in over the rest.
type callAssembler struct {
	calls map[int]*types.ToolCall
}

func (a *callAssembler) add(fragments []anyllmlib.ToolCall) {
	for i, frag := range fragments {
		if a.calls == nil {
			a.calls = map[int]*types.ToolCall{}
		}
		call, ok := a.calls[i]
		if !ok {
			call = &types.ToolCall{}
			a.calls[i] = call
		}
		if frag.ID != "" {
			call.ID = frag.ID
		}
		if frag.Function.Name != "" {
			call.Name = frag.Function.Name
		}
		call.Arguments += frag.Function.Arguments
	}
}

// drain returns the assembled calls in index order and resets the assembler.
func (a *callAssembler) drain() []types.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, 0, len(a.calls))
	for i := 0; i < len(a.calls); i++ {
		if call, ok := a.calls[i]; ok {
			out = append(out, *call)
		}
	}
	a.calls = nil
	return out
}

// Complete implements llm.Provider. The pipeline uses it for one-shot work
// like memory fact extraction, where streaming buys nothing.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.toParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider. any-llm-go exposes no tokenizer, so the
// context-window trimmer works off the shared estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// toParams maps a Nova completion request onto any-llm-go params. The system
// prompt travels as the leading message, which every backend here accepts.
func (p *Provider) toParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		out := anyllmlib.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, out)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

// capRule adjusts the default capabilities for a model family. First match
// wins, so narrower prefixes come first.
type capRule struct {
	prefix string
	adjust func(*types.ModelCapabilities)
}

var capRules = []capRule{
	{"gpt-4o", func(c *types.ModelCapabilities) { c.MaxOutputTokens = 16_384 }},
	{"gpt-4", func(c *types.ModelCapabilities) { c.ContextWindow = 8_192 }},
	{"o1-mini", func(c *types.ModelCapabilities) {
		c.MaxOutputTokens = 65_536
		c.SupportsToolCalling = false
	}},
	{"o1", func(c *types.ModelCapabilities) {
		c.ContextWindow = 200_000
		c.MaxOutputTokens = 100_000
	}},
	{"o3", func(c *types.ModelCapabilities) {
		c.ContextWindow = 200_000
		c.MaxOutputTokens = 100_000
	}},
	{"claude", func(c *types.ModelCapabilities) {
		c.ContextWindow = 200_000
		c.MaxOutputTokens = 8_192
	}},
	{"gemini-1.5-pro", func(c *types.ModelCapabilities) {
		c.ContextWindow = 2_097_152
		c.MaxOutputTokens = 8_192
	}},
	{"gemini", func(c *types.ModelCapabilities) {
		c.ContextWindow = 1_048_576
		c.MaxOutputTokens = 8_192
	}},
}

// Capabilities implements llm.Provider. Unknown models get streaming-capable,
// tool-capable defaults sized for current mid-range hosted models; the context
// trimmer treats the window as a ceiling, so a conservative guess only costs
// history depth.
func (p *Provider) Capabilities() types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}
	lower := strings.ToLower(p.model)
	for _, rule := range capRules {
		if strings.Contains(lower, rule.prefix) {
			rule.adjust(&caps)
			break
		}
	}
	return caps
}
