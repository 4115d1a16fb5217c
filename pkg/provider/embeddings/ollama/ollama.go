// Package ollama embeds text with a local Ollama server via its /api/embed
// endpoint. It backs Nova's semantic memory when no cloud key is configured,
// pairing naturally with an Ollama LLM backend on the same box.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/novavoice/nova/pkg/provider/embeddings"
)

// DefaultBaseURL is where a locally installed Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

// Compile-time interface assertion.
var _ embeddings.Provider = (*Provider)(nil)

// modelWidths maps the embedding models people actually run locally to their
// vector widths, so construction does not need a live server.
var modelWidths = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// Provider embeds text through an Ollama server. Safe for concurrent use;
// every Embed call is an independent HTTP request.
//
// The vector width comes from [WithDimensions], the known-model table, or a
// one-off probe request on the first Dimensions call, in that order.
type Provider struct {
	baseURL    string
	model      string
	width      int
	httpClient *http.Client

	probeOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout bounds each embed request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithDimensions fixes the vector width up front, skipping both the model
// table and the probe request.
func WithDimensions(width int) Option {
	return func(p *Provider) {
		p.width = width
	}
}

// New creates a Provider for model on the Ollama server at baseURL. An empty
// baseURL means [DefaultBaseURL]; model must be set.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.width == 0 {
		for name, width := range modelWidths {
			if strings.Contains(strings.ToLower(model), name) {
				p.width = width
				break
			}
		}
	}
	return p, nil
}

// Embed implements embeddings.Provider. The text goes to Ollama verbatim.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.requestEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider. For a model outside the known
// table it probes the live server once and caches the answer; 0 means the
// probe failed and the server is unreachable.
func (p *Provider) Dimensions() int {
	if p.width != 0 {
		return p.width
	}
	p.probeOnce.Do(func() {
		vec, err := p.requestEmbedding(context.Background(), "probe")
		if err == nil {
			p.width = len(vec)
		}
	})
	return p.width
}

func (p *Provider) requestEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(body.Embeddings) == 0 || len(body.Embeddings[0]) == 0 {
		return nil, errors.New("empty embedding in response")
	}
	return body.Embeddings[0], nil
}
