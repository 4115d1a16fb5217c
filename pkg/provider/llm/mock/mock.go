// Package mock provides a test double for the llm package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/types"
)

// StreamCompletionCall records a single invocation of Provider.StreamCompletion.
type StreamCompletionCall struct {
	Request llm.CompletionRequest
}

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	Request llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks holds the chunk sequences emitted by successive
	// StreamCompletion calls. Call n receives StreamChunks[n-1]; once
	// exhausted, the last sequence is repeated. An empty outer slice yields an
	// immediately closed channel.
	StreamChunks [][]llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion.
	StreamErr error

	// CompleteResponses is returned by successive Complete calls, with the
	// same exhaustion rule as StreamChunks.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by every Complete call.
	CompleteErr error

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult types.ModelCapabilities

	// StreamCompletionCalls records every call to StreamCompletion in order.
	StreamCompletionCalls []StreamCompletionCall

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and plays back the next queued chunk
// sequence on the returned channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCompletionCalls = append(p.StreamCompletionCalls, StreamCompletionCall{Request: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	switch n := len(p.StreamCompletionCalls); {
	case len(p.StreamChunks) == 0:
	case n <= len(p.StreamChunks):
		chunks = p.StreamChunks[n-1]
	default:
		chunks = p.StreamChunks[len(p.StreamChunks)-1]
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the next queued response, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Request: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	switch n := len(p.CompleteCalls); {
	case len(p.CompleteResponses) == 0:
		return &llm.CompletionResponse{}, nil
	case n <= len(p.CompleteResponses):
		return p.CompleteResponses[n-1], nil
	default:
		return p.CompleteResponses[len(p.CompleteResponses)-1], nil
	}
}

// CountTokens applies the shared estimation heuristic.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns CapabilitiesResult.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// ResetCalls clears all recorded call history. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCompletionCalls = nil
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
