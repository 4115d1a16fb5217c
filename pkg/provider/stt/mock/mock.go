// Package mock provides a test double for the stt package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcripts is returned by successive Transcribe calls. Once exhausted,
	// the last element is repeated; if empty, the zero Transcript is returned.
	Transcripts []types.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// HealthyResult is returned by Healthy. Defaults to false; set to true for
	// a healthy mock.
	HealthyResult bool

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next queued Transcript, TranscribeErr.
func (p *Provider) Transcribe(_ context.Context, pcm []byte) (types.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: cp})

	var tr types.Transcript
	switch n := len(p.TranscribeCalls); {
	case len(p.Transcripts) == 0:
	case n <= len(p.Transcripts):
		tr = p.Transcripts[n-1]
	default:
		tr = p.Transcripts[len(p.Transcripts)-1]
	}
	return tr, p.TranscribeErr
}

// Healthy returns HealthyResult.
func (p *Provider) Healthy(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthyResult
}

// ResetCalls clears all recorded call history. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
