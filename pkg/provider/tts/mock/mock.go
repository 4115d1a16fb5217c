// Package mock provides a test double for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/novavoice/nova/pkg/provider/tts"
	"github.com/novavoice/nova/pkg/types"
)

// SynthesizeStreamCall records a single invocation of Provider.SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the voice profile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Text collects every fragment read from the text channel.
	Text []string
}

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted on the audio channel by SynthesizeStream once the text
	// channel is closed, and returned concatenated by Synthesize.
	Chunks [][]byte

	// SynthesizeStreamErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeStreamErr error

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// VoicesResult is returned by ListVoices.
	VoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// HealthyResult is returned by Healthy. Defaults to false.
	HealthyResult bool

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	// A call's Text slice is complete only after its audio channel closes.
	SynthesizeStreamCalls []*SynthesizeStreamCall

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// SynthesizeStream records the call, drains the text channel, then emits
// Chunks on the returned audio channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeStreamErr != nil {
		err := p.SynthesizeStreamErr
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeStreamCall{Voice: voice}
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, call)
	chunks := p.Chunks
	p.mu.Unlock()

	audioCh := make(chan []byte, len(chunks))
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					for _, c := range chunks {
						select {
						case audioCh <- c:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				p.mu.Lock()
				call.Text = append(call.Text, fragment)
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// Synthesize records the call and returns Chunks concatenated, SynthesizeErr.
func (p *Provider) Synthesize(_ context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	var wav []byte
	for _, c := range p.Chunks {
		wav = append(wav, c...)
	}
	return wav, nil
}

// ListVoices returns VoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VoicesResult, p.ListVoicesErr
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
	p.SynthesizeStreamCalls = nil
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
