package resilience

import (
	"context"

	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/types"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple transcription backends. Each backend sits behind its own breaker.
type STTFallback struct {
	chain *Chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.chain.Add(name, provider)
}

// Transcribe sends the utterance to the first backend that answers. A failed
// or tripped primary is skipped in favour of its fallbacks.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte) (types.Transcript, error) {
	return Try(f.chain, func(p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, pcm)
	})
}

// Healthy reports whether any backend in the chain is reachable.
func (f *STTFallback) Healthy(ctx context.Context) bool {
	return f.chain.AnyHealthy(func(p stt.Provider) bool {
		return p.Healthy(ctx)
	})
}
