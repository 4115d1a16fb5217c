// Package tts defines the interface for text-to-speech backends.
//
// Synthesis is stream-oriented: the pipeline feeds response text into a
// channel as the LLM produces it and receives audio chunks on another
// channel, so playback can begin before the full response is known.
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/novavoice/nova/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting audio chunks (WAV-encoded, possibly sliced
	// for transport). The audio channel is closed when all text has been
	// synthesised or ctx is cancelled. The caller must drain the channel.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// Synthesize renders a single complete phrase and returns the full WAV.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns the voices this provider can speak with.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Healthy reports whether the backend is ready to synthesise.
	Healthy(ctx context.Context) bool
}
