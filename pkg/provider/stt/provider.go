// Package stt defines the interface for speech-to-text backends.
//
// Unlike a dictation system, the pipeline transcribes complete utterances:
// the VAD gate and segmenter deliver one finished chunk of speech at a time,
// so the provider surface is a single batch call rather than a streaming
// session. Implementations must be safe for concurrent use; the pipeline may
// transcribe utterances from several connections at once.
package stt

import (
	"context"

	"github.com/novavoice/nova/pkg/types"
)

// Provider is the abstraction over any utterance transcription backend.
type Provider interface {
	// Transcribe converts a complete utterance of 16-bit little-endian mono
	// PCM at 16 kHz into text. An utterance that contains no recognisable
	// speech yields an empty Transcript, not an error.
	Transcribe(ctx context.Context, pcm []byte) (types.Transcript, error)

	// Healthy reports whether the backend is reachable and ready. Used by the
	// health endpoint; it must not block longer than the supplied context allows.
	Healthy(ctx context.Context) bool
}
