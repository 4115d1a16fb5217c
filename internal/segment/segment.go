// Package segment accumulates raw PCM into utterances between voice activity
// boundaries. The session appends audio while listening and, once the VAD
// reports the speech ended, takes an atomic snapshot of the buffer for
// transcription.
package segment

import (
	"sync"
	"time"
)

const (
	// DefaultMinUtteranceBytes is 500 ms at 16 kHz mono PCM16. Shorter
	// segments are discarded as noise rather than sent to the transcriber.
	DefaultMinUtteranceBytes = 16000

	// DefaultMaxBufferBytes caps the buffer at 30 s of audio. When exceeded,
	// the oldest audio is dropped so a stuck-open microphone cannot grow the
	// buffer without bound.
	DefaultMaxBufferBytes = 960000

	// bytesPerSecond is the PCM16 mono data rate at 16 kHz.
	bytesPerSecond = 32000
)

// Buffer is an utterance accumulator. It is safe for concurrent use.
type Buffer struct {
	mu  sync.Mutex
	pcm []byte

	minBytes int
	maxBytes int
}

// Option is a functional option for Buffer.
type Option func(*Buffer)

// WithMinUtteranceBytes overrides the minimum utterance size.
func WithMinUtteranceBytes(n int) Option {
	return func(b *Buffer) { b.minBytes = n }
}

// WithMaxBufferBytes overrides the buffer cap.
func WithMaxBufferBytes(n int) Option {
	return func(b *Buffer) { b.maxBytes = n }
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		minBytes: DefaultMinUtteranceBytes,
		maxBytes: DefaultMaxBufferBytes,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Append adds a PCM chunk to the buffer. When the cap is exceeded the oldest
// audio is dropped.
func (b *Buffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = append(b.pcm, chunk...)
	if len(b.pcm) > b.maxBytes {
		drop := len(b.pcm) - b.maxBytes
		b.pcm = append(b.pcm[:0], b.pcm[drop:]...)
	}
}

// Len returns the buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// Duration returns the buffered audio length.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(len(b.pcm)) * time.Second / bytesPerSecond
}

// HasUtterance reports whether the buffer holds at least the minimum
// utterance length.
func (b *Buffer) HasUtterance() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm) >= b.minBytes
}

// Take atomically snapshots and clears the buffer. When the buffered audio is
// shorter than the minimum utterance length, the buffer is still cleared and
// nil is returned; concurrent Appends land in the fresh buffer either way.
func (b *Buffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	pcm := b.pcm
	b.pcm = nil
	if len(pcm) < b.minBytes {
		return nil
	}
	return pcm
}

// Clear discards all buffered audio.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = nil
}
