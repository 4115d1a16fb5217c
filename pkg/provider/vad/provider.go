// Package vad defines the interfaces for voice activity detection engines.
//
// A VAD engine gates the raw microphone stream: it decides, per audio chunk,
// whether the user is currently speaking and when an utterance has ended. The
// pipeline uses these decisions to segment utterances for transcription and to
// trigger barge-in while the assistant is speaking.
//
// Implementations must be safe for concurrent use at the Engine level; a
// SessionHandle belongs to a single connection and is not required to be
// goroutine-safe.
package vad

// Config holds the tuning parameters for a VAD session.
type Config struct {
	// SampleRate of the incoming PCM in Hz. Defaults to 16000.
	SampleRate int

	// Threshold is the speech probability above which a window counts as
	// speech. Defaults to 0.5.
	Threshold float64

	// MinSpeechMs is the consecutive speech duration required before the
	// session reports Speaking. Defaults to 150 ms.
	MinSpeechMs int

	// MinSilenceMs is the consecutive silence duration after speech that ends
	// the utterance. Defaults to 300 ms.
	MinSilenceMs int
}

// Decision is the result of analysing one audio chunk.
type Decision struct {
	// Probability is the speech probability of the most recent analysis
	// window (0.0–1.0). Zero when the chunk completed no full window.
	Probability float64

	// Speaking reports whether the session currently considers the user to be
	// speaking.
	Speaking bool

	// SpeechEnded is true when this chunk closed an utterance: speech was in
	// progress and the configured silence hangover has now elapsed.
	SpeechEnded bool
}

// Engine creates VAD sessions. One engine is shared by all connections; the
// underlying model is loaded once.
type Engine interface {
	// NewSession creates an independent detection session with its own
	// recurrent state and counters. Zero-value cfg fields take defaults.
	NewSession(cfg Config) (SessionHandle, error)
}

// SessionHandle is a live VAD session bound to a single audio stream.
type SessionHandle interface {
	// Process analyses a chunk of 16-bit little-endian mono PCM. Chunks may be
	// any length; the session buffers a trailing partial analysis window for
	// the next call.
	Process(chunk []byte) (Decision, error)

	// Reset clears buffered audio, speech/silence counters, and the model's
	// recurrent state. Called after an utterance has been consumed.
	Reset()

	// Close releases session resources. The handle must not be used after Close.
	Close() error
}
