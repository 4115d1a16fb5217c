// Package whispercpp provides an stt.Provider backed by the whisper.cpp CGO
// bindings, eliminating HTTP overhead entirely. The model file is loaded once
// at startup and shared by all Transcribe calls.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/types"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of PCM data passed to Transcribe. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements stt.Provider using an in-process whisper.cpp model.
// The model is shared; each Transcribe call creates its own whisper context,
// so concurrent calls do not interfere.
type Provider struct {
	model      whisperlib.Model
	language   string
	sampleRate int

	mu     sync.Mutex
	closed bool
}

// New creates a Provider that loads the whisper.cpp model from modelPath.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:      model,
		language:   "en",
		sampleRate: 16000,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Transcribe calls after Close fail.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Provider. The PCM is converted to float32 and fed
// through a fresh whisper context; segment texts are joined with spaces.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, fmt.Errorf("whispercpp: context cancelled: %w", err)
	}
	// Under 100 ms of audio cannot carry a word; skip the engine entirely.
	if time.Duration(len(pcm)/2)*time.Second/time.Duration(p.sampleRate) < 100*time.Millisecond {
		return types.Transcript{}, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.Transcript{}, errors.New("whispercpp: provider is closed")
	}
	model := p.model
	p.mu.Unlock()

	samples := pcmToFloat32(pcm)

	// Contexts are not thread-safe, but the model can be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default",
			"language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return types.Transcript{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Transcript{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return types.Transcript{
		Text:     strings.Join(parts, " "),
		Duration: time.Duration(len(pcm)/2) * time.Second / time.Duration(p.sampleRate),
	}, nil
}

// Healthy implements stt.Provider. An in-process model is healthy as long as
// it has not been closed.
func (p *Provider) Healthy(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.model != nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
