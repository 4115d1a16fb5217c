// Package piper provides a tts.Provider backed by the Piper neural TTS
// engine, invoked as a subprocess per sentence.
//
// Piper operates in batch mode (one process invocation per phrase rather than
// a streaming socket), so SynthesizeStream accumulates incoming text
// fragments into complete sentences and dispatches one synthesis per
// sentence, emitting each sentence's WAV on the audio channel in order.
// Playback latency is hidden by synthesising the next sentence while the
// previous one plays.
//
// Voice models are ONNX files laid out as {voicesDir}/en_US-{voice}-medium.onnx
// with their JSON configs alongside, matching the standard Piper voice
// distribution. The speaking rate is mapped to Piper's --length_scale flag
// (scale = 1 / rate).
//
// Typical usage:
//
//	p, err := piper.New("/opt/piper/piper", "/opt/piper/voices")
//	audio, err := p.SynthesizeStream(ctx, textCh, voiceProfile)
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/novavoice/nova/pkg/provider/tts"
	"github.com/novavoice/nova/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 64

	// singleChunkMax is the WAV size below which a sentence is emitted as one
	// complete chunk. Larger WAVs are sliced so a single long sentence cannot
	// stall the websocket writer.
	singleChunkMax = 500 * 1024

	// sliceSize is the slice length used for WAVs above singleChunkMax.
	sliceSize = 256 * 1024

	// minRate and maxRate bound the speaking rate; values outside are clamped.
	minRate = 0.5
	maxRate = 2.0

	defaultTimeout = 30 * time.Second
)

// Voices lists the bundled voice identifiers, in presentation order.
var Voices = []string{"amy", "lessac", "ryan"}

// voiceMeta carries the displayable attributes of each bundled voice.
var voiceMeta = map[string]map[string]string{
	"amy":    {"gender": "female", "quality": "medium"},
	"lessac": {"gender": "female", "quality": "medium"},
	"ryan":   {"gender": "male", "quality": "medium"},
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-sentence synthesis timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// Provider implements tts.Provider by spawning the piper binary per sentence.
// It is safe for concurrent use; every synthesis is an independent process.
type Provider struct {
	binaryPath string
	voicesDir  string
	timeout    time.Duration
}

// New creates a Provider using the piper binary at binaryPath and voice
// models under voicesDir. Both must be non-empty; the binary's presence is
// verified lazily by Healthy rather than at construction.
func New(binaryPath, voicesDir string, opts ...Option) (*Provider, error) {
	if binaryPath == "" {
		return nil, errors.New("piper: binaryPath must not be empty")
	}
	if voicesDir == "" {
		return nil, errors.New("piper: voicesDir must not be empty")
	}
	p := &Provider{
		binaryPath: binaryPath,
		voicesDir:  voicesDir,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SynthesizeStream implements tts.Provider. Text fragments are accumulated
// into sentences (split on '.', '!', '?' followed by whitespace or EOF) and
// each sentence is synthesised in turn. Chunk boundaries preserve sentence
// order; the caller sees either one complete WAV per sentence or ordered
// slices of it for oversized sentences.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	modelPath, err := p.modelPath(voice.ID)
	if err != nil {
		return nil, err
	}
	lengthScale := lengthScaleFor(voice.SpeedFactor)

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		var buf strings.Builder
		emit := func(sentence string) bool {
			wav, err := p.run(ctx, modelPath, lengthScale, sentence)
			if err != nil {
				// Synthesis errors stop the stream; the caller distinguishes
				// cancellation via ctx.Err().
				return false
			}
			for _, chunk := range sliceWAV(wav) {
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if remaining := strings.TrimSpace(buf.String()); remaining != "" {
						emit(remaining)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := findSentenceBoundary(s)
					if idx < 0 {
						break
					}
					sentence := strings.TrimSpace(s[:idx+1])
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if sentence == "" {
						continue
					}
					if !emit(sentence) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// Synthesize implements tts.Provider by rendering text in a single piper
// invocation and returning the complete WAV.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	modelPath, err := p.modelPath(voice.ID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("piper: text must not be empty")
	}
	return p.run(ctx, modelPath, lengthScaleFor(voice.SpeedFactor), text)
}

// ListVoices implements tts.Provider. Only voices whose model file is present
// on disk are returned.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	profiles := make([]types.VoiceProfile, 0, len(Voices))
	for _, id := range Voices {
		path, err := p.modelPath(id)
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       id,
			Name:     strings.ToUpper(id[:1]) + id[1:],
			Provider: "piper",
			Metadata: voiceMeta[id],
		})
	}
	return profiles, nil
}

// Healthy implements tts.Provider by checking the binary and at least one
// voice model are present.
func (p *Provider) Healthy(ctx context.Context) bool {
	if _, err := exec.LookPath(p.binaryPath); err != nil {
		return false
	}
	voices, err := p.ListVoices(ctx)
	return err == nil && len(voices) > 0
}

// run spawns one piper process, writing text to stdin and reading the WAV
// from stdout.
func (p *Provider) run(ctx context.Context, modelPath string, lengthScale float64, text string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.binaryPath,
		"--model", modelPath,
		"--length_scale", strconv.FormatFloat(lengthScale, 'f', 3, 64),
		"--output_file", "-",
	)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("piper: synthesis cancelled: %w", runCtx.Err())
		}
		return nil, fmt.Errorf("piper: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	wav := stdout.Bytes()
	if len(wav) < 44 {
		return nil, fmt.Errorf("piper: output too short to be a WAV (%d bytes)", len(wav))
	}
	return wav, nil
}

// modelPath resolves a voice ID to its ONNX model file path.
func (p *Provider) modelPath(voiceID string) (string, error) {
	if voiceID == "" {
		voiceID = Voices[0]
	}
	if _, ok := voiceMeta[voiceID]; !ok {
		return "", fmt.Errorf("piper: unknown voice %q", voiceID)
	}
	return filepath.Join(p.voicesDir, fmt.Sprintf("en_US-%s-medium.onnx", voiceID)), nil
}

// lengthScaleFor maps a speaking rate to Piper's length scale. Rates outside
// [0.5, 2.0] are clamped; a zero rate means the default 1.0.
func lengthScaleFor(rate float64) float64 {
	if rate == 0 {
		rate = 1.0
	}
	if rate < minRate {
		rate = minRate
	}
	if rate > maxRate {
		rate = maxRate
	}
	return 1.0 / rate
}

// sliceWAV returns the WAV as a single chunk when small enough, or ordered
// slices otherwise. Slices are only meaningful to a client that accumulates
// until the end of the sentence.
func sliceWAV(wav []byte) [][]byte {
	if len(wav) <= singleChunkMax {
		return [][]byte{wav}
	}
	var chunks [][]byte
	for off := 0; off < len(wav); off += sliceSize {
		end := min(off+sliceSize, len(wav))
		chunks = append(chunks, wav[off:end])
	}
	return chunks
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
//
// This ensures that abbreviations like "Dr." or decimal numbers like "3.14"
// are not incorrectly treated as sentence boundaries when followed by a
// non-space character.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
