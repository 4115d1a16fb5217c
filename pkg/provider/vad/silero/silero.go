// Package silero provides a vad.Engine backed by the Silero VAD ONNX model,
// executed in-process through onnxruntime.
//
// The model classifies fixed 512-sample windows (32 ms at 16 kHz) and carries
// a recurrent state tensor between windows, which makes it far more robust
// against keyboard noise and breathing than an energy detector. Each session
// owns its own state tensors, so multiple connections can run concurrently
// against the shared runtime environment.
//
// The onnxruntime shared library must be available at runtime; its location
// can be overridden with the ONNXRUNTIME_LIB environment variable.
//
// Usage:
//
//	eng, err := silero.New("models/silero_vad.onnx")
//	sess, err := eng.NewSession(vad.Config{})
//	dec, err := sess.Process(pcmChunk)
//	if dec.SpeechEnded { ... }
package silero

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/novavoice/nova/pkg/provider/vad"
)

const (
	// windowSamples is the analysis window the Silero model expects at 16 kHz.
	windowSamples = 512
	windowBytes   = windowSamples * 2

	// stateElems is the size of the model's recurrent state tensor [2, 1, 128].
	stateElems = 2 * 1 * 128

	defaultSampleRate   = 16000
	defaultThreshold    = 0.5
	defaultMinSpeechMs  = 150
	defaultMinSilenceMs = 300
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the onnxruntime environment exactly once per
// process. Concurrent engine construction must not race on this.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Engine is a vad.Engine that creates Silero ONNX sessions from a model file.
type Engine struct {
	modelPath string
}

// New creates an Engine for the Silero VAD model at modelPath. The runtime
// environment is initialized on first use; New only validates that the model
// file exists.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements vad.Engine. Each session allocates its own input,
// state, and output tensors plus an onnxruntime session sharing the model.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := ensureOrtEnv(); err != nil {
		return nil, fmt.Errorf("silero: initialize onnxruntime: %w", err)
	}
	applyDefaults(&cfg)

	input, err := ort.NewTensor(ort.NewShape(1, windowSamples), make([]float32, windowSamples))
	if err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateElems))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)})
	if err != nil {
		input.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("silero: create state output tensor: %w", err)
	}

	ortSession, err := ort.NewAdvancedSession(e.modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{input, state, sr},
		[]ort.Value{output, stateOut},
		nil,
	)
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		stateOut.Destroy()
		return nil, fmt.Errorf("silero: create onnx session: %w", err)
	}

	s := &session{
		cfg:      cfg,
		input:    input,
		state:    state,
		sr:       sr,
		output:   output,
		stateOut: stateOut,
		ort:      ortSession,
	}
	s.infer = s.runModel
	return s, nil
}

func applyDefaults(cfg *vad.Config) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = defaultMinSpeechMs
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = defaultMinSilenceMs
	}
}

// Compile-time assertion that session implements vad.SessionHandle.
var _ vad.SessionHandle = (*session)(nil)

// session is a live Silero detection session. It buffers arbitrary-length
// chunks into fixed windows and runs the utterance state machine on window
// probabilities.
type session struct {
	cfg vad.Config

	// infer classifies one normalized window. Points at runModel in
	// production; tests substitute a stub.
	infer func(window []float32) (float64, error)

	input    *ort.Tensor[float32]
	state    *ort.Tensor[float32]
	sr       *ort.Tensor[int64]
	output   *ort.Tensor[float32]
	stateOut *ort.Tensor[float32]
	ort      *ort.AdvancedSession

	pending   []byte // trailing partial window held for the next Process call
	speaking  bool
	speechMs  int
	silenceMs int
	closed    bool
}

// Process implements vad.SessionHandle. It consumes every complete window in
// pending+chunk and keeps the remainder buffered.
func (s *session) Process(chunk []byte) (vad.Decision, error) {
	if s.closed {
		return vad.Decision{}, errors.New("silero: session is closed")
	}

	s.pending = append(s.pending, chunk...)

	windowMs := windowSamples * 1000 / s.cfg.SampleRate
	dec := vad.Decision{Speaking: s.speaking}

	for len(s.pending) >= windowBytes {
		window := pcmToFloat32(s.pending[:windowBytes])
		s.pending = s.pending[windowBytes:]

		prob, err := s.infer(window)
		if err != nil {
			return vad.Decision{}, fmt.Errorf("silero: inference: %w", err)
		}
		dec.Probability = prob

		if prob >= s.cfg.Threshold {
			s.speechMs += windowMs
			s.silenceMs = 0
			if !s.speaking && s.speechMs >= s.cfg.MinSpeechMs {
				s.speaking = true
			}
		} else {
			s.speechMs = 0
			if s.speaking {
				s.silenceMs += windowMs
				if s.silenceMs >= s.cfg.MinSilenceMs {
					s.speaking = false
					s.silenceMs = 0
					dec.SpeechEnded = true
				}
			}
		}
	}

	dec.Speaking = s.speaking
	return dec, nil
}

// Reset implements vad.SessionHandle. The recurrent state is zeroed so the
// next utterance starts from a clean model state.
func (s *session) Reset() {
	s.pending = nil
	s.speaking = false
	s.speechMs = 0
	s.silenceMs = 0
	if s.state != nil {
		clear(s.state.GetData())
	}
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ort != nil {
		s.ort.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.state != nil {
		s.state.Destroy()
	}
	if s.sr != nil {
		s.sr.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.stateOut != nil {
		s.stateOut.Destroy()
	}
	return nil
}

// runModel feeds one window through the ONNX session and carries the
// recurrent state forward.
func (s *session) runModel(window []float32) (float64, error) {
	copy(s.input.GetData(), window)
	if err := s.ort.Run(); err != nil {
		return 0, err
	}
	copy(s.state.GetData(), s.stateOut.GetData())

	out := s.output.GetData()
	if len(out) == 0 {
		return 0, errors.New("empty model output")
	}
	return float64(out[0]), nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0].
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
