package silero

import (
	"testing"

	"github.com/novavoice/nova/pkg/provider/vad"
)

// newTestSession returns a session whose inference function is replaced by a
// stub that reads per-window probabilities from a queue. No onnxruntime
// resources are allocated.
func newTestSession(t *testing.T, probs []float64) *session {
	t.Helper()
	cfg := vad.Config{}
	applyDefaults(&cfg)
	s := &session{cfg: cfg}
	i := 0
	s.infer = func(_ []float32) (float64, error) {
		if i >= len(probs) {
			t.Fatalf("inference called %d times, only %d probabilities queued", i+1, len(probs))
		}
		p := probs[i]
		i++
		return p, nil
	}
	return s
}

// window returns n full analysis windows worth of PCM bytes.
func window(n int) []byte {
	return make([]byte, n*windowBytes)
}

func TestProcessBuffersPartialWindows(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, []float64{0.9})

	// Half a window: no inference yet.
	dec, err := s.Process(make([]byte, windowBytes/2))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if dec.Probability != 0 {
		t.Errorf("want no probability before a full window, got %v", dec.Probability)
	}

	// Second half completes exactly one window.
	dec, err = s.Process(make([]byte, windowBytes/2))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if dec.Probability != 0.9 {
		t.Errorf("want probability 0.9, got %v", dec.Probability)
	}
	if len(s.pending) != 0 {
		t.Errorf("want empty pending buffer, got %d bytes", len(s.pending))
	}
}

func TestSpeakingRequiresMinSpeechDuration(t *testing.T) {
	t.Parallel()

	// 4 speech windows at 32 ms each: 96 ms after three (below 150 ms),
	// 128 ms after four (still below), five crosses 160 ms.
	s := newTestSession(t, []float64{0.9, 0.9, 0.9, 0.9, 0.9})

	for i := 0; i < 4; i++ {
		dec, err := s.Process(window(1))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if dec.Speaking {
			t.Fatalf("speaking after %d windows (%d ms), want at least 150 ms", i+1, (i+1)*32)
		}
	}

	dec, err := s.Process(window(1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !dec.Speaking {
		t.Error("want Speaking after 160 ms of consecutive speech")
	}
}

func TestSpeechEndedAfterSilenceHangover(t *testing.T) {
	t.Parallel()

	probs := make([]float64, 0, 20)
	for i := 0; i < 6; i++ {
		probs = append(probs, 0.95) // 192 ms speech
	}
	for i := 0; i < 10; i++ {
		probs = append(probs, 0.05) // 320 ms silence
	}
	s := newTestSession(t, probs)

	dec, err := s.Process(window(6))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !dec.Speaking {
		t.Fatal("want Speaking after 192 ms of speech")
	}

	// 288 ms of silence: not yet ended.
	dec, err = s.Process(window(9))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if dec.SpeechEnded {
		t.Error("speech ended at 288 ms of silence, want at least 300 ms")
	}
	if !dec.Speaking {
		t.Error("want Speaking to persist through the silence hangover")
	}

	// One more window crosses 320 ms.
	dec, err = s.Process(window(1))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !dec.SpeechEnded {
		t.Error("want SpeechEnded after 320 ms of silence")
	}
	if dec.Speaking {
		t.Error("want Speaking false once the utterance ended")
	}
}

func TestBriefSilenceDoesNotEndUtterance(t *testing.T) {
	t.Parallel()

	probs := make([]float64, 0, 16)
	for i := 0; i < 6; i++ {
		probs = append(probs, 0.9)
	}
	probs = append(probs, 0.1, 0.1) // 64 ms pause
	for i := 0; i < 3; i++ {
		probs = append(probs, 0.9)
	}
	s := newTestSession(t, probs)

	dec, err := s.Process(window(len(probs)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if dec.SpeechEnded {
		t.Error("64 ms pause ended the utterance, want it bridged")
	}
	if !dec.Speaking {
		t.Error("want Speaking after speech resumed")
	}
}

func TestResetClearsCountersAndBuffer(t *testing.T) {
	t.Parallel()

	probs := make([]float64, 10)
	for i := range probs {
		probs[i] = 0.9
	}
	s := newTestSession(t, probs)

	if _, err := s.Process(window(6)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := s.Process(make([]byte, 100)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	s.Reset()

	if s.speaking || s.speechMs != 0 || s.silenceMs != 0 {
		t.Errorf("Reset left counters: speaking=%v speechMs=%d silenceMs=%d",
			s.speaking, s.speechMs, s.silenceMs)
	}
	if len(s.pending) != 0 {
		t.Errorf("Reset left %d pending bytes", len(s.pending))
	}
}

func TestProcessAfterCloseFails(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Process(window(1)); err == nil {
		t.Error("want error from Process after Close")
	}
}

func TestPCMToFloat32(t *testing.T) {
	t.Parallel()

	// 0x7FFF → ~1.0, 0x8000 → -1.0, 0x0000 → 0.
	pcm := []byte{0xFF, 0x7F, 0x00, 0x80, 0x00, 0x00}
	got := pcmToFloat32(pcm)
	if len(got) != 3 {
		t.Fatalf("want 3 samples, got %d", len(got))
	}
	if got[0] < 0.99 || got[0] > 1.0 {
		t.Errorf("sample 0: want ~1.0, got %v", got[0])
	}
	if got[1] != -1.0 {
		t.Errorf("sample 1: want -1.0, got %v", got[1])
	}
	if got[2] != 0 {
		t.Errorf("sample 2: want 0, got %v", got[2])
	}
}
