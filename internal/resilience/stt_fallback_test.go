package resilience

import (
	"context"
	"errors"
	"testing"

	sttmock "github.com/novavoice/nova/pkg/provider/stt/mock"
	"github.com/novavoice/nova/pkg/types"
)

func TestSTTFallbackPrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{
		Transcripts:   []types.Transcript{{Text: "hello from primary"}},
		HealthyResult: true,
	}
	secondary := &sttmock.Provider{
		Transcripts: []types.Transcript{{Text: "hello from secondary"}},
	}

	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	tr, err := f.Transcribe(context.Background(), []byte{1, 2})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello from primary" {
		t.Errorf("text = %q", tr.Text)
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.TranscribeCalls))
	}
}

func TestSTTFallbackFailsOver(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{TranscribeErr: errors.New("whisper down")}
	secondary := &sttmock.Provider{
		Transcripts: []types.Transcript{{Text: "backup heard you"}},
	}

	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	tr, err := f.Transcribe(context.Background(), []byte{1, 2})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "backup heard you" {
		t.Errorf("text = %q", tr.Text)
	}
}

func TestSTTFallbackAllFail(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{TranscribeErr: errors.New("down")}

	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	if _, err := f.Transcribe(context.Background(), []byte{1}); !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestSTTFallbackHealthy(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{HealthyResult: true}

	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	if f.Healthy(context.Background()) {
		t.Error("Healthy = true with no healthy backend")
	}
	f.AddFallback("secondary", secondary)
	if !f.Healthy(context.Background()) {
		t.Error("Healthy = false with a healthy fallback")
	}
}
