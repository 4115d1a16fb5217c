package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/novavoice/nova/internal/protocol"
	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/internal/tools"
	"github.com/novavoice/nova/pkg/provider/llm"
	llmmock "github.com/novavoice/nova/pkg/provider/llm/mock"
	sttmock "github.com/novavoice/nova/pkg/provider/stt/mock"
	ttsmock "github.com/novavoice/nova/pkg/provider/tts/mock"
	"github.com/novavoice/nova/pkg/provider/vad"
	vadmock "github.com/novavoice/nova/pkg/provider/vad/mock"
	"github.com/novavoice/nova/pkg/types"
)

// frameRecorder is a Sender that records every frame it is asked to deliver.
type frameRecorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *frameRecorder) Send(_ context.Context, frame protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *frameRecorder) all() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *frameRecorder) typeSequence() []string {
	frames := r.all()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func (r *frameRecorder) firstOfType(typ string) (protocol.Frame, bool) {
	for _, f := range r.all() {
		if f.Type == typ {
			return f, true
		}
	}
	return protocol.Frame{}, false
}

// utterance is comfortably above the minimum utterance length of the segment
// buffer.
func utterance() []byte {
	return make([]byte, 20000)
}

func newTestPipeline(t *testing.T, sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider, reg *tools.Registry) *Pipeline {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	p, err := New(Config{
		STT:       sttP,
		TTS:       ttsP,
		Registry:  reg,
		Executor:  tools.NewExecutor(reg),
		SelectLLM: func(session.Settings) llm.Provider { return llmP },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func newListeningSession(vadHandle vad.SessionHandle) *session.Session {
	sess := session.New("", vadHandle, session.Settings{Voice: "amy", VoiceSpeed: 1.0, LLMBackend: "ollama"})
	sess.SetState(session.StateListening)
	return sess
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestVoiceTurnHappyPath(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello there"}}}
	llmP := &llmmock.Provider{StreamChunks: [][]llm.Chunk{{
		{Text: "Hi "},
		{Text: "friend!", FinishReason: "stop"},
	}}}
	ttsP := &ttsmock.Provider{Chunks: [][]byte{{1, 2, 3}, {4, 5, 6}}}
	vadSess := &vadmock.Session{}

	p := newTestPipeline(t, sttP, llmP, ttsP, nil)
	sess := newListeningSession(vadSess)
	sess.Audio.Append(utterance())
	rec := &frameRecorder{}

	p.RunVoiceTurn(context.Background(), sess, rec)

	want := []string{
		protocol.FrameState,
		protocol.FrameTranscript,
		protocol.FrameResponseChunk,
		protocol.FrameResponse,
		protocol.FrameState,
		protocol.FrameAudio,
		protocol.FrameAudio,
		protocol.FrameAudioEnd,
	}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}

	frames := rec.all()
	if frames[0].State != string(session.StateProcessing) {
		t.Errorf("first state frame = %q, want processing", frames[0].State)
	}
	if frames[1].Text != "hello there" {
		t.Errorf("transcript = %q, want %q", frames[1].Text, "hello there")
	}
	if frames[2].Text != "Hi friend!" {
		t.Errorf("response chunk = %q, want normalized %q", frames[2].Text, "Hi friend!")
	}
	if frames[3].Text != "Hi friend!" {
		t.Errorf("response = %q, want %q", frames[3].Text, "Hi friend!")
	}
	if frames[4].State != string(session.StateSpeaking) {
		t.Errorf("second state frame = %q, want speaking", frames[4].State)
	}
	decoded, err := base64.StdEncoding.DecodeString(frames[5].Audio)
	if err != nil || string(decoded) != string([]byte{1, 2, 3}) {
		t.Errorf("audio frame payload = %v (err %v), want [1 2 3]", decoded, err)
	}

	if got := sess.State(); got != session.StateSpeaking {
		t.Errorf("session state = %q, want speaking", got)
	}
	if vadSess.ResetCallCount != 1 {
		t.Errorf("VAD reset count = %d, want 1", vadSess.ResetCallCount)
	}
	if len(sttP.TranscribeCalls) != 1 {
		t.Errorf("transcribe calls = %d, want 1", len(sttP.TranscribeCalls))
	}
	if len(ttsP.SynthesizeStreamCalls) != 1 {
		t.Fatalf("synthesize calls = %d, want 1", len(ttsP.SynthesizeStreamCalls))
	}
	if got := ttsP.SynthesizeStreamCalls[0].Voice.ID; got != "amy" {
		t.Errorf("voice = %q, want amy", got)
	}
}

func TestVoiceTurnEmptyTranscriptReturnsToListening(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: ""}}}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	p := newTestPipeline(t, sttP, llmP, ttsP, nil)
	sess := newListeningSession(&vadmock.Session{})
	sess.Audio.Append(utterance())
	rec := &frameRecorder{}

	p.RunVoiceTurn(context.Background(), sess, rec)

	want := []string{protocol.FrameState, protocol.FrameState}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}
	if got := sess.State(); got != session.StateListening {
		t.Errorf("session state = %q, want listening", got)
	}
	if len(llmP.StreamCompletionCalls) != 0 {
		t.Errorf("LLM was called %d times for an empty transcript", len(llmP.StreamCompletionCalls))
	}
}

func TestVoiceTurnWithoutUtteranceDoesNothing(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	p := newTestPipeline(t, sttP, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.RunVoiceTurn(context.Background(), sess, rec)

	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames for an empty buffer, want 0", got)
	}
	if len(sttP.TranscribeCalls) != 0 {
		t.Errorf("transcribe was called with no utterance")
	}
}

func TestToolCallTurn(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	if err := reg.Register(tools.Tool{
		Name:        "get_time",
		Description: "Current time",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"time": "12:00"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "what time is it"}}}
	llmP := &llmmock.Provider{StreamChunks: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{ID: "call_1", Name: "get_time", Arguments: "{}"}}}},
		{{Text: "It is noon.", FinishReason: "stop"}},
	}}
	ttsP := &ttsmock.Provider{Chunks: [][]byte{{9}}}

	p := newTestPipeline(t, sttP, llmP, ttsP, reg)
	sess := newListeningSession(&vadmock.Session{})
	sess.Audio.Append(utterance())
	rec := &frameRecorder{}

	p.RunVoiceTurn(context.Background(), sess, rec)

	want := []string{
		protocol.FrameState,
		protocol.FrameTranscript,
		protocol.FrameToolCall,
		protocol.FrameToolResult,
		protocol.FrameFlyout,
		protocol.FrameResponseChunk,
		protocol.FrameResponse,
		protocol.FrameState,
		protocol.FrameAudio,
		protocol.FrameAudioEnd,
	}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}

	call, _ := rec.firstOfType(protocol.FrameToolCall)
	if call.Tool != "get_time" {
		t.Errorf("tool_call tool = %q, want get_time", call.Tool)
	}
	result, _ := rec.firstOfType(protocol.FrameToolResult)
	if result.Success == nil || !*result.Success {
		t.Error("tool_result should report success")
	}

	if got := len(llmP.StreamCompletionCalls); got != 2 {
		t.Fatalf("LLM calls = %d, want 2 (tool round plus follow-up)", got)
	}
	followUp := llmP.StreamCompletionCalls[1].Request.Messages
	last := followUp[len(followUp)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("follow-up last message = %+v, want tool result for call_1", last)
	}

	msgs := sess.Conversation.Messages()
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if !equalStrings(roles, wantRoles) {
		t.Errorf("conversation roles = %v, want %v", roles, wantRoles)
	}
}

func TestInlineToolCallJSONNeverReachesChunkFrames(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	if err := reg.Register(tools.Tool{
		Name:        "get_time",
		Description: "Current time",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"time": "12:00"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Some models emit the tool call as plain text, split across stream
	// chunks. None of those fragments may reach the client.
	llmP := &llmmock.Provider{StreamChunks: [][]llm.Chunk{
		{
			{Text: `{"name": "get_ti`},
			{Text: `me", "arguments": {}}`, FinishReason: "stop"},
		},
		{{Text: "It is noon.", FinishReason: "stop"}},
	}}
	ttsP := &ttsmock.Provider{Chunks: [][]byte{{9}}}

	p := newTestPipeline(t, &sttmock.Provider{}, llmP, ttsP, reg)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.RunTextTurn(context.Background(), sess, rec, "what time is it")

	var chunks []string
	for _, f := range rec.all() {
		if f.Type == protocol.FrameResponseChunk {
			for _, c := range f.Text {
				if c == '{' || c == '}' {
					t.Fatalf("response chunk leaked tool-call JSON: %q", f.Text)
				}
			}
			chunks = append(chunks, f.Text)
		}
	}
	if !equalStrings(chunks, []string{"It is noon."}) {
		t.Fatalf("response chunks = %v, want the follow-up text only", chunks)
	}

	call, ok := rec.firstOfType(protocol.FrameToolCall)
	if !ok || call.Tool != "get_time" {
		t.Fatalf("tool_call frame = %+v, want get_time", call)
	}
	resp, ok := rec.firstOfType(protocol.FrameResponse)
	if !ok || resp.Text != "It is noon." {
		t.Errorf("response = %+v, want the chunk concatenation", resp)
	}
}

func TestTextTurnSkipsSTT(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{}
	llmP := &llmmock.Provider{StreamChunks: [][]llm.Chunk{{
		{Text: "Typed reply.", FinishReason: "stop"},
	}}}
	ttsP := &ttsmock.Provider{Chunks: [][]byte{{7}}}

	p := newTestPipeline(t, sttP, llmP, ttsP, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.RunTextTurn(context.Background(), sess, rec, "hello in writing")

	want := []string{
		protocol.FrameState,
		protocol.FrameResponseChunk,
		protocol.FrameResponse,
		protocol.FrameState,
		protocol.FrameAudio,
		protocol.FrameAudioEnd,
	}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}
	if len(sttP.TranscribeCalls) != 0 {
		t.Errorf("STT was called %d times for a text turn", len(sttP.TranscribeCalls))
	}
	msgs := sess.Conversation.Messages()
	if len(msgs) == 0 || msgs[0].Content != "hello in writing" {
		t.Errorf("first message = %+v, want the typed text", msgs)
	}
}

func TestBargeInWhileSpeaking(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Decisions: []vad.Decision{{Probability: 0.9, Speaking: true}}}
	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(vadSess)
	sess.SetState(session.StateSpeaking)
	sess.Audio.Append(make([]byte, 4096))
	rec := &frameRecorder{}

	ready := p.HandleAudio(context.Background(), sess, rec, make([]byte, 1024), true)
	if ready {
		t.Error("HandleAudio reported a completed utterance during barge-in")
	}

	want := []string{protocol.FrameInterrupted, protocol.FrameState}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}
	if got := sess.State(); got != session.StateListening {
		t.Errorf("session state = %q, want listening", got)
	}
	if !sess.StopRequested() {
		t.Error("barge-in did not set the stop flag")
	}
	if got := sess.Audio.Len(); got != 0 {
		t.Errorf("audio buffer holds %d bytes after barge-in, want 0", got)
	}
	if vadSess.ResetCallCount != 1 {
		t.Errorf("VAD reset count = %d, want 1", vadSess.ResetCallCount)
	}
}

func TestUnconfirmedSpeechIsNotBargeIn(t *testing.T) {
	t.Parallel()

	// A single loud window raises the probability but the hysteresis has not
	// confirmed speech yet. That is our own TTS echoing back, not the user.
	vadSess := &vadmock.Session{Decisions: []vad.Decision{{Probability: 0.6, Speaking: false}}}
	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(vadSess)
	sess.SetState(session.StateSpeaking)
	rec := &frameRecorder{}

	p.HandleAudio(context.Background(), sess, rec, make([]byte, 1024), true)

	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames for unconfirmed speech, want 0", got)
	}
	if got := sess.State(); got != session.StateSpeaking {
		t.Errorf("session state = %q, want speaking", got)
	}
	if sess.StopRequested() {
		t.Error("unconfirmed speech set the stop flag")
	}
}

func TestSpeechWithoutPlaybackIsNotBargeIn(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Decisions: []vad.Decision{{Probability: 0.9, Speaking: true}}}
	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(vadSess)
	sess.SetState(session.StateSpeaking)
	rec := &frameRecorder{}

	p.HandleAudio(context.Background(), sess, rec, make([]byte, 1024), false)

	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames, want 0 when the client is not playing", got)
	}
	if got := sess.State(); got != session.StateSpeaking {
		t.Errorf("session state = %q, want speaking", got)
	}
}

func TestHandleAudioAccumulatesWhileListening(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{Decisions: []vad.Decision{
		{Probability: 0.8, Speaking: true},
		{Probability: 0.1, SpeechEnded: true},
	}}
	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(vadSess)
	rec := &frameRecorder{}

	if ready := p.HandleAudio(context.Background(), sess, rec, utterance(), false); ready {
		t.Error("utterance reported complete before speech ended")
	}
	if ready := p.HandleAudio(context.Background(), sess, rec, make([]byte, 512), false); !ready {
		t.Error("utterance not reported complete after speech ended")
	}
	if got := sess.Audio.Len(); got != 20512 {
		t.Errorf("buffered audio = %d bytes, want 20512", got)
	}
}

func TestShortSegmentIsDroppedAsNoise(t *testing.T) {
	t.Parallel()

	// Speech ends before the minimum utterance length: a cough or a door
	// slam. The fragment must not linger and prefix the next real utterance.
	vadSess := &vadmock.Session{Decisions: []vad.Decision{
		{Probability: 0.8, Speaking: true},
		{Probability: 0.1, SpeechEnded: true},
	}}
	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(vadSess)
	rec := &frameRecorder{}

	p.HandleAudio(context.Background(), sess, rec, make([]byte, 1000), false)
	if ready := p.HandleAudio(context.Background(), sess, rec, make([]byte, 1000), false); ready {
		t.Error("short segment reported as a completed utterance")
	}
	if got := sess.Audio.Len(); got != 0 {
		t.Errorf("short segment left %d bytes buffered, want 0", got)
	}
	if vadSess.ResetCallCount != 1 {
		t.Errorf("VAD reset count = %d, want 1", vadSess.ResetCallCount)
	}
}

func TestHandleAudioIgnoredWhileIdle(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := session.New("", &vadmock.Session{}, session.Settings{})
	rec := &frameRecorder{}

	if ready := p.HandleAudio(context.Background(), sess, rec, utterance(), false); ready {
		t.Error("idle session reported a completed utterance")
	}
	if got := sess.Audio.Len(); got != 0 {
		t.Errorf("idle session buffered %d bytes, want 0", got)
	}
}

func TestConcurrentTurnIsSkipped(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	p := newTestPipeline(t, sttP, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(&vadmock.Session{})
	sess.Audio.Append(utterance())
	rec := &frameRecorder{}

	if !sess.TryBeginTurn() {
		t.Fatal("could not take the turn lock")
	}
	defer sess.EndTurn()

	p.RunVoiceTurn(context.Background(), sess, rec)

	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames while another turn held the lock, want 0", got)
	}
	if len(sttP.TranscribeCalls) != 0 {
		t.Error("STT was called while another turn held the lock")
	}
}

func TestLLMFailureSendsSpokenError(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamErr: errors.New("connection refused")}
	p := newTestPipeline(t, &sttmock.Provider{}, llmP, &ttsmock.Provider{}, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.RunTextTurn(context.Background(), sess, rec, "hi")

	want := []string{protocol.FrameState, protocol.FrameError, protocol.FrameState}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}
	errFrame, _ := rec.firstOfType(protocol.FrameError)
	if errFrame.Message == "" {
		t.Error("error frame carries no message")
	}
	if got := sess.State(); got != session.StateListening {
		t.Errorf("session state = %q, want listening", got)
	}
}

func TestEmptyResponseReturnsToListening(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamChunks: [][]llm.Chunk{{{FinishReason: "stop"}}}}
	ttsP := &ttsmock.Provider{}
	p := newTestPipeline(t, &sttmock.Provider{}, llmP, ttsP, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.RunTextTurn(context.Background(), sess, rec, "say nothing")

	want := []string{protocol.FrameState, protocol.FrameState}
	if got := rec.typeSequence(); !equalStrings(got, want) {
		t.Fatalf("frame sequence = %v, want %v", got, want)
	}
	if len(ttsP.SynthesizeStreamCalls) != 0 {
		t.Error("TTS was called for an empty response")
	}
}

func TestPlaybackDone(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	// Ignored outside of speaking.
	p.PlaybackDone(context.Background(), sess, rec)
	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames for playback_done while listening, want 0", got)
	}

	sess.SetState(session.StateSpeaking)
	p.PlaybackDone(context.Background(), sess, rec)
	if got := sess.State(); got != session.StateListening {
		t.Errorf("session state = %q, want listening", got)
	}
	frame, ok := rec.firstOfType(protocol.FrameState)
	if !ok || frame.State != string(session.StateListening) {
		t.Errorf("state frame = %+v, want listening", frame)
	}
}

func TestInterruptOnlyWhileSpeaking(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, nil)
	sess := newListeningSession(&vadmock.Session{})
	rec := &frameRecorder{}

	p.Interrupt(context.Background(), sess, rec)
	if got := len(rec.all()); got != 0 {
		t.Fatalf("got %d frames for interrupt while listening, want 0", got)
	}

	sess.SetState(session.StateSpeaking)
	p.Interrupt(context.Background(), sess, rec)
	if _, ok := rec.firstOfType(protocol.FrameInterrupted); !ok {
		t.Error("no interrupted frame after interrupt while speaking")
	}
	if !sess.StopRequested() {
		t.Error("interrupt did not set the stop flag")
	}
}
