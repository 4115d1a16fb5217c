// Package pipeline drives one conversation turn end to end: utterance audio
// in, transcript, LLM response with tool calls, synthesized speech out.
//
// The pipeline is shared by all connections; per-connection state lives in
// the [session.Session]. Frames produced along the way are delivered through
// the [Sender] supplied per call, so the pipeline never touches the socket
// directly.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/novavoice/nova/internal/observe"
	"github.com/novavoice/nova/internal/protocol"
	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/internal/tools"
	"github.com/novavoice/nova/internal/transcript"
	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/provider/llm/normalize"
	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/provider/tts"
	"github.com/novavoice/nova/pkg/types"
)

// maxToolRounds bounds the tool-call follow-up loop so a model that keeps
// requesting tools cannot spin the turn forever.
const maxToolRounds = 3

// Sender delivers a frame to the connected client.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// LLMSelector resolves the LLM provider for a session's settings. It lets
// clients switch backends at runtime without rebuilding the pipeline.
type LLMSelector func(s session.Settings) llm.Provider

// Config wires the pipeline's providers and tuning.
type Config struct {
	STT       stt.Provider
	TTS       tts.Provider
	Registry  *tools.Registry
	Executor  *tools.Executor
	Corrector *transcript.Corrector
	Metrics   *observe.Metrics

	// SelectLLM resolves the provider per turn from the session settings.
	SelectLLM LLMSelector

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int

	// SpeakingTimeout is the watchdog for lost playback_done messages.
	// Defaults to [session.DefaultSpeakingTimeout].
	SpeakingTimeout time.Duration
}

// Pipeline executes conversation turns. Safe for concurrent use across
// sessions; per-session serialization happens via [session.Session.TryBeginTurn].
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. Config.STT, TTS, Registry, Executor, and SelectLLM
// must be set; the rest defaults.
func New(cfg Config) (*Pipeline, error) {
	if cfg.STT == nil || cfg.TTS == nil || cfg.SelectLLM == nil {
		return nil, fmt.Errorf("pipeline: STT, TTS, and SelectLLM are required")
	}
	if cfg.Registry == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("pipeline: tool registry and executor are required")
	}
	if cfg.SpeakingTimeout <= 0 {
		cfg.SpeakingTimeout = session.DefaultSpeakingTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{cfg: cfg}, nil
}

// HandleAudio processes one binary audio chunk from the client. It feeds the
// VAD, arms barge-in while the assistant is speaking, accumulates listening
// audio into the utterance buffer, and reports whether this chunk completed
// an utterance that is ready for [Pipeline.RunVoiceTurn].
//
// clientPlaying is true when the chunk carried the playback marker byte,
// meaning the client is currently playing assistant audio.
func (p *Pipeline) HandleAudio(ctx context.Context, sess *session.Session, send Sender, chunk []byte, clientPlaying bool) bool {
	var dec struct {
		Speaking    bool
		SpeechEnded bool
	}
	if sess.VAD != nil {
		d, err := sess.VAD.Process(chunk)
		if err != nil {
			slog.Warn("vad processing failed", "session", sess.ID, "error", err)
			return false
		}
		dec.Speaking = d.Speaking
		dec.SpeechEnded = d.SpeechEnded
	}

	switch sess.State() {
	case session.StateSpeaking:
		// Only hysteresis-confirmed speech counts as a barge-in. A single
		// loud window is echo of our own TTS leaking into the microphone.
		if clientPlaying && dec.Speaking {
			p.bargeIn(ctx, sess, send)
		}
		return false

	case session.StateListening:
		sess.Audio.Append(chunk)
		if sess.VAD == nil {
			// Without a VAD the buffer fills until the cap; the client must
			// end utterances explicitly via stop_listening.
			return false
		}
		if !dec.SpeechEnded {
			return false
		}
		if sess.Audio.HasUtterance() {
			return true
		}
		// Too short to be speech. Drop it so it cannot contaminate the next
		// utterance.
		sess.Audio.Clear()
		sess.VAD.Reset()
		return false

	default:
		return false
	}
}

// bargeIn halts assistant speech and returns the session to listening. The
// stop flag goes up before any frame goes out, so the TTS streamer cannot
// slip an audio frame in behind the interrupted frame. The utterance buffer
// and VAD restart clean for the interrupting speech.
func (p *Pipeline) bargeIn(ctx context.Context, sess *session.Session, send Sender) {
	sess.RequestStop()
	sess.SetState(session.StateInterrupted)
	p.sendFrame(ctx, sess, send, protocol.InterruptedFrame())
	sess.Audio.Clear()
	if sess.VAD != nil {
		sess.VAD.Reset()
	}
	sess.SetState(session.StateListening)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateListening)))
	p.cfg.Metrics.RecordBargeIn(ctx)
	slog.Info("barge-in", "session", sess.ID)
}

// Interrupt implements the explicit client interrupt message. It behaves like
// a barge-in but does not require the session to be speaking.
func (p *Pipeline) Interrupt(ctx context.Context, sess *session.Session, send Sender) {
	if sess.State() != session.StateSpeaking {
		return
	}
	p.bargeIn(ctx, sess, send)
}

// PlaybackDone marks the end of client-side playback, returning a speaking
// session to listening.
func (p *Pipeline) PlaybackDone(ctx context.Context, sess *session.Session, send Sender) {
	if sess.State() != session.StateSpeaking {
		return
	}
	sess.SetState(session.StateListening)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateListening)))
}

// RunVoiceTurn runs a full voice turn: take the buffered utterance,
// transcribe it, and complete the LLM/tool/TTS cycle. A turn already in
// progress causes the call to return immediately.
func (p *Pipeline) RunVoiceTurn(ctx context.Context, sess *session.Session, send Sender) {
	if !sess.TryBeginTurn() {
		return
	}
	defer sess.EndTurn()

	if sess.State() != session.StateListening {
		return
	}
	pcm := sess.Audio.Take()
	if sess.VAD != nil {
		sess.VAD.Reset()
	}
	if len(pcm) == 0 {
		return
	}

	turnStart := time.Now()
	sess.SetState(session.StateProcessing)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateProcessing)))

	text, ok := p.transcribe(ctx, sess, send, pcm)
	if !ok {
		p.backToListening(ctx, sess, send)
		return
	}
	p.sendFrame(ctx, sess, send, protocol.TranscriptFrame(text))

	p.cfg.Metrics.RecordTurn(ctx, "voice")
	p.completeTurn(ctx, sess, send, text, turnStart)
}

// RunTextTurn runs a typed turn, skipping STT entirely.
func (p *Pipeline) RunTextTurn(ctx context.Context, sess *session.Session, send Sender, text string) {
	if !sess.TryBeginTurn() {
		return
	}
	defer sess.EndTurn()

	turnStart := time.Now()
	sess.SetState(session.StateProcessing)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateProcessing)))

	p.cfg.Metrics.RecordTurn(ctx, "text")
	p.completeTurn(ctx, sess, send, text, turnStart)
}

// transcribe runs STT plus hotword correction. ok is false when the utterance
// contained no recognisable speech.
func (p *Pipeline) transcribe(ctx context.Context, sess *session.Session, send Sender, pcm []byte) (string, bool) {
	start := time.Now()
	tr, err := p.cfg.STT.Transcribe(ctx, pcm)
	p.cfg.Metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Error("transcription failed", "session", sess.ID, "error", err)
		p.cfg.Metrics.RecordProviderError(ctx, "stt", "transcribe")
		p.sendFrame(ctx, sess, send, protocol.ErrorFrame("Speech recognition failed. Please try again."))
		return "", false
	}
	text := tr.Text
	if text == "" {
		return "", false
	}
	if p.cfg.Corrector != nil {
		corrected, corrections := p.cfg.Corrector.Correct(text)
		if len(corrections) > 0 {
			slog.Debug("transcript corrected", "session", sess.ID, "corrections", len(corrections))
			text = corrected
		}
	}
	return text, true
}

// completeTurn runs the LLM/tool loop for the user text and speaks the final
// response. Callers hold the turn lock and have already set Processing.
func (p *Pipeline) completeTurn(ctx context.Context, sess *session.Session, send Sender, userText string, turnStart time.Time) {
	sess.Conversation.AddUser(userText)

	provider := p.cfg.SelectLLM(sess.Settings())
	final, err := p.converse(ctx, sess, send, provider)
	if err != nil {
		model := sess.Settings().LLMBackend
		p.cfg.Metrics.RecordProviderError(ctx, "llm", "stream")
		p.sendFrame(ctx, sess, send, protocol.ErrorFrame(llm.FriendlyError(err, model)))
		p.backToListening(ctx, sess, send)
		return
	}
	if final == "" {
		p.backToListening(ctx, sess, send)
		return
	}

	p.sendFrame(ctx, sess, send, protocol.ResponseFrame(final))
	p.speak(ctx, sess, send, final, turnStart)
}

// converse streams LLM completions, executing tool calls and following up
// until the model produces final text or the round budget runs out. The
// returned string is the normalized final response; empty when the model had
// nothing to say.
//
// Text deltas are buffered for the whole stream and only reach the client
// after normalization: a model printing its tool call as JSON into the text
// would otherwise have the half-written call shown to the user before
// normalize strips it.
func (p *Pipeline) converse(ctx context.Context, sess *session.Session, send Sender, provider llm.Provider) (string, error) {
	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:     sess.Conversation.Messages(),
			Tools:        p.cfg.Registry.Definitions(),
			Temperature:  p.cfg.Temperature,
			MaxTokens:    p.cfg.MaxTokens,
			SystemPrompt: sess.Conversation.SystemPrompt(),
		}

		llmStart := time.Now()
		chunks, err := provider.StreamCompletion(ctx, req)
		if err != nil {
			return "", err
		}

		var (
			buffered string
			apiCalls []types.ToolCall
		)
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				return "", fmt.Errorf("pipeline: llm stream: %s", chunk.Text)
			}
			buffered += chunk.Text
			if len(chunk.ToolCalls) > 0 {
				apiCalls = append(apiCalls, chunk.ToolCalls...)
			}
		}
		p.cfg.Metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())

		result := normalize.Normalize(buffered, apiCalls)
		if result.Text != "" {
			p.sendFrame(ctx, sess, send, protocol.ResponseChunkFrame(result.Text))
		}
		if len(result.ToolCalls) == 0 {
			if result.Text != "" {
				sess.Conversation.AddAssistant(result.Text, nil)
			}
			return result.Text, nil
		}

		sess.Conversation.AddAssistant(result.Text, result.ToolCalls)
		p.runTools(ctx, sess, send, result.ToolCalls)

		// A model that already produced spoken text alongside its tool calls
		// is done; only a silent tool round earns a follow-up completion.
		if result.Text != "" {
			return result.Text, nil
		}
		if last, ok := sess.Conversation.Last(); !ok || last.Role != "tool" {
			return result.Text, nil
		}
	}

	slog.Warn("tool round budget exhausted", "session", sess.ID)
	return "I wasn't able to finish that request. Could you try again?", nil
}

// runTools announces, executes, and records one batch of tool calls.
func (p *Pipeline) runTools(ctx context.Context, sess *session.Session, send Sender, calls []types.ToolCall) {
	for _, call := range calls {
		p.sendFrame(ctx, sess, send, protocol.ToolCallFrame(call.Name, json.RawMessage(call.Arguments)))
	}

	start := time.Now()
	results := p.cfg.Executor.ExecuteMany(ctx, calls)
	p.cfg.Metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

	for i, res := range results {
		status := "ok"
		if !res.Success {
			status = "error"
		}
		p.cfg.Metrics.RecordToolCall(ctx, res.ToolName, status)

		content := tools.ResultContent(res)
		p.sendFrame(ctx, sess, send, protocol.ToolResultFrame(res.ToolName, res.Success, content))
		if res.Flyout != nil {
			p.sendFrame(ctx, sess, send, protocol.FlyoutFrame(res.ToolName, res.Flyout))
		}
		sess.Conversation.AddToolResult(res.ToolName, calls[i].ID, content)
	}
}

// speak streams TTS audio for text. The session stays Speaking until the
// client confirms playback_done or the watchdog fires; barge-in aborts the
// stream between chunks.
func (p *Pipeline) speak(ctx context.Context, sess *session.Session, send Sender, text string, turnStart time.Time) {
	sess.SetState(session.StateSpeaking)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateSpeaking)))

	settings := sess.Settings()
	voice := types.VoiceProfile{ID: settings.Voice, SpeedFactor: settings.VoiceSpeed}

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	ttsStart := time.Now()
	audio, err := p.cfg.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		slog.Error("tts stream failed", "session", sess.ID, "error", err)
		p.cfg.Metrics.RecordProviderError(ctx, "tts", "stream")
		p.sendFrame(ctx, sess, send, protocol.ErrorFrame("Speech synthesis failed."))
		p.backToListening(ctx, sess, send)
		return
	}

	first := true
	for chunk := range audio {
		if sess.StopRequested() {
			// Keep draining so the provider goroutine can exit.
			continue
		}
		if first {
			first = false
			p.cfg.Metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
			p.cfg.Metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
		}
		p.sendFrame(ctx, sess, send, protocol.AudioFrame(base64.StdEncoding.EncodeToString(chunk)))
	}
	p.sendFrame(ctx, sess, send, protocol.AudioEndFrame())

	p.armSpeakingWatchdog(ctx, sess, send)
}

// armSpeakingWatchdog forces the session back to idle when the client never
// reports playback completion. A lost playback_done must not leave the
// assistant deaf forever.
func (p *Pipeline) armSpeakingWatchdog(ctx context.Context, sess *session.Session, send Sender) {
	timeout := p.cfg.SpeakingTimeout
	time.AfterFunc(timeout, func() {
		if !sess.SpeakingExpired(timeout) {
			return
		}
		slog.Warn("speaking watchdog fired", "session", sess.ID)
		sess.SetState(session.StateIdle)
		p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateIdle)))
	})
}

// backToListening returns the session to listening and tells the client.
func (p *Pipeline) backToListening(ctx context.Context, sess *session.Session, send Sender) {
	sess.SetState(session.StateListening)
	p.sendFrame(ctx, sess, send, protocol.StateFrame(string(session.StateListening)))
}

// sendFrame delivers a frame, logging delivery failures instead of aborting
// the turn; a half-written turn is still recorded in the conversation.
func (p *Pipeline) sendFrame(ctx context.Context, sess *session.Session, send Sender, frame protocol.Frame) {
	if err := send.Send(ctx, frame); err != nil {
		slog.Debug("frame send failed", "session", sess.ID, "type", frame.Type, "error", err)
	}
}
