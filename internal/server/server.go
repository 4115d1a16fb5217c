// Package server hosts the WebSocket voice loop and the HTTP API around it:
// connection management, control message dispatch, and the health, voice,
// model, auth, and admin endpoints.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/novavoice/nova/internal/auth"
	"github.com/novavoice/nova/internal/config"
	"github.com/novavoice/nova/internal/observe"
	"github.com/novavoice/nova/internal/persist"
	"github.com/novavoice/nova/internal/pipeline"
	"github.com/novavoice/nova/internal/protocol"
	"github.com/novavoice/nova/internal/session"
	"github.com/novavoice/nova/internal/tools"
	"github.com/novavoice/nova/internal/tools/builtin"
	"github.com/novavoice/nova/pkg/provider/llm"
	"github.com/novavoice/nova/pkg/provider/stt"
	"github.com/novavoice/nova/pkg/provider/tts"
	"github.com/novavoice/nova/pkg/provider/vad"
	"github.com/novavoice/nova/pkg/types"
)

// maxMessageBytes caps one WebSocket message. Audio chunks are a few KB; the
// limit only guards against a runaway peer.
const maxMessageBytes = 1 << 20

// testPhrase is spoken in response to a test_audio message.
const testPhrase = "Hello! This is a test of the text to speech system. I hope you can hear me clearly."

// MemoryChecker is the slice of the semantic memory store the health surface
// needs.
type MemoryChecker interface {
	Healthy(ctx context.Context) bool
}

// Config wires the Server's collaborators.
type Config struct {
	Pipeline *pipeline.Pipeline
	STT      stt.Provider
	TTS      tts.Provider

	// LLM is the server-configured default provider, used for health checks.
	LLM llm.Provider

	// VAD creates a per-connection VAD session. Nil runs without speech
	// gating.
	VAD       vad.Engine
	VADConfig vad.Config

	Registry *tools.Registry
	Music    *builtin.Player

	// Auth is nil when the login layer is disabled.
	Auth       *auth.Manager
	AdminToken string

	// Persist is nil when per-client persistence is disabled.
	Persist *persist.Store

	// Memory is nil when semantic memory is not configured.
	Memory MemoryChecker

	Metrics *observe.Metrics

	// Logs feeds the admin log endpoint. Nil disables it.
	Logs *observe.LogBuffer

	// Defaults seeds each new session's settings.
	Defaults session.Settings
}

// Server owns the connection registry and dispatches WebSocket traffic into
// the pipeline.
type Server struct {
	cfg     Config
	manager *Manager
	started time.Time
	events  *eventLog

	// snapshots holds the sessions snapshot from the previous run, consulted
	// when a returning client has no per-client history file.
	snapshots map[string]persist.SessionSnapshot

	// client is the HTTP client for outbound model listing requests.
	client *http.Client
}

// New creates a Server. Pipeline, STT, TTS, LLM, Registry, and Music are
// required.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("server: pipeline and registry are required")
	}
	if cfg.STT == nil || cfg.TTS == nil || cfg.LLM == nil {
		return nil, fmt.Errorf("server: STT, TTS, and LLM providers are required")
	}
	if cfg.Music == nil {
		cfg.Music = builtin.NewPlayer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Defaults.Voice == "" {
		cfg.Defaults.Voice = "amy"
	}
	if cfg.Defaults.VoiceSpeed == 0 {
		cfg.Defaults.VoiceSpeed = 1.0
	}
	if cfg.Defaults.LLMBackend == "" {
		cfg.Defaults.LLMBackend = string(config.BackendOllama)
	}
	s := &Server{
		cfg:     cfg,
		manager: NewManager(),
		started: time.Now(),
		events:  newEventLog(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	if cfg.Persist != nil {
		snapshots, err := cfg.Persist.LoadSessions()
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			slog.Warn("loading sessions snapshot failed", "error", err)
		}
		s.snapshots = snapshots
	}
	return s, nil
}

// Manager exposes the connection registry.
func (s *Server) Manager() *Manager {
	return s.manager
}

// HandleWS upgrades the request and runs the connection until the peer goes
// away.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection teardown")
	conn.SetReadLimit(maxMessageBytes)

	ctx := r.Context()

	var vadSess vad.SessionHandle
	if s.cfg.VAD != nil {
		vadSess, err = s.cfg.VAD.NewSession(s.cfg.VADConfig)
		if err != nil {
			slog.Error("vad session creation failed", "error", err)
			conn.Close(websocket.StatusInternalError, "vad unavailable")
			return
		}
	}

	sess := session.New(r.URL.Query().Get("client_id"), vadSess, s.cfg.Defaults)
	s.restore(sess)

	client := newClient(conn, sess)
	s.manager.Add(client)
	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	s.events.record("client_connected", sess.ID)
	slog.Info("client connected", "client", sess.ID)

	defer func() {
		s.manager.Remove(sess.ID, client)
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
		s.events.record("client_disconnected", sess.ID)
		s.save(sess)
		if err := sess.Close(); err != nil {
			slog.Warn("session close failed", "client", sess.ID, "error", err)
		}
		slog.Info("client disconnected", "client", sess.ID)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(ctx, client, data)
		case websocket.MessageText:
			s.handleControl(ctx, client, data)
		}
	}
}

// restore loads previously persisted settings and history for a client that
// presented a stable id.
func (s *Server) restore(sess *session.Session) {
	if s.cfg.Persist == nil {
		return
	}
	if settings, err := s.cfg.Persist.LoadSettings(sess.ID); err == nil {
		sess.UpdateSettings(func(dst *session.Settings) { *dst = settings })
	}
	if history, err := s.cfg.Persist.LoadHistory(sess.ID); err == nil {
		sess.Conversation.Restore(history)
		return
	}
	if snapshot, ok := s.snapshots[sess.ID]; ok {
		sess.Conversation.Restore(snapshot.Messages)
	}
}

// SnapshotSessions writes the process-wide sessions snapshot for every
// connected client. A no-op without a persist store.
func (s *Server) SnapshotSessions() error {
	if s.cfg.Persist == nil {
		return nil
	}
	clients := s.manager.All()
	snapshot := make(map[string]persist.SessionSnapshot, len(clients))
	for _, c := range clients {
		sess := c.Session
		snapshot[sess.ID] = persist.SessionSnapshot{
			State:           string(sess.State()),
			LastActivity:    sess.LastActivity(),
			SpeakingStarted: sess.SpeakingStarted(),
			Messages:        sess.Conversation.Export(),
		}
	}
	return s.cfg.Persist.SaveSessions(snapshot)
}

// RunSnapshots writes the sessions snapshot every interval until ctx is done,
// then writes a final one. An interval of zero disables the periodic writes
// but keeps the shutdown snapshot.
func (s *Server) RunSnapshots(ctx context.Context, interval time.Duration) {
	defer func() {
		if err := s.SnapshotSessions(); err != nil {
			slog.Warn("final sessions snapshot failed", "error", err)
		}
	}()

	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SnapshotSessions(); err != nil {
				slog.Warn("sessions snapshot failed", "error", err)
			}
		}
	}
}

// save persists the session's settings and history on disconnect.
func (s *Server) save(sess *session.Session) {
	if s.cfg.Persist == nil {
		return
	}
	if err := s.cfg.Persist.SaveSettings(sess.ID, sess.Settings()); err != nil {
		slog.Warn("saving settings failed", "client", sess.ID, "error", err)
	}
	if err := s.cfg.Persist.SaveHistory(sess.ID, sess.Conversation.Export()); err != nil {
		slog.Warn("saving history failed", "client", sess.ID, "error", err)
	}
}

// handleAudio processes one binary message: [1-byte playback flag][PCM].
// Completed utterances start a voice turn on their own goroutine so the read
// loop keeps serving barge-in audio.
func (s *Server) handleAudio(ctx context.Context, client *Client, data []byte) {
	if len(data) < 2 {
		return
	}
	playing := data[0] == protocol.PlaybackMarker
	pcm := data[1:]

	if ready := s.cfg.Pipeline.HandleAudio(ctx, client.Session, client, pcm, playing); ready {
		go s.cfg.Pipeline.RunVoiceTurn(ctx, client.Session, client)
	}
}

// handleControl dispatches one JSON control message. Invalid JSON is logged
// and ignored.
func (s *Server) handleControl(ctx context.Context, client *Client, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid control message", "client", client.Session.ID, "error", err)
		return
	}
	sess := client.Session

	switch msg.Type {
	case protocol.MsgStartListening:
		sess.SetState(session.StateListening)
		sess.Audio.Clear()
		s.send(ctx, client, protocol.StateFrame(string(session.StateListening)))

	case protocol.MsgStopListening:
		sess.SetState(session.StateIdle)
		sess.Audio.Clear()
		s.send(ctx, client, protocol.StateFrame(string(session.StateIdle)))

	case protocol.MsgSettings:
		s.handleSettings(ctx, client, msg.Settings)

	case protocol.MsgInterrupt:
		s.cfg.Pipeline.Interrupt(ctx, sess, client)

	case protocol.MsgPlaybackDone:
		s.cfg.Pipeline.PlaybackDone(ctx, sess, client)

	case protocol.MsgTestAudio:
		go s.sendTestAudio(ctx, client, msg.Voice)

	case protocol.MsgClearConversation:
		sess.Conversation.Clear()
		slog.Info("conversation cleared", "client", sess.ID)

	case protocol.MsgTextMessage:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		go s.cfg.Pipeline.RunTextTurn(ctx, sess, client, text)

	case protocol.MsgMusicCommand:
		s.handleMusicCommand(ctx, client, msg.Command, msg.Args)

	case protocol.MsgPing:
		s.send(ctx, client, protocol.PongFrame())

	default:
		slog.Warn("unknown control message", "client", sess.ID, "type", msg.Type)
	}
}

// clientSettings is the settings payload clients send; pointers distinguish
// omitted fields from zero values.
type clientSettings struct {
	Voice        *string  `json:"voice"`
	VoiceSpeed   *float64 `json:"voiceSpeed"`
	LLMBackend   *string  `json:"llmBackend"`
	OllamaURL    *string  `json:"ollamaUrl"`
	LMStudioURL  *string  `json:"lmstudioUrl"`
	OpenAIAPIKey *string  `json:"openaiApiKey"`
}

// validVoices are the Piper voices shipped with the server.
var validVoices = map[string]bool{"amy": true, "lessac": true, "ryan": true}

// handleSettings validates and applies a settings update, then acknowledges
// the effective settings.
func (s *Server) handleSettings(ctx context.Context, client *Client, raw json.RawMessage) {
	var in clientSettings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			slog.Warn("invalid settings payload", "client", client.Session.ID, "error", err)
			return
		}
	}

	var warnings []string
	effective := client.Session.UpdateSettings(func(settings *session.Settings) {
		if in.Voice != nil {
			if validVoices[*in.Voice] {
				settings.Voice = *in.Voice
			} else {
				slog.Warn("invalid voice requested, keeping default",
					"client", client.Session.ID, "requested", *in.Voice)
				warnings = append(warnings,
					fmt.Sprintf("Unknown voice %q; using %q.", *in.Voice, s.cfg.Defaults.Voice))
				settings.Voice = s.cfg.Defaults.Voice
			}
		}
		if in.VoiceSpeed != nil {
			settings.VoiceSpeed = clampSpeed(*in.VoiceSpeed)
		}
		if in.LLMBackend != nil {
			backend := config.LLMBackend(*in.LLMBackend)
			if backend.IsValid() && backend.ClientSelectable() {
				settings.LLMBackend = string(backend)
			} else {
				slog.Warn("backend not client-selectable, keeping ollama",
					"client", client.Session.ID, "requested", *in.LLMBackend)
				warnings = append(warnings,
					fmt.Sprintf("Backend %q is not selectable; using ollama.", *in.LLMBackend))
				settings.LLMBackend = string(config.BackendOllama)
			}
		}
		if in.OllamaURL != nil {
			settings.OllamaURL = *in.OllamaURL
		}
		if in.LMStudioURL != nil {
			settings.LMStudioURL = *in.LMStudioURL
		}
		if in.OpenAIAPIKey != nil {
			settings.OpenAIAPIKey = *in.OpenAIAPIKey
		}
	})

	if s.cfg.Persist != nil {
		if err := s.cfg.Persist.SaveSettings(client.Session.ID, effective); err != nil {
			slog.Warn("persisting settings failed", "client", client.Session.ID, "error", err)
		}
	}

	slog.Info("settings updated", "client", client.Session.ID,
		"voice", effective.Voice, "speed", effective.VoiceSpeed, "backend", effective.LLMBackend)
	s.send(ctx, client, protocol.SettingsUpdatedFrame(map[string]any{
		"voice":      effective.Voice,
		"voiceSpeed": effective.VoiceSpeed,
		"llmBackend": effective.LLMBackend,
	}))
	for _, warning := range warnings {
		s.send(ctx, client, protocol.SettingsWarningFrame(warning))
	}
}

func clampSpeed(speed float64) float64 {
	if speed < 0.5 {
		return 0.5
	}
	if speed > 2.0 {
		return 2.0
	}
	return speed
}

// handleMusicCommand applies a direct UI music command and reports the new
// player state.
func (s *Server) handleMusicCommand(ctx context.Context, client *Client, command string, args map[string]any) {
	if !strings.HasPrefix(command, builtin.CommandPrefix) {
		slog.Warn("music command without prefix ignored",
			"client", client.Session.ID, "command", command)
		return
	}
	state, err := s.cfg.Music.Apply(command, args)
	if err != nil {
		slog.Warn("music command failed", "client", client.Session.ID, "command", command, "error", err)
		s.send(ctx, client, protocol.ErrorFrame(err.Error()))
		return
	}
	s.send(ctx, client, protocol.MusicStateFrame(state))
}

// sendTestAudio synthesizes the fixed test phrase and streams it to the
// client. voiceOverride, when set and known, replaces the session voice for
// this one synthesis without touching the stored settings.
func (s *Server) sendTestAudio(ctx context.Context, client *Client, voiceOverride string) {
	settings := client.Session.Settings()
	voice := types.VoiceProfile{ID: settings.Voice, SpeedFactor: settings.VoiceSpeed}
	if voiceOverride != "" {
		if validVoices[voiceOverride] {
			voice.ID = voiceOverride
		} else {
			slog.Warn("unknown test_audio voice, using session voice",
				"client", client.Session.ID, "requested", voiceOverride)
		}
	}

	textCh := make(chan string, 1)
	textCh <- testPhrase
	close(textCh)

	audio, err := s.cfg.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		slog.Error("test audio synthesis failed", "client", client.Session.ID, "error", err)
		s.send(ctx, client, protocol.ErrorFrame("Test audio failed."))
		return
	}
	for chunk := range audio {
		s.send(ctx, client, protocol.AudioFrame(encodeAudio(chunk)))
	}
	s.send(ctx, client, protocol.AudioEndFrame())
}

// send delivers a frame, logging failures.
func (s *Server) send(ctx context.Context, client *Client, frame protocol.Frame) {
	if err := client.Send(ctx, frame); err != nil {
		slog.Debug("frame send failed", "client", client.Session.ID, "type", frame.Type, "error", err)
	}
}

func encodeAudio(chunk []byte) string {
	return base64.StdEncoding.EncodeToString(chunk)
}
