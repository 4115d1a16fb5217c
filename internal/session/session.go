// Package session tracks the lifecycle of one connected client: the
// conversation state machine, the processing lock that serializes turns, the
// stop flag that implements barge-in, and the per-user settings.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novavoice/nova/internal/conversation"
	"github.com/novavoice/nova/internal/segment"
	"github.com/novavoice/nova/pkg/provider/vad"
)

// State is the session's position in the conversation loop.
type State string

const (
	// StateIdle means the microphone is closed; audio frames are ignored.
	StateIdle State = "idle"

	// StateListening means incoming audio is gated through the VAD and
	// accumulated into the utterance buffer.
	StateListening State = "listening"

	// StateProcessing means a turn is running (STT, LLM, tools).
	StateProcessing State = "processing"

	// StateSpeaking means TTS audio is streaming to the client.
	StateSpeaking State = "speaking"

	// StateInterrupted is the transient state right after a barge-in, before
	// the session returns to listening.
	StateInterrupted State = "interrupted"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateSpeaking, StateInterrupted:
		return true
	}
	return false
}

// DefaultSpeakingTimeout forces the session back to Idle when the client
// never confirms playback completion. Without it a lost playback_done message
// would deafen the assistant forever.
const DefaultSpeakingTimeout = 30 * time.Second

// Settings holds the client-adjustable knobs, delivered via the settings
// control message and persisted per user.
type Settings struct {
	Voice        string  `json:"voice"`
	VoiceSpeed   float64 `json:"voiceSpeed"`
	LLMBackend   string  `json:"llmBackend"`
	OllamaURL    string  `json:"ollamaUrl,omitempty"`
	LMStudioURL  string  `json:"lmstudioUrl,omitempty"`
	OpenAIAPIKey string  `json:"openaiApiKey,omitempty"`
}

// Session is the per-connection state. All methods are safe for concurrent
// use; the audio buffer, VAD handle, and conversation store carry their own
// synchronization.
type Session struct {
	// ID is the stable 8-character client identifier. Fresh per connection
	// unless the client presented one for restoration.
	ID string

	// Audio accumulates the current utterance.
	Audio *segment.Buffer

	// VAD is this session's voice activity handle. Nil when no VAD model is
	// configured; audio then passes ungated.
	VAD vad.SessionHandle

	// Conversation is the LLM-facing history.
	Conversation *conversation.Store

	mu              sync.Mutex
	state           State
	stopSpeaking    bool
	lastActivity    time.Time
	speakingStarted time.Time
	settings        Settings

	// processing serializes turns. TryLock only: a turn arriving while one
	// runs is skipped, never queued.
	processing sync.Mutex
}

// NewID returns a fresh 8-character client identifier.
func NewID() string {
	return uuid.NewString()[:8]
}

// New creates a Session. An empty id generates a fresh one; a non-empty id
// is the client's presented stable identifier, enabling state restoration.
func New(id string, vadHandle vad.SessionHandle, defaults Settings) *Session {
	if id == "" {
		id = NewID()
	}
	return &Session{
		ID:           id,
		Audio:        segment.New(),
		VAD:          vadHandle,
		Conversation: conversation.New(""),
		state:        StateIdle,
		lastActivity: time.Now(),
		settings:     defaults,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session and stamps activity. Entering Speaking
// stamps the watchdog baseline and clears any stale stop request; other
// transitions leave the stop flag alone, so a barge-in raised mid-transition
// keeps holding the TTS streamer back until the next utterance is spoken.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivity = time.Now()
	if state == StateSpeaking {
		s.stopSpeaking = false
		s.speakingStarted = time.Now()
	}
}

// RequestStop sets the stop flag. The TTS streamer checks it between chunks.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopSpeaking = true
}

// StopRequested reports whether a barge-in or interrupt asked speech to halt.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopSpeaking
}

// Touch stamps activity without changing state.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the most recent state change or Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SpeakingStarted returns when the session last entered Speaking; zero when
// it never has.
func (s *Session) SpeakingStarted() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakingStarted
}

// SpeakingExpired reports whether the session has been Speaking longer than
// timeout without the client confirming playback.
func (s *Session) SpeakingExpired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSpeaking && time.Since(s.speakingStarted) >= timeout
}

// TryBeginTurn attempts to acquire the processing lock. It returns false
// without blocking when a turn is already running; the caller skips the turn.
func (s *Session) TryBeginTurn() bool {
	return s.processing.TryLock()
}

// EndTurn releases the processing lock acquired by TryBeginTurn.
func (s *Session) EndTurn() {
	s.processing.Unlock()
}

// Settings returns a copy of the current settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn to the settings under the lock and returns the
// result.
func (s *Session) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.settings
}

// Close releases the session's VAD handle.
func (s *Session) Close() error {
	if s.VAD != nil {
		return s.VAD.Close()
	}
	return nil
}
