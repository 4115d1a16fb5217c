// Package protocol defines the JSON messages exchanged over the WebSocket
// connection.
//
// Server-to-client messages are [Frame] values discriminated by Type. Binary
// WebSocket messages are not represented here: the client sends raw PCM
// audio (optionally prefixed with a playback marker byte) and the server
// sends synthesized audio inside base64-encoded "audio" frames.
package protocol

import "encoding/json"

// Server-to-client frame types.
const (
	FrameState           = "state"
	FrameTranscript      = "transcript"
	FrameResponseChunk   = "response_chunk"
	FrameResponse        = "response"
	FrameToolCall        = "tool_call"
	FrameToolResult      = "tool_result"
	FrameFlyout          = "flyout"
	FrameAudio           = "audio"
	FrameAudioEnd        = "audio_end"
	FrameInterrupted     = "interrupted"
	FrameMusicState      = "music_state"
	FrameSettingsUpdated = "settings_updated"
	FrameSettingsWarning = "settings_warning"
	FrameError           = "error"
	FramePong            = "pong"
)

// Client-to-server message types.
const (
	MsgStartListening    = "start_listening"
	MsgStopListening     = "stop_listening"
	MsgSettings          = "settings"
	MsgInterrupt         = "interrupt"
	MsgPlaybackDone      = "playback_done"
	MsgTestAudio         = "test_audio"
	MsgClearConversation = "clear_conversation"
	MsgTextMessage       = "text_message"
	MsgMusicCommand      = "music_command"
	MsgPing              = "ping"
)

// PlaybackMarker is the optional first byte of a binary audio message. When
// present and non-zero it signals that the client is currently playing
// assistant audio, which arms barge-in detection.
const PlaybackMarker = 0x01

// Frame is a server-to-client message. Only the fields relevant to the
// frame's Type are populated.
type Frame struct {
	Type string `json:"type"`

	// State carries the new session state for "state" frames.
	State string `json:"state,omitempty"`

	// Text carries transcript, response, and error-free textual payloads.
	Text string `json:"text,omitempty"`

	// Tool identifies the tool for "tool_call" and "tool_result" frames.
	Tool string `json:"tool,omitempty"`

	// Args holds the JSON-encoded tool arguments for "tool_call" frames.
	Args json.RawMessage `json:"args,omitempty"`

	// Success reports the tool outcome for "tool_result" frames.
	Success *bool `json:"success,omitempty"`

	// Data carries structured payloads: tool results, flyouts, music state,
	// and acknowledged settings.
	Data any `json:"data,omitempty"`

	// Audio is a base64-encoded audio chunk for "audio" frames.
	Audio string `json:"audio,omitempty"`

	// Message is the human-readable text of "error" frames.
	Message string `json:"message,omitempty"`
}

// ClientMessage is a client-to-server control message. Fields beyond Type are
// populated depending on the message type.
type ClientMessage struct {
	Type string `json:"type"`

	// Text is the message body for "text_message".
	Text string `json:"text,omitempty"`

	// Settings is the raw settings object for "settings" messages; it is
	// decoded by the session layer so unknown keys can be rejected there.
	Settings json.RawMessage `json:"settings,omitempty"`

	// Command is the music command for "music_command" messages.
	Command string `json:"command,omitempty"`

	// Args holds optional arguments for "music_command".
	Args map[string]any `json:"args,omitempty"`

	// Voice optionally overrides the session voice for "test_audio".
	Voice string `json:"voice,omitempty"`
}

// StateFrame builds a "state" frame.
func StateFrame(state string) Frame {
	return Frame{Type: FrameState, State: state}
}

// TranscriptFrame builds a "transcript" frame with the recognised user text.
func TranscriptFrame(text string) Frame {
	return Frame{Type: FrameTranscript, Text: text}
}

// ResponseChunkFrame builds a "response_chunk" frame carrying the response
// text accumulated so far.
func ResponseChunkFrame(text string) Frame {
	return Frame{Type: FrameResponseChunk, Text: text}
}

// ResponseFrame builds a "response" frame with the final response text.
func ResponseFrame(text string) Frame {
	return Frame{Type: FrameResponse, Text: text}
}

// ToolCallFrame builds a "tool_call" frame.
func ToolCallFrame(tool string, args json.RawMessage) Frame {
	return Frame{Type: FrameToolCall, Tool: tool, Args: args}
}

// ToolResultFrame builds a "tool_result" frame.
func ToolResultFrame(tool string, success bool, data any) Frame {
	return Frame{Type: FrameToolResult, Tool: tool, Success: &success, Data: data}
}

// FlyoutFrame builds a "flyout" frame with structured data for the client UI.
func FlyoutFrame(tool string, data any) Frame {
	return Frame{Type: FrameFlyout, Tool: tool, Data: data}
}

// AudioFrame builds an "audio" frame from a base64-encoded chunk.
func AudioFrame(b64 string) Frame {
	return Frame{Type: FrameAudio, Audio: b64}
}

// AudioEndFrame signals that synthesis for the current response is complete.
func AudioEndFrame() Frame {
	return Frame{Type: FrameAudioEnd}
}

// InterruptedFrame signals that assistant speech was cut off by barge-in.
func InterruptedFrame() Frame {
	return Frame{Type: FrameInterrupted}
}

// MusicStateFrame builds a "music_state" frame.
func MusicStateFrame(state any) Frame {
	return Frame{Type: FrameMusicState, Data: state}
}

// SettingsUpdatedFrame acknowledges a settings change with the effective
// settings.
func SettingsUpdatedFrame(settings any) Frame {
	return Frame{Type: FrameSettingsUpdated, Data: settings}
}

// SettingsWarningFrame reports a requested setting the server could not apply
// and had to replace with a default.
func SettingsWarningFrame(message string) Frame {
	return Frame{Type: FrameSettingsWarning, Message: message}
}

// ErrorFrame builds an "error" frame.
func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}

// PongFrame answers a client "ping".
func PongFrame() Frame {
	return Frame{Type: FramePong}
}
