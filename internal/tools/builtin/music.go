package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/novavoice/nova/internal/tools"
)

// CommandPrefix is the required prefix of every music command, both from the
// LLM tool and from the music_command control message.
const CommandPrefix = "music_"

// Player is the shared music state machine. The server broadcasts its state
// to clients, which do the actual audio playback; the server only tracks
// what should be playing.
type Player struct {
	mu       sync.Mutex
	playlist []string
	index    int
	playing  bool
	volume   float64
}

// NewPlayer creates a stopped Player at full volume with the built-in
// ambient playlist.
func NewPlayer() *Player {
	return &Player{
		playlist: []string{"ambient-one", "ambient-two", "ambient-three"},
		volume:   1.0,
	}
}

// SetPlaylist replaces the playlist and resets to its first track.
func (p *Player) SetPlaylist(tracks []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playlist = append([]string(nil), tracks...)
	p.index = 0
	p.playing = false
}

// Apply executes one music command and returns the resulting state.
// Commands: music_play, music_pause, music_stop, music_next, music_previous,
// music_set_volume (args: level in [0, 1]).
func (p *Player) Apply(command string, args map[string]any) (map[string]any, error) {
	if !strings.HasPrefix(command, CommandPrefix) {
		return nil, fmt.Errorf("music: command %q must start with %q", command, CommandPrefix)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch command {
	case "music_play":
		if len(p.playlist) == 0 {
			return nil, errors.New("music: playlist is empty")
		}
		p.playing = true
	case "music_pause":
		p.playing = false
	case "music_stop":
		p.playing = false
		p.index = 0
	case "music_next":
		if len(p.playlist) == 0 {
			return nil, errors.New("music: playlist is empty")
		}
		p.index = (p.index + 1) % len(p.playlist)
	case "music_previous":
		if len(p.playlist) == 0 {
			return nil, errors.New("music: playlist is empty")
		}
		p.index = (p.index - 1 + len(p.playlist)) % len(p.playlist)
	case "music_set_volume":
		level, ok := args["level"].(float64)
		if !ok {
			return nil, errors.New("music: level argument is required")
		}
		if level < 0 {
			level = 0
		}
		if level > 1 {
			level = 1
		}
		p.volume = level
	default:
		return nil, fmt.Errorf("music: unknown command %q", command)
	}

	return p.stateLocked(), nil
}

// State returns the current playback state.
func (p *Player) State() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Player) stateLocked() map[string]any {
	track := ""
	if p.index < len(p.playlist) {
		track = p.playlist[p.index]
	}
	return map[string]any{
		"playing": p.playing,
		"track":   track,
		"index":   p.index,
		"volume":  p.volume,
	}
}

func musicTool(player *Player) tools.Tool {
	return tools.Tool{
		Name:        "music_control",
		Description: "Control background music playback: play, pause, stop, skip tracks, or set volume.",
		Category:    "music",
		Parameters: objectSchema(map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "One of music_play, music_pause, music_stop, music_next, music_previous, music_set_volume",
				"enum": []any{
					"music_play", "music_pause", "music_stop",
					"music_next", "music_previous", "music_set_volume",
				},
			},
			"level": map[string]any{
				"type":        "number",
				"description": "Volume level between 0 and 1, for music_set_volume",
			},
		}, "command"),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			command := stringArg(args, "command")
			if command == "" {
				return nil, errors.New("command is required")
			}
			return player.Apply(command, args)
		},
	}
}
