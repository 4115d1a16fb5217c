// Package builtin provides the tools Nova ships with: time and date, help,
// server status, weather, web search, music control, and the semantic memory
// and knowledge tools.
package builtin

import (
	"net/http"
	"time"

	"github.com/novavoice/nova/internal/tools"
)

// Deps carries the shared dependencies the built-in tools need. Zero values
// select sensible defaults; Memory may be nil, in which case the memory and
// knowledge tools report unavailability instead of failing.
type Deps struct {
	// Memory is the semantic store backing remember/recall/knowledge. May be
	// nil.
	Memory MemoryStore

	// Music is the shared player state machine. Nil creates a fresh one.
	Music *Player

	// WeatherURL overrides the Open-Meteo base URL (tests).
	WeatherURL string

	// GeocodeURL overrides the Open-Meteo geocoding base URL (tests).
	GeocodeURL string

	// SearchURL overrides the DuckDuckGo instant answer base URL (tests).
	SearchURL string

	// HTTPClient is used for outbound requests. Nil uses a 10 s timeout
	// client.
	HTTPClient *http.Client

	// Started is the server start time, reported by the status tool.
	Started time.Time
}

// RegisterAll registers every built-in tool on reg.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Music == nil {
		deps.Music = NewPlayer()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}

	all := []tools.Tool{
		timeTool(),
		dateTool(),
		helpTool(reg),
		statusTool(deps.Started, reg),
		weatherTool(deps),
		searchTool(deps),
		musicTool(deps.Music),
		rememberTool(deps.Memory),
		recallTool(deps.Memory),
		knowledgeTool(deps.Memory),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// objectSchema builds a JSON-schema object from property name to definition.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
