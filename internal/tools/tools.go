// Package tools provides the tool registry and executor backing the LLM's
// function calling: named handlers with JSON-schema parameters, executed in
// parallel under a concurrency cap and per-call timeout.
package tools

import (
	"context"

	"github.com/novavoice/nova/pkg/types"
)

// Handler executes one tool call. args is the decoded JSON arguments object;
// the returned value is serialized into the tool result message. Handlers
// must respect ctx, which carries the per-call timeout.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool describes one callable function offered to the LLM.
type Tool struct {
	// Name is the unique identifier the model calls the tool by.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Category groups tools for the help tool and the health surface
	// (e.g., "datetime", "weather", "music").
	Category string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any

	// RequiresConfirmation marks tools whose results the client should
	// surface for explicit user approval before acting on.
	RequiresConfirmation bool

	// Handler runs the tool.
	Handler Handler
}

// Definition exports the tool in the shape LLM providers expect.
func (t Tool) Definition() types.ToolDefinition {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}
