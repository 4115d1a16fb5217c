package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/novavoice/nova/internal/tools"
)

// MemoryStore is the slice of the semantic store the memory and knowledge
// tools need. Implemented by internal/memory; kept narrow so the tools do
// not depend on the storage layer.
type MemoryStore interface {
	// Remember stores a fact under the given kind ("memory" or "note").
	Remember(ctx context.Context, kind, text string) error

	// Recall returns the stored texts of the given kind most similar to
	// query, best first.
	Recall(ctx context.Context, kind, query string, limit int) ([]string, error)
}

const memoryUnavailable = "Long-term memory is not configured on this server."

func rememberTool(store MemoryStore) tools.Tool {
	return tools.Tool{
		Name:        "remember",
		Description: "Store a fact the user wants remembered for future conversations, e.g. preferences or personal details.",
		Category:    "memory",
		Parameters: objectSchema(map[string]any{
			"fact": map[string]any{
				"type":        "string",
				"description": "The fact to remember, phrased as a standalone sentence",
			},
		}, "fact"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			fact := strings.TrimSpace(stringArg(args, "fact"))
			if fact == "" {
				return nil, errors.New("fact is required")
			}
			if store == nil {
				return memoryUnavailable, nil
			}
			if err := store.Remember(ctx, "memory", fact); err != nil {
				return nil, fmt.Errorf("store memory: %w", err)
			}
			return "Remembered.", nil
		},
	}
}

func recallTool(store MemoryStore) tools.Tool {
	return tools.Tool{
		Name:        "recall",
		Description: "Recall previously remembered facts relevant to a topic.",
		Category:    "memory",
		Parameters: objectSchema(map[string]any{
			"topic": map[string]any{
				"type":        "string",
				"description": "What to recall memories about",
			},
		}, "topic"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			topic := strings.TrimSpace(stringArg(args, "topic"))
			if topic == "" {
				return nil, errors.New("topic is required")
			}
			if store == nil {
				return memoryUnavailable, nil
			}
			memories, err := store.Recall(ctx, "memory", topic, 5)
			if err != nil {
				return nil, fmt.Errorf("recall: %w", err)
			}
			if len(memories) == 0 {
				return "I don't have any memories about that.", nil
			}
			return map[string]any{"memories": memories}, nil
		},
	}
}

func knowledgeTool(store MemoryStore) tools.Tool {
	return tools.Tool{
		Name:        "search_knowledge",
		Description: "Search the stored knowledge notes for information relevant to a question.",
		Category:    "knowledge",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The question or topic to search notes for",
			},
		}, "query"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return nil, errors.New("query is required")
			}
			if store == nil {
				return memoryUnavailable, nil
			}
			notes, err := store.Recall(ctx, "note", query, 3)
			if err != nil {
				return nil, fmt.Errorf("search knowledge: %w", err)
			}
			if len(notes) == 0 {
				return "Nothing in the knowledge base matches that.", nil
			}
			return map[string]any{"notes": notes}, nil
		},
	}
}
