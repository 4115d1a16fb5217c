package builtin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/novavoice/nova/internal/tools"
)

func helpTool(reg *tools.Registry) tools.Tool {
	return tools.Tool{
		Name:        "help",
		Description: "List the things the assistant can do, grouped by category. Use when the user asks what you can help with.",
		Category:    "system",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(context.Context, map[string]any) (any, error) {
			byCategory := map[string][]string{}
			for _, t := range reg.List() {
				cat := t.Category
				if cat == "" {
					cat = "other"
				}
				byCategory[cat] = append(byCategory[cat], fmt.Sprintf("%s: %s", t.Name, t.Description))
			}
			var b strings.Builder
			for cat, entries := range byCategory {
				fmt.Fprintf(&b, "[%s]\n", cat)
				for _, e := range entries {
					fmt.Fprintf(&b, "  %s\n", e)
				}
			}
			return b.String(), nil
		},
	}
}

func statusTool(started time.Time, reg *tools.Registry) tools.Tool {
	return tools.Tool{
		Name:        "server_status",
		Description: "Report the assistant server's status: uptime, runtime, and how many tools are registered.",
		Category:    "system",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{
				"uptime":     time.Since(started).Round(time.Second).String(),
				"go_version": runtime.Version(),
				"goroutines": runtime.NumGoroutine(),
				"tools":      reg.Len(),
			}, nil
		},
	}
}
