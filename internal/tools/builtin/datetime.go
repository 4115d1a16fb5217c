package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/novavoice/nova/internal/tools"
)

func timeTool() tools.Tool {
	return tools.Tool{
		Name:        "get_time",
		Description: "Get the current time, optionally in a specific IANA timezone (e.g. Europe/Berlin). Defaults to the server's local time.",
		Category:    "datetime",
		Parameters: objectSchema(map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. America/New_York",
			},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			now, tz, err := nowIn(stringArg(args, "timezone"))
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("It's %s in %s.", now.Format("3:04 PM"), tz), nil
		},
	}
}

func dateTool() tools.Tool {
	return tools.Tool{
		Name:        "get_date",
		Description: "Get today's date, optionally in a specific IANA timezone.",
		Category:    "datetime",
		Parameters: objectSchema(map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. Europe/Berlin",
			},
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			now, _, err := nowIn(stringArg(args, "timezone"))
			if err != nil {
				return nil, err
			}
			return now.Format("Monday, January 2, 2006"), nil
		},
	}
}

// nowIn resolves the current time in the named zone; empty means local.
func nowIn(zone string) (time.Time, string, error) {
	if zone == "" {
		now := time.Now()
		name, _ := now.Zone()
		return now, name, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("unknown timezone %q", zone)
	}
	return time.Now().In(loc), zone, nil
}
