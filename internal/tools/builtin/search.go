package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/novavoice/nova/internal/tools"
)

const defaultSearchURL = "https://api.duckduckgo.com"

func searchTool(deps Deps) tools.Tool {
	base := deps.SearchURL
	if base == "" {
		base = defaultSearchURL
	}
	client := deps.HTTPClient

	return tools.Tool{
		Name:        "web_search",
		Description: "Look up a fact or topic on the web. Returns a short abstract and related results.",
		Category:    "web",
		Parameters: objectSchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
		}, "query"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := stringArg(args, "query")
			if query == "" {
				return nil, errors.New("query is required")
			}

			u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1&skip_disambig=1", base, url.QueryEscape(query))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, fmt.Errorf("build search request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("search %q: %w", query, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("search %q: status %d", query, resp.StatusCode)
			}

			var result struct {
				Abstract      string `json:"AbstractText"`
				AbstractURL   string `json:"AbstractURL"`
				Heading       string `json:"Heading"`
				RelatedTopics []struct {
					Text string `json:"Text"`
				} `json:"RelatedTopics"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return nil, fmt.Errorf("decode search response: %w", err)
			}

			if result.Abstract != "" {
				return map[string]any{
					"heading":  result.Heading,
					"abstract": result.Abstract,
					"url":      result.AbstractURL,
				}, nil
			}

			var related []string
			for _, topic := range result.RelatedTopics {
				if topic.Text != "" {
					related = append(related, topic.Text)
				}
				if len(related) == 3 {
					break
				}
			}
			if len(related) == 0 {
				return fmt.Sprintf("No results found for %q.", query), nil
			}
			return map[string]any{"related": related}, nil
		},
	}
}
