// Package mcpbridge connects to external Model Context Protocol servers and
// exposes their tools through the internal tool registry.
//
// Servers are connected via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk). Each
// discovered tool is registered under "<server>_<tool>" so names from
// different servers cannot collide with each other or with built-in tools.
//
// Typical usage:
//
//	b := mcpbridge.New(registry)
//	defer b.Close()
//
//	err := b.ConnectServer(ctx, config.MCPServerConfig{
//	    Name:      "files",
//	    Transport: config.MCPTransportStdio,
//	    Command:   "/usr/local/bin/mcp-file-server --root /srv",
//	})
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/novavoice/nova/internal/config"
	"github.com/novavoice/nova/internal/tools"
)

// Bridge manages MCP server sessions and mirrors their tools into a registry.
//
// The zero value is not usable; create instances with [New]. All methods are
// safe for concurrent use.
type Bridge struct {
	mu       sync.Mutex
	registry *tools.Registry
	sessions map[string]*mcpsdk.ClientSession // key: server name
	toolsBy  map[string][]string              // server name -> registered tool names

	// client is reused across all server connections. The SDK allows a single
	// Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// New creates a Bridge that registers discovered tools into reg.
func New(reg *tools.Registry) *Bridge {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "nova-mcp-bridge", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		registry: reg,
		sessions: make(map[string]*mcpsdk.ClientSession),
		toolsBy:  make(map[string][]string),
		client:   client,
	}
}

// ConnectServer connects to the MCP server described by cfg, lists its tools
// and registers each one as "<server>_<tool>". Reconnecting a server with the
// same name closes the old session and replaces its tools.
//
// For stdio transport cfg.Command is split on whitespace into executable and
// arguments, and cfg.Env entries are appended to the process environment. For
// streamable-http transport cfg.URL is the endpoint address.
func (b *Bridge) ConnectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case config.MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcpbridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
		b.unregisterLocked(cfg.Name)
	}
	b.sessions[cfg.Name] = session

	for _, mcpTool := range discovered {
		name := cfg.Name + "_" + mcpTool.Name
		tool := tools.Tool{
			Name:        name,
			Description: mcpTool.Description,
			Category:    "mcp:" + cfg.Name,
			Parameters:  schemaToMap(mcpTool.InputSchema),
			Handler:     b.handlerFor(cfg.Name, mcpTool.Name),
		}
		if err := b.registry.Register(tool); err != nil {
			slog.Warn("skipping mcp tool", "server", cfg.Name, "tool", mcpTool.Name, "error", err)
			continue
		}
		b.toolsBy[cfg.Name] = append(b.toolsBy[cfg.Name], name)
	}

	slog.Info("connected mcp server",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(b.toolsBy[cfg.Name]))
	return nil
}

// handlerFor builds a tool handler that routes calls to the named server.
func (b *Bridge) handlerFor(server, toolName string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		b.mu.Lock()
		session, ok := b.sessions[server]
		b.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("mcpbridge: server %q is not connected", server)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: call %s/%s: %w", server, toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("mcpbridge: %s/%s: %s", server, toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Servers returns the names of the currently connected servers.
func (b *Bridge) Servers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		names = append(names, name)
	}
	return names
}

// Close shuts down all server sessions and removes their tools from the
// registry. The Bridge must not be used after Close returns.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	for name := range b.toolsBy {
		b.unregisterLocked(name)
	}
	return firstErr
}

func (b *Bridge) unregisterLocked(server string) {
	for _, name := range b.toolsBy[server] {
		b.registry.Unregister(name)
	}
	delete(b.toolsBy, server)
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, falling back to an empty object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}

// splitCommand splits a command string into executable and arguments,
// e.g. "/bin/foo --bar baz" becomes ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
