package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/parley/pkg/types"
)

// Transport names accepted in [ServerConfig.Transport].
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique.
	Name string `yaml:"name"`

	// Transport is [TransportStdio] or [TransportStreamableHTTP].
	Transport string `yaml:"transport"`

	// Command is the executable and arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// Validate reports configuration errors.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			errs = append(errs, fmt.Errorf("stdio server %q requires a command", c.Name))
		}
	case TransportStreamableHTTP:
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("streamable-http server %q requires a url", c.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("server %q: unknown transport %q", c.Name, c.Transport))
	}
	return errors.Join(errs...)
}

// MCPSource imports the tools of MCP servers into a [Registry]. Each
// imported tool's handler forwards calls to the server that declared it.
type MCPSource struct {
	registry *Registry
	client   *mcpsdk.Client
	log      *slog.Logger

	mu      sync.Mutex
	servers map[string]*mcpServer
}

type mcpServer struct {
	session *mcpsdk.ClientSession
	tools   []string
}

// NewMCPSource returns an MCPSource registering into registry.
func NewMCPSource(registry *Registry, log *slog.Logger) *MCPSource {
	if log == nil {
		log = slog.Default()
	}
	return &MCPSource{
		registry: registry,
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "parley", Version: "1.0.0"}, nil),
		log:      log,
		servers:  make(map[string]*mcpServer),
	}
}

// RegisterServer connects to the server described by cfg and registers its
// tools. Re-registering a name replaces the previous connection and tools.
func (m *MCPSource) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("tools: mcp: %w", err)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		// The subprocess lives as long as the connection, not the
		// registration context.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return m.RegisterTransport(ctx, cfg.Name, transport)
}

// RegisterTransport is [MCPSource.RegisterServer] over an already built
// transport.
func (m *MCPSource) RegisterTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: mcp: connect to %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: mcp: list tools of %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.servers[name]; ok {
		m.drop(name, old)
	}

	srv := &mcpServer{session: session}
	for _, t := range discovered {
		def := types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		if err := m.registry.Register(def, m.forward(session, t.Name)); err != nil {
			m.log.Warn("tools: mcp: skipping tool", "server", name, "tool", t.Name, "err", err)
			continue
		}
		srv.tools = append(srv.tools, t.Name)
	}
	m.servers[name] = srv
	m.log.Info("tools: mcp server registered", "server", name, "tools", len(srv.tools))
	return nil
}

// forward returns a Handler that calls tool on session.
func (m *MCPSource) forward(session *mcpsdk.ClientSession, tool string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
		if err != nil {
			return nil, fmt.Errorf("mcp call %q: %w", tool, err)
		}
		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return nil, errors.New(sb.String())
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		return sb.String(), nil
	}
}

// drop closes a server and unregisters its tools. Caller holds m.mu.
func (m *MCPSource) drop(name string, srv *mcpServer) {
	for _, t := range srv.tools {
		m.registry.Unregister(t)
	}
	if err := srv.session.Close(); err != nil {
		m.log.Debug("tools: mcp: close", "server", name, "err", err)
	}
	delete(m.servers, name)
}

// Servers returns the number of connected servers.
func (m *MCPSource) Servers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// Close disconnects every server and unregisters its tools.
func (m *MCPSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		m.drop(name, srv)
	}
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}
