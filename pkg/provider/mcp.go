package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServerConfig describes one MCP server to connect to. Command selects the
// stdio transport ("executable arg arg..."); URL selects streamable HTTP.
// Exactly one of the two must be set.
type MCPServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type mcpTool struct {
	spec   ToolSpec
	server string
}

// MCPExecutor routes tool calls to MCP servers. It keeps one SDK client with
// a session per server and a merged tool registry; later servers win on tool
// name collisions. Safe for concurrent use.
type MCPExecutor struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	tools    map[string]mcpTool
}

var _ ToolExecutor = (*MCPExecutor)(nil)

// NewMCPExecutor connects to every configured server and imports its tool
// catalogue. Any connection failure tears down the already-open sessions.
func NewMCPExecutor(ctx context.Context, servers []MCPServerConfig) (*MCPExecutor, error) {
	e := &MCPExecutor{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "opencane", Version: "0.1.0"},
			nil,
		),
		sessions: map[string]*mcpsdk.ClientSession{},
		tools:    map[string]mcpTool{},
	}
	for _, cfg := range servers {
		if err := e.connect(ctx, cfg); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *MCPExecutor) connect(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider: mcp server needs a name")
	}

	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "":
		parts := strings.Fields(cfg.Command)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("provider: mcp server %q needs a command or url", cfg.Name)
	}

	session, err := e.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("provider: connect mcp server %q: %w", cfg.Name, err)
	}

	var discovered []ToolSpec
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("provider: list tools on %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range e.tools {
			if t.server == cfg.Name {
				delete(e.tools, name)
			}
		}
	}
	e.sessions[cfg.Name] = session
	for _, spec := range discovered {
		e.tools[spec.Name] = mcpTool{spec: spec, server: cfg.Name}
	}
	return nil
}

// Tools returns the merged tool catalogue sorted by name.
func (e *MCPExecutor) Tools() []ToolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ToolSpec, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether the named tool is registered.
func (e *MCPExecutor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// ExecuteTool calls the named tool. argsJSON must be a JSON object or empty.
// Text content parts of the result are concatenated; a result flagged as an
// error by the server comes back as a non-nil error carrying that text.
func (e *MCPExecutor) ExecuteTool(ctx context.Context, name, argsJSON string) (string, error) {
	e.mu.RLock()
	entry, ok := e.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = e.sessions[entry.server]
	}
	e.mu.RUnlock()
	if !ok || session == nil {
		return "", fmt.Errorf("provider: tool %q not found", name)
	}

	var args map[string]any
	if argsJSON != "" && argsJSON != "{}" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("provider: tool %q args: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("provider: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("provider: tool %q failed: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down every server session. The executor must not be used
// afterwards.
func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, session := range e.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("provider: close mcp server %q: %w", name, err)
		}
		delete(e.sessions, name)
	}
	e.tools = map[string]mcpTool{}
	return firstErr
}

func schemaMap(schema any) map[string]any {
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
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
