// internal/tools/gateway.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// toolEntry is one registered tool: the provider that serves it and the
// session to call it on.
type toolEntry struct {
	provider    string
	tool        string
	description string
	session     *mcpsdk.ClientSession
}

// Gateway owns the MCP provider connections and the tool registry built from
// them at startup. It implements agent.ToolCaller: one resolution plus one
// call per invocation, no retries.
type Gateway struct {
	cfg    config.ToolsConfig
	logger *zap.Logger
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession // Provider name -> live session.
	registry map[string]toolEntry             // "provider:tool" -> entry.
	names    []string                         // Sorted registry keys for listings.
}

var _ agent.ToolCaller = (*Gateway)(nil)

// NewGateway prepares the gateway without touching any provider. Call Start
// to connect.
func NewGateway(cfg config.ToolsConfig, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		logger: logger.Named("tools"),
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "deskhand",
			Version: "1.0.0",
		}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
		registry: make(map[string]toolEntry),
	}
}

// Start launches each configured provider over stdio and builds the tool
// registry from what the providers advertise. A provider that fails to start
// or list is logged and skipped; the remaining providers stay usable.
func (g *Gateway) Start(ctx context.Context) error {
	for _, provider := range g.cfg.Providers {
		if err := g.connectProvider(ctx, provider); err != nil {
			g.logger.Warn("Tool provider unavailable, continuing without it",
				zap.String("provider", provider.Name),
				zap.Error(err))
		}
	}

	g.mu.RLock()
	providers, tools := len(g.sessions), len(g.names)
	g.mu.RUnlock()

	g.logger.Info("Tool gateway ready",
		zap.Int("providers", providers),
		zap.Int("tools", tools))
	return nil
}

// connectProvider spawns one provider process, performs the MCP handshake
// under the startup timeout, and registers its tools.
func (g *Gateway) connectProvider(ctx context.Context, provider config.ToolProviderConfig) error {
	connectCtx := ctx
	if g.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, g.cfg.StartupTimeout)
		defer cancel()
	}

	// The process must outlive the startup context; the session kills it on
	// Close, so the command is built without a context.
	cmd := exec.Command(provider.Command, provider.Args...)
	if len(provider.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range provider.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	session, err := g.client.Connect(connectCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := g.registerSession(connectCtx, provider.Name, session); err != nil {
		_ = session.Close()
		return err
	}
	return nil
}

// registerSession records a live provider session and every tool it
// advertises under the provider's namespace.
func (g *Gateway) registerSession(ctx context.Context, providerName string, session *mcpsdk.ClientSession) error {
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[providerName] = session
	for _, tool := range res.Tools {
		key := providerName + ":" + tool.Name
		g.registry[key] = toolEntry{
			provider:    providerName,
			tool:        tool.Name,
			description: tool.Description,
			session:     session,
		}
		g.logger.Debug("Tool registered",
			zap.String("name", key),
			zap.String("description", tool.Description))
	}

	g.names = make([]string, 0, len(g.registry))
	for name := range g.registry {
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)
	return nil
}

// Close shuts down all provider sessions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for name, session := range g.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing provider %s: %w", name, err)
		}
	}
	g.sessions = make(map[string]*mcpsdk.ClientSession)
	g.registry = make(map[string]toolEntry)
	g.names = nil
	return firstErr
}

// ToolNames returns the sorted namespaced names of every registered tool.
func (g *Gateway) ToolNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.names...)
}

// ToolInfo describes one invokable tool.
type ToolInfo struct {
	Name        string
	Description string
}

// Tools returns every registered tool with its description, sorted by name.
func (g *Gateway) Tools() []ToolInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(g.names))
	for _, name := range g.names {
		infos = append(infos, ToolInfo{Name: name, Description: g.registry[name].description})
	}
	return infos
}

// resolve maps a requested name to a registry entry. Exact namespaced names
// win; a bare operation name is accepted when exactly one provider serves it.
func (g *Gateway) resolve(name string) (toolEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if entry, ok := g.registry[name]; ok {
		return entry, nil
	}

	bare := name
	if i := strings.LastIndex(name, ":"); i >= 0 {
		bare = name[i+1:]
	}

	var matches []toolEntry
	for _, entry := range g.registry {
		if entry.tool == bare {
			matches = append(matches, entry)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return toolEntry{}, fmt.Errorf("tool %q (available: %s): %w", name, strings.Join(g.names, ", "), agent.ErrUnknownTool)
	default:
		providers := make([]string, 0, len(matches))
		for _, m := range matches {
			providers = append(providers, m.provider)
		}
		sort.Strings(providers)
		return toolEntry{}, fmt.Errorf("tool %q matches providers [%s], use the namespaced name: %w",
			name, strings.Join(providers, ", "), agent.ErrAmbiguousTool)
	}
}

// Invoke resolves the tool and performs one call under the given timeout,
// mapping every failure mode onto an outcome the task loop can record.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) agent.Outcome {
	entry, err := g.resolve(name)
	if err != nil {
		return agent.Outcome{
			Status:    agent.OutcomeFailed,
			ErrorCode: agent.ErrCodeToolInvocation,
			Reason:    err.Error(),
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := entry.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      entry.tool,
		Arguments: args,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			g.logger.Warn("Tool call timed out",
				zap.String("tool", name),
				zap.Duration("timeout", timeout))
			return agent.Outcome{
				Status:    agent.OutcomeTimedOut,
				ErrorCode: agent.ErrCodeToolInvocation,
				Reason:    fmt.Sprintf("tool call exceeded its %s timeout", timeout),
			}
		}
		g.logger.Warn("Tool call failed",
			zap.String("tool", name),
			zap.Error(err))
		return agent.Outcome{
			Status:    agent.OutcomeFailed,
			ErrorCode: agent.ErrCodeToolInvocation,
			Reason:    err.Error(),
		}
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return agent.Outcome{
			Status:    agent.OutcomeFailed,
			ErrorCode: agent.ErrCodeToolInvocation,
			Reason:    firstNonEmpty(text, "tool reported an error without detail"),
		}
	}

	g.logger.Debug("Tool call complete",
		zap.String("tool", entry.provider+":"+entry.tool),
		zap.Duration("duration", time.Since(started)))
	return agent.Outcome{Status: agent.OutcomeSuccess, Data: text}
}

// flattenContent joins the textual parts of a tool result. Non-text content
// is noted rather than dropped silently.
func flattenContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T content omitted]", c))
		}
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
