package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/permission"
)

// ErrToolNotAllowed is returned when an agent's tool policy forbids a call.
var ErrToolNotAllowed = errors.New("tool not allowed")

// Tool describes a callable tool in the function-calling shape runners
// forward to a model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolHandler executes a tool call on behalf of the calling agent and returns
// the result as a string.
type ToolHandler func(ctx context.Context, caller *delegation.AgentContext, args string) (string, error)

// ToolRegistry holds available tools and their handlers.
type ToolRegistry struct {
	mu       sync.RWMutex
	defs     []Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler. Registering a name twice
// replaces the handler.
func (r *ToolRegistry) Register(def Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[def.Name]; !ok {
		r.defs = append(r.defs, def)
	}
	r.handlers[def.Name] = handler
}

// Definitions returns all tool definitions.
func (r *ToolRegistry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.defs...)
}

// Allowed returns the definitions policy grants. The completion signal is
// always granted.
func (r *ToolRegistry) Allowed(policy permission.Policy) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, d := range r.defs {
		if allowed(policy, d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, caller *delegation.AgentContext, name, args string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, caller, args)
}

func allowed(policy permission.Policy, name string) bool {
	return name == delegation.CompletionSignal || permission.IsToolAllowed(policy, name)
}

// Session is what a Runner sees of one execution: the agent context and the
// tools its policy grants.
type Session struct {
	Context *delegation.AgentContext
	tools   *ToolRegistry
}

// Tools returns the tools this agent may call.
func (s *Session) Tools() []Tool {
	return s.tools.Allowed(s.Context.Definition.ToolPolicy)
}

// Call invokes a tool as this agent.
func (s *Session) Call(ctx context.Context, name, args string) (string, error) {
	if !allowed(s.Context.Definition.ToolPolicy, name) {
		return "", fmt.Errorf("%s calling %s: %w", s.Context.AgentName, name, ErrToolNotAllowed)
	}
	return s.tools.Execute(ctx, s.Context, name, args)
}
