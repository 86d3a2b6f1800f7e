package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/permission"
	"go.uber.org/zap"
)

var (
	// ErrAgentNotFound is returned when no live context matches.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoRunner is returned by ExecuteAgent when the executor has no runner.
	ErrNoRunner = errors.New("no runner configured")
)

// Status of one agent context.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Runner performs the actual work of an agent, typically an LLM tool loop.
type Runner interface {
	Run(ctx context.Context, s *Session, input string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, s *Session, input string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, s *Session, input string) (string, error) {
	return f(ctx, s, input)
}

type entry struct {
	ac        *delegation.AgentContext
	status    Status
	updatedAt time.Time
}

// Executor is an in-memory AgentExecutor. Contexts are keyed by
// conversation id; the name index points at the most recent context of
// each agent.
type Executor struct {
	contexts map[string]*entry
	byName   map[string]string
	runner   Runner
	tools    *ToolRegistry
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewExecutor creates an executor that hands every execution to runner.
func NewExecutor(runner Runner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		contexts: make(map[string]*entry),
		byName:   make(map[string]string),
		runner:   runner,
		tools:    NewToolRegistry(),
		logger:   logger.With(zap.String("component", "executor")),
	}
}

// Tools returns the executor's tool registry.
func (e *Executor) Tools() *ToolRegistry { return e.tools }

// SetRunner replaces the runner used for subsequent executions.
func (e *Executor) SetRunner(r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runner = r
}

// InitializeAgent creates a root context for def.
func (e *Executor) InitializeAgent(_ context.Context, def permission.AgentDefinition, ext *delegation.ExtendedConfig) (*delegation.AgentContext, error) {
	if ext == nil || ext.ConversationID == "" {
		return nil, fmt.Errorf("initialize %s: conversation id required", def.Name)
	}
	return e.add(&delegation.AgentContext{
		ID:             uuid.New().String(),
		AgentName:      def.Name,
		ConversationID: ext.ConversationID,
		Definition:     def,
		CreatedAt:      time.Now(),
	}), nil
}

// InitializeChildAgent creates a context for def spawned by parent.
func (e *Executor) InitializeChildAgent(_ context.Context, def permission.AgentDefinition, parent *delegation.AgentContext, ext *delegation.ExtendedConfig) (*delegation.AgentContext, error) {
	if ext == nil || ext.ConversationID == "" {
		return nil, fmt.Errorf("initialize %s: conversation id required", def.Name)
	}
	if parent == nil {
		return nil, fmt.Errorf("initialize %s: parent context required", def.Name)
	}
	return e.add(&delegation.AgentContext{
		ID:                   uuid.New().String(),
		AgentName:            def.Name,
		ConversationID:       ext.ConversationID,
		ParentConversationID: parent.ConversationID,
		DelegationChain:      parent.ChildChain(),
		Definition:           def,
		CreatedAt:            time.Now(),
	}), nil
}

func (e *Executor) add(ac *delegation.AgentContext) *delegation.AgentContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts[ac.ConversationID] = &entry{ac: ac, status: StatusIdle, updatedAt: ac.CreatedAt}
	e.byName[ac.AgentName] = ac.ConversationID
	e.logger.Info("agent context created",
		zap.String("agent", ac.AgentName),
		zap.String("conversation", ac.ConversationID),
		zap.Strings("chain", ac.DelegationChain))
	return clone(ac)
}

// ExecuteAgent runs the runner for ac.
func (e *Executor) ExecuteAgent(ctx context.Context, ac *delegation.AgentContext, input string) (string, error) {
	e.mu.RLock()
	ent, ok := e.contexts[ac.ConversationID]
	runner := e.runner
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("execute %s: %w", ac.AgentName, ErrAgentNotFound)
	}
	if runner == nil {
		return "", ErrNoRunner
	}

	e.setStatus(ac.ConversationID, StatusWorking)
	defer e.setStatus(ac.ConversationID, StatusIdle)

	start := time.Now()
	out, err := runner.Run(ctx, &Session{Context: clone(ent.ac), tools: e.tools}, input)
	e.logger.Debug("agent run finished",
		zap.String("agent", ac.AgentName),
		zap.String("conversation", ac.ConversationID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return out, err
}

func (e *Executor) setStatus(convID string, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.contexts[convID]; ok {
		ent.status = s
		ent.updatedAt = time.Now()
	}
}

// Status returns the status of the context bound to convID.
func (e *Executor) Status(convID string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.contexts[convID]
	if !ok {
		return "", false
	}
	return ent.status, true
}

// GetAgentContext returns the most recent live context of name.
func (e *Executor) GetAgentContext(name string) (*delegation.AgentContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	convID, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	ent, ok := e.contexts[convID]
	if !ok {
		return nil, false
	}
	return clone(ent.ac), true
}

// ActiveAgents returns every live context, oldest first.
func (e *Executor) ActiveAgents() []*delegation.AgentContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*delegation.AgentContext, 0, len(e.contexts))
	for _, ent := range e.contexts {
		out = append(out, clone(ent.ac))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TerminateAgent drops the most recent context of name.
func (e *Executor) TerminateAgent(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if convID, ok := e.byName[name]; ok {
		e.removeLocked(convID)
	}
}

// TerminateAgentByConversation drops the context bound to conversationID.
func (e *Executor) TerminateAgentByConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(conversationID)
}

// removeLocked drops a context and repoints the name index at the newest
// remaining context of the same agent, if any.
func (e *Executor) removeLocked(convID string) {
	ent, ok := e.contexts[convID]
	if !ok {
		return
	}
	delete(e.contexts, convID)
	name := ent.ac.AgentName
	if e.byName[name] == convID {
		delete(e.byName, name)
		var newest *delegation.AgentContext
		for _, other := range e.contexts {
			if other.ac.AgentName == name && (newest == nil || other.ac.CreatedAt.After(newest.CreatedAt)) {
				newest = other.ac
			}
		}
		if newest != nil {
			e.byName[name] = newest.ConversationID
		}
	}
	e.logger.Info("agent context terminated",
		zap.String("agent", name),
		zap.String("conversation", convID))
}

func clone(ac *delegation.AgentContext) *delegation.AgentContext {
	c := *ac
	c.DelegationChain = slices.Clone(ac.DelegationChain)
	return &c
}
