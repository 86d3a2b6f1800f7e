package conversation

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s != StatusActive }

// validTransitions defines allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusActive: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	if slices.Contains(validTransitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %q → %q", ErrTerminal, from, to)
}

var (
	ErrNotFound      = errors.New("conversation not found")
	ErrTerminal      = errors.New("conversation already finished")
	ErrCircularChain = errors.New("agent already in delegation chain")
)

// Conversation is one node of the delegation hierarchy. Values returned by
// Tree are copies; mutate through Tree methods only.
type Conversation struct {
	ID              string    `json:"id"`
	AgentName       string    `json:"agent_name"`
	ParentID        string    `json:"parent_id,omitempty"`
	ChildIDs        []string  `json:"child_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	Status          Status    `json:"status"`
	DelegationChain []string  `json:"delegation_chain,omitempty"`
	FailureCause    string    `json:"failure_cause,omitempty"`
}

func (c *Conversation) snapshot() Conversation {
	out := *c
	out.ChildIDs = slices.Clone(c.ChildIDs)
	out.DelegationChain = slices.Clone(c.DelegationChain)
	return out
}

// Tree is the in-memory conversation hierarchy.
type Tree struct {
	nodes  map[string]*Conversation
	now    func() time.Time
	mu     sync.RWMutex
	logger *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// NewTree creates an empty tree.
func NewTree(logger *zap.Logger, opts ...Option) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tree{
		nodes:  make(map[string]*Conversation),
		now:    time.Now,
		logger: logger.With(zap.String("component", "conversation_tree")),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Create adds a conversation for agentName. With a parent, the chain is the
// parent's chain plus the parent's agent and the new id is appended to the
// parent's children.
func (t *Tree) Create(agentName, parentID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	c := &Conversation{
		ID:           uuid.New().String(),
		AgentName:    agentName,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}

	if parentID != "" {
		parent, ok := t.nodes[parentID]
		if !ok {
			return "", fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
		chain := append(slices.Clone(parent.DelegationChain), parent.AgentName)
		if slices.Contains(chain, agentName) {
			return "", fmt.Errorf("%s in %v: %w", agentName, chain, ErrCircularChain)
		}
		c.ParentID = parentID
		c.DelegationChain = chain
		parent.ChildIDs = append(parent.ChildIDs, c.ID)
		parent.LastActivity = now
	}

	t.nodes[c.ID] = c
	t.logger.Debug("conversation created",
		zap.String("id", c.ID),
		zap.String("agent", agentName),
		zap.String("parent", parentID))
	return c.ID, nil
}

// Get returns a snapshot of the conversation.
func (t *Tree) Get(id string) (Conversation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.nodes[id]
	if !ok {
		return Conversation{}, false
	}
	return c.snapshot(), true
}

// ChildrenOf returns the child ids of parentID in creation order.
func (t *Tree) ChildrenOf(parentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.nodes[parentID]; ok {
		return slices.Clone(c.ChildIDs)
	}
	return nil
}

// Descendants returns every id below id, parents before children.
func (t *Tree) Descendants(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	var walk func(string)
	walk = func(cur string) {
		c, ok := t.nodes[cur]
		if !ok {
			return
		}
		for _, child := range c.ChildIDs {
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}

// List returns snapshots of every tracked conversation.
func (t *Tree) List() []Conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Conversation, 0, len(t.nodes))
	for _, c := range t.nodes {
		out = append(out, c.snapshot())
	}
	return out
}

// Len returns the number of tracked conversations.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Touch records activity on id.
func (t *Tree) Touch(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("touch %s: %w", id, ErrNotFound)
	}
	c.LastActivity = t.now()
	return nil
}

// Terminate completes an active conversation and detaches it from its
// parent. A finished conversation keeps its status; detaching is idempotent.
func (t *Tree) Terminate(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminateLocked(id)
}

func (t *Tree) terminateLocked(id string) error {
	c, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("terminate %s: %w", id, ErrNotFound)
	}
	if c.Status == StatusActive {
		c.Status = StatusCompleted
	}
	c.LastActivity = t.now()
	t.detachLocked(c)
	return nil
}

// MarkFailed moves an active conversation to failed.
func (t *Tree) MarkFailed(id string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.transitionLocked(id, StatusFailed)
	if err != nil {
		return err
	}
	if cause != nil {
		c.FailureCause = cause.Error()
	}
	return nil
}

// MarkCancelled moves an active conversation to cancelled.
func (t *Tree) MarkCancelled(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.transitionLocked(id, StatusCancelled)
	return err
}

func (t *Tree) transitionLocked(id string, to Status) (*Conversation, error) {
	c, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("mark %s %s: %w", id, to, ErrNotFound)
	}
	if err := Transition(c.Status, to); err != nil {
		return nil, fmt.Errorf("mark %s: %w", id, err)
	}
	c.Status = to
	c.LastActivity = t.now()
	return c, nil
}

// TerminateTree terminates id and everything below it, children first.
func (t *Tree) TerminateTree(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("terminate tree %s: %w", id, ErrNotFound)
	}
	t.terminateTreeLocked(id)
	return nil
}

func (t *Tree) terminateTreeLocked(id string) {
	c, ok := t.nodes[id]
	if !ok {
		return
	}
	// terminating a child detaches it, so iterate over a copy
	children := slices.Clone(c.ChildIDs)
	for _, child := range children {
		t.terminateTreeLocked(child)
	}
	_ = t.terminateLocked(id)
}

// CleanupOrphans removes finished conversations that are idle beyond
// maxIdle, have neither parent nor children, or failed or were cancelled.
// Active conversations are never removed. It returns the removed ids.
func (t *Tree) CleanupOrphans(now time.Time, maxIdle time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []string
	for id, c := range t.nodes {
		if c.Status == StatusActive {
			continue
		}
		idle := now.Sub(c.LastActivity) > maxIdle
		isolated := c.ParentID == "" && len(c.ChildIDs) == 0
		abandoned := c.Status == StatusFailed || c.Status == StatusCancelled
		if idle || isolated || abandoned {
			doomed = append(doomed, id)
		}
	}

	for _, id := range doomed {
		t.removeLocked(id)
	}
	if len(doomed) > 0 {
		t.logger.Debug("swept conversations", zap.Int("removed", len(doomed)))
	}
	return doomed
}

// removeLocked drops id, detaching it from its parent and clearing its
// children's parent link so no dangling references remain.
func (t *Tree) removeLocked(id string) {
	c, ok := t.nodes[id]
	if !ok {
		return
	}
	t.detachLocked(c)
	for _, child := range c.ChildIDs {
		if cc, ok := t.nodes[child]; ok {
			cc.ParentID = ""
		}
	}
	delete(t.nodes, id)
}

func (t *Tree) detachLocked(c *Conversation) {
	if c.ParentID == "" {
		return
	}
	if parent, ok := t.nodes[c.ParentID]; ok {
		parent.ChildIDs = slices.DeleteFunc(parent.ChildIDs, func(x string) bool { return x == c.ID })
	}
	c.ParentID = ""
}
