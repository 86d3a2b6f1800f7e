package delegation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-delegate/internal/conversation"
	"github.com/nidhogg/nuka-delegate/internal/permission"
	"go.uber.org/zap"
)

// Engine coordinates delegations between agents: permission and cycle
// checks, child conversation creation, asynchronous execution and the
// settlement of every waiting caller through report, timeout, cancellation
// or failure.
type Engine struct {
	provider ConfigurationProvider
	executor AgentExecutor
	tree     *conversation.Tree
	opts     Options

	mu       sync.Mutex
	requests map[string]*Request
	pending  map[string]*pendingCompletion
	reports  map[string]*StoredReport
	sinks    []EventSink
	// deliveries tracks settled events still being published
	deliveries sync.WaitGroup

	logger *zap.Logger
}

// New creates an engine.
func New(provider ConfigurationProvider, executor AgentExecutor, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Engine{
		provider: provider,
		executor: executor,
		tree:     conversation.NewTree(logger, conversation.WithClock(opts.Now)),
		opts:     opts,
		requests: make(map[string]*Request),
		pending:  make(map[string]*pendingCompletion),
		reports:  make(map[string]*StoredReport),
		logger:   logger.With(zap.String("component", "delegation")),
	}
}

// Tree returns the conversation tree owned by the engine.
func (e *Engine) Tree() *conversation.Tree { return e.tree }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// StartSession opens a root conversation for agentName and initializes the
// agent bound to it. Delegations originate from contexts created here or
// from the child contexts the engine spawns.
func (e *Engine) StartSession(ctx context.Context, agentName string) (*AgentContext, error) {
	cfg, err := e.provider.LoadConfiguration(ctx)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, From: agentName, Err: fmt.Errorf("load configuration: %w", err)}
	}
	def, ok := cfg.Agent(agentName)
	if !ok {
		return nil, &Error{Kind: KindConfiguration, From: agentName, Side: "source"}
	}

	convID, err := e.tree.Create(agentName, "")
	if err != nil {
		return nil, &Error{Kind: KindExecution, From: agentName, Err: err}
	}
	ac, err := e.executor.InitializeAgent(ctx, *def, &ExtendedConfig{ConversationID: convID})
	if err != nil {
		_ = e.tree.MarkFailed(convID, err)
		return nil, &Error{Kind: KindExecution, From: agentName, Err: fmt.Errorf("initialize agent: %w", err)}
	}

	e.logger.Info("session started",
		zap.String("agent", agentName),
		zap.String("conversation", convID))
	return ac, nil
}

// EndSession tears down the conversation subtree rooted at conversationID,
// cancelling any delegation still waiting inside it.
func (e *Engine) EndSession(conversationID string) {
	ids := append([]string{conversationID}, e.tree.Descendants(conversationID)...)
	for _, id := range ids {
		if e.reject(id, KindCancelled, errors.New("session ended")) {
			_ = e.tree.MarkCancelled(id)
		}
	}
	_ = e.tree.TerminateTree(conversationID)
	for _, id := range ids {
		e.executor.TerminateAgentByConversation(id)
	}
}

// IsValidDelegation reports whether from's delegation policy permits to.
func (e *Engine) IsValidDelegation(ctx context.Context, from, to string) (bool, error) {
	cfg, err := e.provider.LoadConfiguration(ctx)
	if err != nil {
		return false, &Error{Kind: KindConfiguration, From: from, To: to, Err: fmt.Errorf("load configuration: %w", err)}
	}
	_, _, err = resolve(cfg, from, to)
	if err != nil {
		return false, err
	}
	fromDef, _ := cfg.Agent(from)
	return permission.IsDelegationAllowed(fromDef.DelegationPolicy, from, to), nil
}

func resolve(cfg *permission.Configuration, from, to string) (*permission.AgentDefinition, *permission.AgentDefinition, error) {
	fromDef, ok := cfg.Agent(from)
	if !ok {
		return nil, nil, &Error{Kind: KindConfiguration, From: from, To: to, Side: "source"}
	}
	toDef, ok := cfg.Agent(to)
	if !ok {
		return nil, nil, &Error{Kind: KindConfiguration, From: from, To: to, Side: "target"}
	}
	return fromDef, toDef, nil
}

// DelegateWork hands work from one agent to another and blocks until the
// delegate reports back, fails, times out or is cancelled. Cancelling ctx
// cancels the delegation.
func (e *Engine) DelegateWork(ctx context.Context, from, to, work, expectations string) (string, error) {
	return e.delegate(ctx, from, to, work, expectations, func() (*AgentContext, bool) {
		return e.executor.GetAgentContext(from)
	})
}

// DelegateWorkFromConversation is DelegateWork on behalf of the context bound
// to conversationID. Several contexts of one agent can be live at once, and
// only this form pins the parent to the caller's own conversation.
func (e *Engine) DelegateWorkFromConversation(ctx context.Context, conversationID, to, work, expectations string) (string, error) {
	parent := e.contextFor(conversationID)
	if parent == nil {
		return "", &Error{Kind: KindExecution, To: to, Err: fmt.Errorf("no active context for conversation %s", conversationID)}
	}
	return e.delegate(ctx, parent.AgentName, to, work, expectations, func() (*AgentContext, bool) {
		return parent, true
	})
}

func (e *Engine) contextFor(conversationID string) *AgentContext {
	for _, ac := range e.executor.ActiveAgents() {
		if ac.ConversationID == conversationID {
			return ac
		}
	}
	return nil
}

func (e *Engine) delegate(ctx context.Context, from, to, work, expectations string, parentContext func() (*AgentContext, bool)) (string, error) {
	if from == to {
		return "", &Error{Kind: KindPermission, From: from, To: to, Err: errors.New("self-delegation")}
	}

	cfg, err := e.provider.LoadConfiguration(ctx)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, From: from, To: to, Err: fmt.Errorf("load configuration: %w", err)}
	}
	fromDef, toDef, err := resolve(cfg, from, to)
	if err != nil {
		return "", err
	}
	if !permission.IsDelegationAllowed(fromDef.DelegationPolicy, from, to) {
		return "", &Error{Kind: KindPermission, From: from, To: to}
	}

	parent, ok := parentContext()
	if ok {
		if chain := parent.ChildChain(); slices.Contains(chain, to) {
			return "", &Error{Kind: KindCircular, From: from, To: to, Chain: append(chain, to)}
		}
	} else {
		return "", &Error{Kind: KindExecution, From: from, To: to, Err: errors.New("no active context for source agent")}
	}

	req := &Request{
		ID:           uuid.New().String(),
		FromAgent:    from,
		ToAgent:      to,
		Work:         work,
		Expectations: expectations,
		CreatedAt:    e.opts.Now(),
	}

	convID, err := e.tree.Create(to, parent.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrCircularChain) {
			c, _ := e.tree.Get(parent.ConversationID)
			chain := append(append(c.DelegationChain, c.AgentName), to)
			return "", &Error{Kind: KindCircular, DelegationID: req.ID, From: from, To: to, Chain: chain}
		}
		return "", newError(KindExecution, req, fmt.Errorf("create conversation: %w", err))
	}
	req.ConversationID = convID

	child, err := e.executor.InitializeChildAgent(ctx, *toDef, parent, &ExtendedConfig{ConversationID: convID})
	if err != nil {
		_ = e.tree.MarkFailed(convID, err)
		return "", newError(KindExecution, req, fmt.Errorf("initialize child agent: %w", err))
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	p := e.register(req, cancelRun)

	e.logger.Info("delegation started",
		zap.String("delegation", req.ID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("conversation", convID))
	e.emit(&Event{
		Type:           EventStarted,
		DelegationID:   req.ID,
		ConversationID: convID,
		From:           from,
		To:             to,
		Work:           work,
		Timestamp:      req.CreatedAt,
	})

	go e.run(runCtx, child, req.Instruction(), convID)

	select {
	case out := <-p.done:
		return out.report, out.err
	case <-ctx.Done():
		if e.reject(convID, KindCancelled, ctx.Err()) {
			_ = e.tree.MarkCancelled(convID)
			e.executor.TerminateAgentByConversation(convID)
		}
		out := <-p.done
		return out.report, out.err
	}
}

// run executes the child agent. Its only effect on the delegation is to
// reject it if execution fails before anything else settled it.
func (e *Engine) run(ctx context.Context, child *AgentContext, input, convID string) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent panicked: %v", r)
			}
		}()
		_, err = e.executor.ExecuteAgent(ctx, child, input)
	}()

	if err == nil {
		return
	}
	if !e.reject(convID, KindExecution, err) {
		e.logger.Debug("late executor failure ignored",
			zap.String("conversation", convID),
			zap.Error(err))
		return
	}
	_ = e.tree.MarkFailed(convID, err)
	e.executor.TerminateAgentByConversation(convID)
}

// ReportOut delivers report from agentName to whoever delegated to it. It
// never fails: reports with no matching context are dropped. It returns
// whether a waiting caller received the report.
func (e *Engine) ReportOut(agentName, report string) bool {
	ac := e.reporterContext(agentName)
	if ac == nil {
		e.logger.Debug("report from unknown agent dropped", zap.String("agent", agentName))
		return false
	}
	return e.complete(ac.ConversationID, agentName, report)
}

// ReportOutForConversation is ReportOut addressed by conversation id.
func (e *Engine) ReportOutForConversation(conversationID, report string) bool {
	c, ok := e.tree.Get(conversationID)
	if !ok {
		e.logger.Debug("report for unknown conversation dropped", zap.String("conversation", conversationID))
		return false
	}
	return e.complete(conversationID, c.AgentName, report)
}

// reporterContext finds the context agentName reports from. The direct
// binding may be stale or shadowed by a newer context of the same agent, so
// a context with a waiting caller is preferred.
func (e *Engine) reporterContext(agentName string) *AgentContext {
	direct, ok := e.executor.GetAgentContext(agentName)
	if ok && e.isPending(direct.ConversationID) {
		return direct
	}
	var fallback *AgentContext
	for _, ac := range e.executor.ActiveAgents() {
		if ac.AgentName != agentName {
			continue
		}
		if e.isPending(ac.ConversationID) {
			return ac
		}
		if fallback == nil {
			fallback = ac
		}
	}
	if ok {
		return direct
	}
	return fallback
}

func (e *Engine) complete(convID, agentName, report string) bool {
	e.mu.Lock()
	e.reports[convID] = &StoredReport{
		ConversationID: convID,
		AgentName:      agentName,
		Report:         report,
		RecordedAt:     e.opts.Now(),
	}
	e.mu.Unlock()
	_ = e.tree.Touch(convID)

	delivered := false
	if p, ok := e.take(convID); ok {
		e.finish(p, report, nil)
		delivered = true
	}
	_ = e.tree.Terminate(convID)
	e.executor.TerminateAgentByConversation(convID)

	if !delivered {
		e.logger.Debug("report with no waiting caller",
			zap.String("agent", agentName),
			zap.String("conversation", convID))
	}
	return delivered
}

// CancelDelegation cancels a registered delegation and everything it spawned.
// It returns false if the id is unknown.
func (e *Engine) CancelDelegation(delegationID string) bool {
	e.mu.Lock()
	req, ok := e.requests[delegationID]
	var snapshot Request
	if ok {
		snapshot = *req
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	convID := e.locateChild(&snapshot)
	if convID == "" {
		e.mu.Lock()
		delete(e.requests, delegationID)
		e.mu.Unlock()
		e.logger.Debug("cancel found no child context", zap.String("delegation", delegationID))
		return false
	}

	descendants := e.tree.Descendants(convID)
	_ = e.tree.MarkCancelled(convID)
	e.reject(convID, KindCancelled, nil)
	for _, id := range descendants {
		if e.reject(id, KindCancelled, errors.New("parent delegation cancelled")) {
			_ = e.tree.MarkCancelled(id)
		}
	}
	_ = e.tree.TerminateTree(convID)

	e.executor.TerminateAgentByConversation(convID)
	for _, id := range descendants {
		e.executor.TerminateAgentByConversation(id)
	}

	e.mu.Lock()
	delete(e.requests, delegationID)
	e.mu.Unlock()

	e.logger.Info("delegation cancelled",
		zap.String("delegation", delegationID),
		zap.String("conversation", convID),
		zap.Int("descendants", len(descendants)))
	return true
}

// locateChild returns the conversation running req: the one recorded at
// creation, or else a live context of the target whose chain includes the
// source.
func (e *Engine) locateChild(req *Request) string {
	if _, ok := e.tree.Get(req.ConversationID); ok {
		return req.ConversationID
	}
	for _, ac := range e.executor.ActiveAgents() {
		if ac.AgentName == req.ToAgent && slices.Contains(ac.DelegationChain, req.FromAgent) {
			return ac.ConversationID
		}
	}
	return ""
}

// Cleanup rejects delegations whose agent context disappeared, expires old
// reports and sweeps finished conversations. It never fails.
func (e *Engine) Cleanup() CleanupStats {
	now := e.opts.Now()
	var stats CleanupStats
	var candidates []string

	e.mu.Lock()
	for convID := range e.pending {
		candidates = append(candidates, convID)
	}
	for convID, r := range e.reports {
		if now.Sub(r.RecordedAt) > e.opts.ReportRetention {
			delete(e.reports, convID)
			stats.ExpiredReports++
		}
	}
	e.mu.Unlock()

	// A pending entry is registered only after its child context exists, so
	// the snapshot must be taken after the candidates are collected.
	live := make(map[string]bool)
	if len(candidates) > 0 {
		for _, ac := range e.executor.ActiveAgents() {
			live[ac.ConversationID] = true
		}
	}
	for _, convID := range candidates {
		if live[convID] {
			continue
		}
		if e.reject(convID, KindExecution, errOrphaned) {
			_ = e.tree.MarkFailed(convID, errOrphaned)
			stats.Orphaned++
		}
	}
	stats.Conversations = len(e.tree.CleanupOrphans(now, e.opts.OrphanIdle))

	if stats != (CleanupStats{}) {
		e.logger.Info("cleanup",
			zap.Int("orphaned", stats.Orphaned),
			zap.Int("expired_reports", stats.ExpiredReports),
			zap.Int("conversations", stats.Conversations))
	}
	if e.opts.OnCleanup != nil {
		e.opts.OnCleanup(stats)
	}
	return stats
}

// Run calls Cleanup every CleanupInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cleanup()
		}
	}
}

// Shutdown cancels every waiting delegation and waits for settled events to
// reach the sinks, at most SinkTimeout per delivery.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for convID := range e.pending {
		ids = append(ids, convID)
	}
	e.mu.Unlock()

	for _, convID := range ids {
		if e.reject(convID, KindCancelled, errors.New("engine shutting down")) {
			_ = e.tree.MarkCancelled(convID)
		}
	}
	e.deliveries.Wait()
}

// Requests returns the registered delegations.
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, *r)
	}
	return out
}

// Pending returns the number of callers waiting for a report.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Report returns the stored report of a conversation.
func (e *Engine) Report(conversationID string) (StoredReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reports[conversationID]
	if !ok {
		return StoredReport{}, false
	}
	return *r, true
}
