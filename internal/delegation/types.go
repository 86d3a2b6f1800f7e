package delegation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/permission"
)

// CompletionSignal is the tool name a delegated agent calls to hand its
// report back.
const CompletionSignal = "report_out"

// ConfigurationProvider supplies the agent configuration. Each engine
// operation loads a fresh snapshot and treats it as immutable.
type ConfigurationProvider interface {
	LoadConfiguration(ctx context.Context) (*permission.Configuration, error)
}

// ExtendedConfig carries engine-assigned bindings into the executor.
type ExtendedConfig struct {
	ConversationID string
	Metadata       map[string]string
}

// AgentContext is the executor-side state of one running agent.
type AgentContext struct {
	ID                   string
	AgentName            string
	ConversationID       string
	ParentConversationID string
	DelegationChain      []string
	Definition           permission.AgentDefinition
	CreatedAt            time.Time
}

// ChildChain returns the chain a context spawned by ac would carry.
func (ac *AgentContext) ChildChain() []string {
	return append(slices.Clone(ac.DelegationChain), ac.AgentName)
}

// AgentExecutor runs agents on behalf of the engine.
type AgentExecutor interface {
	InitializeAgent(ctx context.Context, def permission.AgentDefinition, ext *ExtendedConfig) (*AgentContext, error)
	InitializeChildAgent(ctx context.Context, def permission.AgentDefinition, parent *AgentContext, ext *ExtendedConfig) (*AgentContext, error)
	ExecuteAgent(ctx context.Context, ac *AgentContext, input string) (string, error)
	GetAgentContext(name string) (*AgentContext, bool)
	ActiveAgents() []*AgentContext
	TerminateAgent(name string)
	TerminateAgentByConversation(conversationID string)
}

// Request is one registered delegation.
type Request struct {
	ID             string    `json:"id"`
	FromAgent      string    `json:"from_agent"`
	ToAgent        string    `json:"to_agent"`
	Work           string    `json:"work"`
	Expectations   string    `json:"expectations"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Instruction is the input handed to the delegated agent.
func (r *Request) Instruction() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task delegated by %s:\n%s\n\n", r.FromAgent, r.Work)
	if r.Expectations != "" {
		fmt.Fprintf(&sb, "Report expectations:\n%s\n\n", r.Expectations)
	}
	fmt.Fprintf(&sb, "When you are done, call %s with your report. %s is waiting for it and receives nothing else.", CompletionSignal, r.FromAgent)
	return sb.String()
}

// StoredReport is a report kept for ReportRetention after delivery.
type StoredReport struct {
	ConversationID string    `json:"conversation_id"`
	AgentName      string    `json:"agent_name"`
	Report         string    `json:"report"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// CleanupStats summarizes one Cleanup pass.
type CleanupStats struct {
	Orphaned       int `json:"orphaned"`
	ExpiredReports int `json:"expired_reports"`
	Conversations  int `json:"conversations"`
}

// Options tunes engine timing. Zero values take the defaults.
type Options struct {
	Timeout         time.Duration
	OrphanIdle      time.Duration
	ReportRetention time.Duration
	CleanupInterval time.Duration
	SinkTimeout     time.Duration
	Now             func() time.Time
	// OnCleanup, if set, receives the stats of every Cleanup pass.
	OnCleanup func(CleanupStats)
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         5 * time.Minute,
		OrphanIdle:      30 * time.Minute,
		ReportRetention: time.Hour,
		CleanupInterval: time.Minute,
		SinkTimeout:     5 * time.Second,
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.OrphanIdle <= 0 {
		o.OrphanIdle = d.OrphanIdle
	}
	if o.ReportRetention <= 0 {
		o.ReportRetention = d.ReportRetention
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = d.SinkTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
