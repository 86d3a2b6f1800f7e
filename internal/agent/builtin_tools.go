package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
)

// Delegator is the part of the delegation engine the built-in tools call.
type Delegator interface {
	DelegateWorkFromConversation(ctx context.Context, conversationID, to, work, expectations string) (string, error)
	ReportOutForConversation(conversationID, report string) bool
}

// Tool names registered by RegisterDelegationTools.
const (
	ToolDelegateWork = "delegate_work"
	ToolReportOut    = delegation.CompletionSignal
	ToolListAgents   = "list_agents"
)

// RegisterDelegationTools adds delegate_work, report_out and list_agents to
// the executor's registry.
func RegisterDelegationTools(e *Executor, d Delegator) {
	reg := e.Tools()

	reg.Register(Tool{
		Name:        ToolDelegateWork,
		Description: "Hand a unit of work to another agent and wait for its report",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":        map[string]string{"type": "string", "description": "Name of the agent to delegate to"},
				"work":         map[string]string{"type": "string", "description": "What the agent should do"},
				"expectations": map[string]string{"type": "string", "description": "What the report should contain"},
			},
			"required": []string{"agent", "work"},
		},
	}, func(ctx context.Context, caller *delegation.AgentContext, args string) (string, error) {
		var p struct {
			Agent        string `json:"agent"`
			Work         string `json:"work"`
			Expectations string `json:"expectations"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		report, err := d.DelegateWorkFromConversation(ctx, caller.ConversationID, p.Agent, p.Work, p.Expectations)
		if err != nil {
			return marshal(map[string]string{
				"error": err.Error(),
				"kind":  string(delegation.KindOf(err)),
			}), nil
		}
		return marshal(map[string]string{"agent": p.Agent, "report": report}), nil
	})

	reg.Register(Tool{
		Name:        ToolReportOut,
		Description: "Return your report to the agent that delegated this work. Call it exactly once when done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"report": map[string]string{"type": "string", "description": "The complete report"},
			},
			"required": []string{"report"},
		},
	}, func(ctx context.Context, caller *delegation.AgentContext, args string) (string, error) {
		var p struct {
			Report string `json:"report"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		delivered := d.ReportOutForConversation(caller.ConversationID, p.Report)
		return marshal(map[string]bool{"delivered": delivered}), nil
	})

	reg.Register(Tool{
		Name:        ToolListAgents,
		Description: "List the agents currently running",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, func(ctx context.Context, caller *delegation.AgentContext, args string) (string, error) {
		type brief struct {
			Name         string `json:"name"`
			Conversation string `json:"conversation"`
			Status       string `json:"status"`
			UseFor       string `json:"use_for,omitempty"`
		}
		var list []brief
		for _, ac := range e.ActiveAgents() {
			st, _ := e.Status(ac.ConversationID)
			list = append(list, brief{
				Name:         ac.AgentName,
				Conversation: ac.ConversationID,
				Status:       string(st),
				UseFor:       ac.Definition.UseFor,
			})
		}
		return marshal(list), nil
	})
}

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
