package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-delegate/internal/provider"
	"go.uber.org/zap"
)

const maxToolRounds = 5

// ChatRouter sends chat requests on behalf of a named agent.
type ChatRouter interface {
	Route(ctx context.Context, agent string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// LLMRunner runs an agent as a chat model with a tool loop over the tools its
// session grants.
type LLMRunner struct {
	router    ChatRouter
	maxTokens int
	logger    *zap.Logger
}

// NewLLMRunner creates a runner that routes through router.
func NewLLMRunner(router ChatRouter, logger *zap.Logger) *LLMRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMRunner{
		router:    router,
		maxTokens: 4096,
		logger:    logger.With(zap.String("component", "llm_runner")),
	}
}

// Run executes one turn for the session's agent. A delegated agent that
// finishes without calling report_out has its final answer reported for it.
func (r *LLMRunner) Run(ctx context.Context, s *Session, input string) (string, error) {
	ac := s.Context
	req := &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: ac.Definition.SystemPrompt},
			{Role: provider.RoleUser, Content: input},
		},
		MaxTokens: r.maxTokens,
	}
	for _, t := range s.Tools() {
		req.Tools = append(req.Tools, provider.Tool{
			Type:     "function",
			Function: provider.ToolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	var (
		resp     *provider.ChatResponse
		reported bool
		report   string
	)
	for round := 0; round < maxToolRounds; round++ {
		var err error
		resp, err = r.router.Route(ctx, ac.AgentName, req)
		if err != nil {
			return "", fmt.Errorf("%s: %w", ac.AgentName, err)
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, err := s.Call(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				r.logger.Warn("tool call failed",
					zap.String("agent", ac.AgentName),
					zap.String("tool", tc.Function.Name),
					zap.Error(err))
				result = marshal(map[string]string{"error": err.Error()})
			} else if tc.Function.Name == ToolReportOut {
				reported = true
				report = reportArg(tc.Function.Arguments)
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
		if reported {
			// the delegation is settled and the context is gone
			return report, nil
		}
	}

	out := resp.Content
	if ac.ParentConversationID != "" {
		if _, err := s.Call(ctx, ToolReportOut, marshal(map[string]string{"report": out})); err != nil {
			r.logger.Warn("auto report failed", zap.String("agent", ac.AgentName), zap.Error(err))
		}
	}
	return out, nil
}

func reportArg(args string) string {
	var p struct {
		Report string `json:"report"`
	}
	if json.Unmarshal([]byte(args), &p) != nil {
		return args
	}
	return p.Report
}
