package permission

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Limits applied by Validate.
const (
	MaxAgents          = 20
	MinSystemPrompt    = 10
	MaxSystemPrompt    = 5000
	MaxDescriptionText = 500
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Issue is a single validation error.
type Issue struct {
	Agent   string `json:"agent,omitempty"`
	Field   string `json:"field"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

func (i *Issue) Error() string {
	var sb strings.Builder
	if i.Agent != "" {
		fmt.Fprintf(&sb, "agent %q: ", i.Agent)
	}
	sb.WriteString(i.Field)
	sb.WriteString(": ")
	if i.Target != "" {
		fmt.Fprintf(&sb, "target %q ", i.Target)
	}
	sb.WriteString(i.Message)
	return sb.String()
}

// Options controls validation.
type Options struct {
	// AutoRepair drops delegation targets that name unknown agents instead
	// of reporting them as errors.
	AutoRepair bool
}

// Result is the outcome of validating a configuration. Content problems are
// data here, never Go errors, so callers can decide whether to accept a
// repaired document.
type Result struct {
	Valid    bool           `json:"valid"`
	Errors   []*Issue       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Repaired *Configuration `json:"repaired,omitempty"`
	Cycles   [][]string     `json:"cycles,omitempty"`
}

func (r *Result) addError(agent, field, target, format string, args ...any) {
	r.Errors = append(r.Errors, &Issue{
		Agent:   agent,
		Field:   field,
		Target:  target,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates agent configurations. It holds no state besides its
// logger and is safe for concurrent use.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.With(zap.String("component", "permission"))}
}

// Validate checks cfg and returns the structured result. The Repaired
// configuration is always populated with the entry agent fixed and, when
// opts.AutoRepair is set, dangling delegation targets removed.
func (v *Validator) Validate(cfg *Configuration, opts Options) *Result {
	res := &Result{}
	if cfg == nil || len(cfg.Agents) == 0 {
		res.addError("", "agents", "", "at least one agent is required")
		if cfg != nil {
			res.Repaired = cfg.Clone()
		}
		v.logResult(res)
		return res
	}

	repaired := cfg.Clone()
	res.Repaired = repaired

	if len(cfg.Agents) > MaxAgents {
		res.addError("", "agents", "", "%d agents configured, at most %d allowed", len(cfg.Agents), MaxAgents)
	}

	names := make(map[string]bool, len(cfg.Agents))
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		v.checkAgent(res, a, i)
		if a.Name == "" {
			continue
		}
		if names[a.Name] {
			res.addError(a.Name, "name", "", "duplicate agent name")
			continue
		}
		names[a.Name] = true
	}

	for i := range repaired.Agents {
		v.checkReferences(res, &repaired.Agents[i], names, opts)
	}

	first := repaired.Agents[0].Name
	switch {
	case repaired.EntryAgent == "":
		repaired.EntryAgent = first
		res.warn("entryAgent not set, using first agent %q", first)
	case !names[repaired.EntryAgent]:
		res.warn("entryAgent %q is not a configured agent, using first agent %q", repaired.EntryAgent, first)
		repaired.EntryAgent = first
	}

	res.Cycles = DetectCycles(repaired)
	for _, c := range res.Cycles {
		res.warn("delegation cycle: %s", FormatCycle(c))
	}

	res.Valid = len(res.Errors) == 0
	v.logResult(res)
	return res
}

func (v *Validator) checkAgent(res *Result, a *AgentDefinition, idx int) {
	label := a.Name
	if label == "" {
		label = fmt.Sprintf("#%d", idx)
	}
	if !namePattern.MatchString(a.Name) {
		res.addError(label, "name", "", "must match %s", namePattern.String())
	}

	if n := utf8.RuneCountInString(a.SystemPrompt); n < MinSystemPrompt || n > MaxSystemPrompt {
		res.addError(label, "systemPrompt", "", "length %d outside [%d, %d]", n, MinSystemPrompt, MaxSystemPrompt)
	}
	checkText(res, label, "description", a.Description)
	checkText(res, label, "useFor", a.UseFor)

	checkPolicy(res, label, "delegationPolicy", a.DelegationPolicy)
	checkPolicy(res, label, "toolPolicy", a.ToolPolicy)
}

func checkText(res *Result, agent, field, text string) {
	if strings.TrimSpace(text) == "" {
		res.addError(agent, field, "", "must not be empty")
		return
	}
	if n := utf8.RuneCountInString(text); n > MaxDescriptionText {
		res.addError(agent, field, "", "length %d exceeds %d", n, MaxDescriptionText)
	}
}

func checkPolicy(res *Result, agent, field string, p Policy) {
	if !p.Kind.Valid() {
		res.addError(agent, field, "", "unknown kind %q, want All, None or Specific", p.Kind)
		return
	}
	if p.Kind != PolicySpecific {
		return
	}
	if len(p.Targets) == 0 {
		res.addError(agent, field, "", "Specific requires at least one target")
		return
	}
	seen := make(map[string]bool, len(p.Targets))
	for _, t := range p.Targets {
		if seen[t] {
			res.addError(agent, field, t, "is listed more than once")
			continue
		}
		seen[t] = true
	}
}

// checkReferences validates Specific delegation targets against the set of
// configured names, mutating a (the repaired copy) when auto-repair is on.
func (v *Validator) checkReferences(res *Result, a *AgentDefinition, names map[string]bool, opts Options) {
	p := &a.DelegationPolicy
	if p.Kind != PolicySpecific {
		return
	}

	kept := p.Targets[:0:0]
	for _, t := range p.Targets {
		if t == a.Name {
			res.warn("agent %q lists itself as a delegation target; self-delegation is never allowed", a.Name)
		}
		if names[t] {
			kept = append(kept, t)
			continue
		}
		if opts.AutoRepair {
			v.logger.Debug("dropped dangling delegation target",
				zap.String("agent", a.Name),
				zap.String("target", t))
			continue
		}
		res.addError(a.Name, "delegationPolicy", t, "is not a configured agent")
		kept = append(kept, t)
	}

	if opts.AutoRepair && len(kept) == 0 && len(p.Targets) > 0 {
		res.warn("agent %q has no remaining delegation targets, policy set to None", a.Name)
		*p = AllowNone()
		return
	}
	p.Targets = kept
}

func (v *Validator) logResult(res *Result) {
	if res.Valid {
		v.logger.Debug("configuration valid", zap.Int("warnings", len(res.Warnings)))
		return
	}
	v.logger.Info("configuration invalid",
		zap.Int("errors", len(res.Errors)),
		zap.Int("warnings", len(res.Warnings)))
}
