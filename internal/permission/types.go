package permission

import "slices"

// PolicyKind selects how a policy grants access.
type PolicyKind string

const (
	PolicyAll      PolicyKind = "All"
	PolicyNone     PolicyKind = "None"
	PolicySpecific PolicyKind = "Specific"
)

// Valid reports whether k is one of the known kinds.
func (k PolicyKind) Valid() bool {
	switch k {
	case PolicyAll, PolicyNone, PolicySpecific:
		return true
	}
	return false
}

// Policy is either All, None, or a Specific list of targets. The same shape
// is used for delegation targets (agent names) and tools (tool names).
type Policy struct {
	Kind    PolicyKind `json:"kind" yaml:"kind"`
	Targets []string   `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// AllowAll returns a policy permitting every target.
func AllowAll() Policy { return Policy{Kind: PolicyAll} }

// AllowNone returns a policy permitting nothing.
func AllowNone() Policy { return Policy{Kind: PolicyNone} }

// AllowOnly returns a Specific policy for the given targets.
func AllowOnly(targets ...string) Policy {
	return Policy{Kind: PolicySpecific, Targets: targets}
}

func (p Policy) clone() Policy {
	return Policy{Kind: p.Kind, Targets: slices.Clone(p.Targets)}
}

// AgentDefinition describes one configured agent role.
type AgentDefinition struct {
	Name             string `json:"name" yaml:"name"`
	Description      string `json:"description" yaml:"description"`
	UseFor           string `json:"useFor" yaml:"useFor"`
	SystemPrompt     string `json:"systemPrompt" yaml:"systemPrompt"`
	DelegationPolicy Policy `json:"delegationPolicy" yaml:"delegationPolicy"`
	ToolPolicy       Policy `json:"toolPolicy" yaml:"toolPolicy"`
}

// Configuration is the unified agent document: an entry agent plus the list
// of configured agents.
type Configuration struct {
	EntryAgent string            `json:"entryAgent,omitempty" yaml:"entryAgent,omitempty"`
	Agents     []AgentDefinition `json:"agents" yaml:"agents"`
}

// Agent returns the definition named name.
func (c *Configuration) Agent(name string) (*AgentDefinition, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// Names returns agent names in configuration order.
func (c *Configuration) Names() []string {
	names := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		names = append(names, a.Name)
	}
	return names
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	out := &Configuration{EntryAgent: c.EntryAgent, Agents: make([]AgentDefinition, len(c.Agents))}
	for i, a := range c.Agents {
		a.DelegationPolicy = a.DelegationPolicy.clone()
		a.ToolPolicy = a.ToolPolicy.clone()
		out.Agents[i] = a
	}
	return out
}

// IsDelegationAllowed decides whether an agent holding policy may hand work
// from fromName to toName. Self-delegation is never allowed.
func IsDelegationAllowed(policy Policy, fromName, toName string) bool {
	switch policy.Kind {
	case PolicyAll:
		return toName != fromName
	case PolicySpecific:
		return toName != fromName && slices.Contains(policy.Targets, toName)
	default:
		return false
	}
}

// IsToolAllowed decides whether policy grants the named tool.
func IsToolAllowed(policy Policy, tool string) bool {
	switch policy.Kind {
	case PolicyAll:
		return true
	case PolicySpecific:
		return slices.Contains(policy.Targets, tool)
	default:
		return false
	}
}
