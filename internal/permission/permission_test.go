package permission

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func def(name string, delegation Policy) AgentDefinition {
	return AgentDefinition{
		Name:             name,
		Description:      name + " agent",
		UseFor:           "tasks suited to " + name,
		SystemPrompt:     "You are the " + name + " agent.",
		DelegationPolicy: delegation,
		ToolPolicy:       AllowAll(),
	}
}

func newValidator() *Validator { return NewValidator(zap.NewNop()) }

func TestIsDelegationAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		from   string
		to     string
		want   bool
	}{
		{"none blocks", AllowNone(), "a", "b", false},
		{"none blocks self", AllowNone(), "a", "a", false},
		{"all allows other", AllowAll(), "a", "b", true},
		{"all blocks self", AllowAll(), "a", "a", false},
		{"specific allows listed", AllowOnly("b"), "a", "b", true},
		{"specific blocks unlisted", AllowOnly("b"), "a", "c", false},
		{"specific blocks listed self", AllowOnly("a"), "a", "a", false},
		{"unknown kind blocks", Policy{Kind: "Sometimes"}, "a", "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDelegationAllowed(tt.policy, tt.from, tt.to))
		})
	}
}

func TestIsDelegationAllowedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.StringMatching(`[a-d]`).Draw(rt, "from")
		to := rapid.StringMatching(`[a-d]`).Draw(rt, "to")
		targets := rapid.SliceOfDistinct(rapid.StringMatching(`[a-d]`), rapid.ID[string]).Draw(rt, "targets")

		if IsDelegationAllowed(AllowNone(), from, to) {
			rt.Fatalf("None allowed %s -> %s", from, to)
		}
		if got := IsDelegationAllowed(AllowAll(), from, to); got != (from != to) {
			rt.Fatalf("All(%s -> %s) = %v", from, to, got)
		}
		want := from != to && slices.Contains(targets, to)
		if got := IsDelegationAllowed(AllowOnly(targets...), from, to); got != want {
			rt.Fatalf("Specific(%v)(%s -> %s) = %v, want %v", targets, from, to, got, want)
		}
	})
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Configuration{
		EntryAgent: "coordinator",
		Agents: []AgentDefinition{
			def("coordinator", AllowAll()),
			def("reviewer", AllowNone()),
		},
	}
	res := newValidator().Validate(cfg, Options{})
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Empty(t, res.Cycles)
	assert.Equal(t, "coordinator", res.Repaired.EntryAgent)
}

func TestValidateDanglingTargetNamesAgentAndTarget(t *testing.T) {
	cfg := &Configuration{Agents: []AgentDefinition{
		def("planner", AllowOnly("coder", "ghost")),
		def("coder", AllowNone()),
	}}
	res := newValidator().Validate(cfg, Options{})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	issue := res.Errors[0]
	assert.Equal(t, "planner", issue.Agent)
	assert.Equal(t, "ghost", issue.Target)
	assert.Contains(t, issue.Error(), `"planner"`)
	assert.Contains(t, issue.Error(), `"ghost"`)
}

func TestValidateAutoRepairDropsDanglingTargets(t *testing.T) {
	cfg := &Configuration{Agents: []AgentDefinition{
		def("planner", AllowOnly("coder", "ghost")),
		def("coder", AllowOnly("phantom")),
	}}
	res := newValidator().Validate(cfg, Options{AutoRepair: true})
	require.True(t, res.Valid, "errors: %v", res.Errors)

	planner, ok := res.Repaired.Agent("planner")
	require.True(t, ok)
	assert.Equal(t, []string{"coder"}, planner.DelegationPolicy.Targets)

	coder, ok := res.Repaired.Agent("coder")
	require.True(t, ok)
	assert.Equal(t, PolicyNone, coder.DelegationPolicy.Kind)

	// the input is left untouched
	assert.Equal(t, []string{"coder", "ghost"}, cfg.Agents[0].DelegationPolicy.Targets)
}

func TestValidateEntryAgentRepairIsWarning(t *testing.T) {
	cfg := &Configuration{EntryAgent: "nobody", Agents: []AgentDefinition{
		def("alpha", AllowNone()),
		def("beta", AllowNone()),
	}}
	res := newValidator().Validate(cfg, Options{})
	require.True(t, res.Valid)
	assert.Equal(t, "alpha", res.Repaired.EntryAgent)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "nobody")
}

func TestValidateFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *AgentDefinition)
		field  string
	}{
		{"bad name", func(a *AgentDefinition) { a.Name = "has space" }, "name"},
		{"long name", func(a *AgentDefinition) { a.Name = strings.Repeat("x", 51) }, "name"},
		{"short prompt", func(a *AgentDefinition) { a.SystemPrompt = "too short" }, "systemPrompt"},
		{"long prompt", func(a *AgentDefinition) { a.SystemPrompt = strings.Repeat("p", MaxSystemPrompt+1) }, "systemPrompt"},
		{"empty description", func(a *AgentDefinition) { a.Description = "  " }, "description"},
		{"long useFor", func(a *AgentDefinition) { a.UseFor = strings.Repeat("u", MaxDescriptionText+1) }, "useFor"},
		{"unknown kind", func(a *AgentDefinition) { a.DelegationPolicy = Policy{Kind: "Some"} }, "delegationPolicy"},
		{"empty specific", func(a *AgentDefinition) { a.ToolPolicy = Policy{Kind: PolicySpecific} }, "toolPolicy"},
		{"duplicate tools", func(a *AgentDefinition) { a.ToolPolicy = AllowOnly("grep", "grep") }, "toolPolicy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := def("target", AllowNone())
			tt.mutate(&a)
			cfg := &Configuration{Agents: []AgentDefinition{a, def("other", AllowNone())}}

			res := newValidator().Validate(cfg, Options{})
			require.False(t, res.Valid)
			fields := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateRejectsEmptyTooManyAndDuplicates(t *testing.T) {
	v := newValidator()

	res := v.Validate(&Configuration{}, Options{})
	assert.False(t, res.Valid)

	var many []AgentDefinition
	for i := 0; i <= MaxAgents; i++ {
		many = append(many, def(fmt.Sprintf("agent-%d", i), AllowNone()))
	}
	res = v.Validate(&Configuration{Agents: many}, Options{})
	assert.False(t, res.Valid)

	res = v.Validate(&Configuration{Agents: []AgentDefinition{
		def("twin", AllowNone()), def("twin", AllowNone()),
	}}, Options{})
	require.False(t, res.Valid)
	assert.Equal(t, "twin", res.Errors[0].Agent)
}

func TestValidateReportsCyclesAsWarnings(t *testing.T) {
	cfg := &Configuration{Agents: []AgentDefinition{
		def("a", AllowOnly("b")),
		def("b", AllowOnly("a")),
	}}
	res := newValidator().Validate(cfg, Options{})
	require.True(t, res.Valid)
	require.Len(t, res.Cycles, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Cycles[0])
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "a -> b -> a")
}

func TestValidateDanglingTargetProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "agents")
		agents := make([]AgentDefinition, n)
		for i := range agents {
			agents[i] = def(fmt.Sprintf("agent-%d", i), AllowNone())
		}
		owner := rapid.IntRange(0, n-1).Draw(rt, "owner")
		ghost := "ghost-" + rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "ghost")
		agents[owner].DelegationPolicy = AllowOnly(ghost)

		res := newValidator().Validate(&Configuration{Agents: agents}, Options{})
		if res.Valid {
			rt.Fatalf("dangling target %q accepted", ghost)
		}
		found := false
		for _, e := range res.Errors {
			if e.Agent == agents[owner].Name && e.Target == ghost {
				found = true
			}
		}
		if !found {
			rt.Fatalf("no error names %s/%s: %v", agents[owner].Name, ghost, res.Errors)
		}
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("no edges", func(t *testing.T) {
		cfg := &Configuration{Agents: []AgentDefinition{def("a", AllowNone()), def("b", AllowNone())}}
		assert.Empty(t, DetectCycles(cfg))
	})
	t.Run("chain without cycle", func(t *testing.T) {
		cfg := &Configuration{Agents: []AgentDefinition{
			def("a", AllowOnly("b")), def("b", AllowOnly("c")), def("c", AllowNone()),
		}}
		assert.Empty(t, DetectCycles(cfg))
	})
	t.Run("all to all covers everyone", func(t *testing.T) {
		cfg := &Configuration{Agents: []AgentDefinition{
			def("a", AllowAll()), def("b", AllowAll()), def("c", AllowAll()), def("d", AllowAll()),
		}}
		cycles := DetectCycles(cfg)
		require.NotEmpty(t, cycles)
		assert.True(t, slices.ContainsFunc(cycles, func(c []string) bool { return len(c) == 4 }))
	})
	t.Run("distinct cycles collected", func(t *testing.T) {
		cfg := &Configuration{Agents: []AgentDefinition{
			def("a", AllowOnly("b", "c")),
			def("b", AllowOnly("a")),
			def("c", AllowOnly("a")),
		}}
		cycles := DetectCycles(cfg)
		require.Len(t, cycles, 3)
		assert.Equal(t, []string{"a", "b"}, cycles[0])
		assert.Equal(t, []string{"a", "c"}, cycles[1])
		assert.Equal(t, []string{"a", "b", "a", "c"}, cycles[2])
	})
	t.Run("cycle behind a visited node", func(t *testing.T) {
		cfg := &Configuration{Agents: []AgentDefinition{
			def("a", AllowOnly("c", "b")),
			def("b", AllowOnly("c")),
			def("c", AllowOnly("a")),
		}}
		cycles := DetectCycles(cfg)
		require.Len(t, cycles, 2)
		assert.Equal(t, []string{"a", "c"}, cycles[0])
		assert.Equal(t, []string{"a", "b", "c"}, cycles[1])
	})
}

func TestDetectCyclesRingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(2, MaxAgents).Draw(rt, "total")
		names := make([]string, total)
		for i := range names {
			names[i] = fmt.Sprintf("agent-%02d", i)
		}
		k := rapid.IntRange(2, total).Draw(rt, "ring")
		ring := rapid.Permutation(names).Draw(rt, "order")[:k]

		agents := make([]AgentDefinition, total)
		for i, n := range names {
			agents[i] = def(n, AllowNone())
		}
		cfg := &Configuration{Agents: agents}
		for i, n := range ring {
			a, _ := cfg.Agent(n)
			a.DelegationPolicy = AllowOnly(ring[(i+1)%k])
		}

		cycles := DetectCycles(cfg)
		if len(cycles) != 1 {
			rt.Fatalf("got %d cycles, want 1: %v", len(cycles), cycles)
		}
		got := slices.Clone(cycles[0])
		want := slices.Clone(ring)
		slices.Sort(got)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			rt.Fatalf("cycle %v, want members %v", cycles[0], ring)
		}
	})
}

func TestDetectCyclesMixedPolicyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(2, 10).Draw(rt, "total")
		names := make([]string, total)
		for i := range names {
			names[i] = fmt.Sprintf("n%d", i)
		}
		k := rapid.IntRange(2, total).Draw(rt, "ring")
		ring := rapid.Permutation(names).Draw(rt, "order")[:k]

		agents := make([]AgentDefinition, total)
		for i, n := range names {
			agents[i] = def(n, AllowNone())
		}
		cfg := &Configuration{Agents: agents}
		for i, n := range ring {
			a, _ := cfg.Agent(n)
			if rapid.Bool().Draw(rt, "all-"+n) {
				a.DelegationPolicy = AllowAll()
				continue
			}
			targets := []string{ring[(i+1)%k]}
			for _, extra := range rapid.SliceOfDistinct(rapid.SampledFrom(ring), rapid.ID[string]).Draw(rt, "extra-"+n) {
				if extra != n && !slices.Contains(targets, extra) {
					targets = append(targets, extra)
				}
			}
			a.DelegationPolicy = AllowOnly(rapid.Permutation(targets).Draw(rt, "targets-"+n)...)
		}

		g := BuildGraph(cfg)
		cycles := g.Cycles()
		covered := slices.ContainsFunc(cycles, func(c []string) bool {
			for _, n := range ring {
				if !slices.Contains(c, n) {
					return false
				}
			}
			return true
		})
		if !covered {
			rt.Fatalf("no cycle contains every member of ring %v: %v", ring, cycles)
		}
		for _, c := range cycles {
			for i, n := range c {
				next := c[(i+1)%len(c)]
				if !slices.Contains(g.Edges(n), next) {
					rt.Fatalf("cycle %v uses missing edge %s -> %s", c, n, next)
				}
			}
		}
	})
}

func TestIsToolAllowed(t *testing.T) {
	assert.True(t, IsToolAllowed(AllowAll(), "report_out"))
	assert.False(t, IsToolAllowed(AllowNone(), "report_out"))
	assert.True(t, IsToolAllowed(AllowOnly("report_out"), "report_out"))
	assert.False(t, IsToolAllowed(AllowOnly("report_out"), "delegate_work"))
}
