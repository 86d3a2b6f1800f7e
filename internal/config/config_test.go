package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("NUKA_PG_DSN", "postgres://nuka@db/nuka")
	path := writeFile(t, "config.json", `{
		"server": {"log_level": "debug"},
		"delegation": {"timeout": "90s", "orphan_idle": "10m"},
		"agents_file": "${NUKA_AGENTS:agents.yaml}",
		"database": {
			"postgres": {"dsn": "${NUKA_PG_DSN}"},
			"redis": {"url": "${NUKA_REDIS_URL:redis://localhost:6379/0}"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "agents.yaml", cfg.AgentsFile)
	assert.Equal(t, "postgres://nuka@db/nuka", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
	assert.Equal(t, "nuka:delegations", cfg.Database.Redis.Stream)
	assert.Equal(t, "nuka", cfg.Metrics.Namespace)
	assert.Equal(t, ":8080", cfg.Server.Listen)

	opts := cfg.Delegation.Options()
	assert.Equal(t, 90*time.Second, opts.Timeout)
	assert.Equal(t, 10*time.Minute, opts.OrphanIdle)
	assert.Zero(t, opts.ReportRetention)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.json", `{"delegation": {"timeout": "soon"}}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.json", `{"delegation": {"timeout": 5}}`))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(5 * time.Minute)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(b))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, d, back)
}

const agentsYAML = `
primaryAgent:
  name: coordinator
  description: Routes work to specialists
  useFor: every incoming request
  systemPrompt: You coordinate the team.
  canDelegate: true
subAgents:
  - name: reviewer
    description: Reviews changes
    useFor: code review
    systemPrompt: You review code carefully.
    delegateTo: [coordinator, ghost]
`

func TestFileProviderYAMLWithRepair(t *testing.T) {
	path := writeFile(t, "agents.yaml", agentsYAML)
	p, err := NewFileProvider(path, zap.NewNop())
	require.NoError(t, err)

	cfg, err := p.LoadConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "coordinator", cfg.EntryAgent)
	assert.Equal(t, []string{"coordinator", "reviewer"}, cfg.Names())

	reviewer, ok := cfg.Agent("reviewer")
	require.True(t, ok)
	assert.Equal(t, permission.AllowOnly("coordinator"), reviewer.DelegationPolicy, "dangling target dropped")

	// callers get copies
	reviewer.DelegationPolicy = permission.AllowAll()
	again, err := p.LoadConfiguration(context.Background())
	require.NoError(t, err)
	r2, _ := again.Agent("reviewer")
	assert.Equal(t, permission.PolicySpecific, r2.DelegationPolicy.Kind)
}

func TestFileProviderReloadsOnChange(t *testing.T) {
	path := writeFile(t, "agents.json", `{"agents":[{"name":"solo","description":"d","useFor":"u","systemPrompt":"You work alone here.","delegationPolicy":{"kind":"None"},"toolPolicy":{"kind":"All"}}]}`)
	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)

	cfg, err := p.LoadConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, cfg.Names())

	require.NoError(t, os.WriteFile(path, []byte(`{"agents":[
		{"name":"solo","description":"d","useFor":"u","systemPrompt":"You work alone here.","delegationPolicy":{"kind":"All"},"toolPolicy":{"kind":"All"}},
		{"name":"duo","description":"d","useFor":"u","systemPrompt":"You work in pairs.","delegationPolicy":{"kind":"None"},"toolPolicy":{"kind":"All"}}
	]}`), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	cfg, err = p.LoadConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"solo", "duo"}, cfg.Names())
}

func TestFileProviderRejectsInvalid(t *testing.T) {
	path := writeFile(t, "agents.json", `{"agents":[{"name":"bad name!","systemPrompt":"short"}]}`)
	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)

	_, err = p.LoadConfiguration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAgents)
	assert.Contains(t, err.Error(), "bad name!")

	_, err = NewFileProvider("agents.toml", nil)
	assert.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	cfg := &permission.Configuration{Agents: []permission.AgentDefinition{{
		Name:             "solo",
		Description:      "works alone",
		UseFor:           "everything",
		SystemPrompt:     "You are the only agent.",
		DelegationPolicy: permission.AllowNone(),
		ToolPolicy:       permission.AllowAll(),
	}}}
	p, err := NewStaticProvider(cfg, nil)
	require.NoError(t, err)
	got, err := p.LoadConfiguration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "solo", got.EntryAgent, "entry agent repaired")

	_, err = NewStaticProvider(&permission.Configuration{}, nil)
	assert.ErrorIs(t, err, ErrInvalidAgents)
}

func TestLoadLLMProviders(t *testing.T) {
	t.Setenv("ANTHROPIC_KEY", "sk-ant")
	path := writeFile(t, "config.json", `{
		"llm": {
			"default": "claude",
			"providers": [
				{"id": "claude", "type": "anthropic", "api_key": "${ANTHROPIC_KEY}", "model": "claude-sonnet-4-5", "timeout": "45s"},
				{"id": "local", "type": "openai", "endpoint": "http://localhost:11434/v1", "model": "qwen3"}
			],
			"bindings": {"reviewer": {"provider": "local", "fallbacks": ["claude"]}}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.Providers, 2)
	assert.Equal(t, "claude", cfg.LLM.Default)

	pc := cfg.LLM.Providers[0].Provider()
	assert.Equal(t, "sk-ant", pc.APIKey)
	assert.Equal(t, 45*time.Second, pc.Timeout)
	assert.Equal(t, "anthropic", pc.Type)
	assert.Equal(t, []string{"claude"}, cfg.LLM.Bindings["reviewer"].Fallbacks)
}
