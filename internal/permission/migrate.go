package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of an agents document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

type alias struct{ old, canon string }

// Checked in order; the first alias present wins.
var topLevelAliases = []alias{
	{"entry_agent", "entryAgent"},
	{"entry", "entryAgent"},
	{"defaultAgent", "entryAgent"},
}

var agentAliases = []alias{
	{"system_prompt", "systemPrompt"},
	{"prompt", "systemPrompt"},
	{"use_for", "useFor"},
	{"usage", "useFor"},
	{"delegation_policy", "delegationPolicy"},
	{"delegation", "delegationPolicy"},
	{"canDelegateTo", "delegationPolicy"},
	{"tool_policy", "toolPolicy"},
	{"tools", "toolPolicy"},
	{"allowedTools", "toolPolicy"},
}

// Migrate rewrites legacy document shapes into the unified
// {entryAgent, agents[]} shape. The input is not modified. Every rewrite is
// reported as a warning.
func Migrate(doc map[string]any) (map[string]any, []string) {
	var warnings []string
	warnf := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, a := range topLevelAliases {
		if v, ok := out[a.old]; ok {
			delete(out, a.old)
			if _, exists := out[a.canon]; !exists {
				out[a.canon] = v
				warnf("renamed %q to %q", a.old, a.canon)
			}
		}
	}

	if primary, key := takeMap(out, "primaryAgent", "primary"); primary != nil {
		subs, subKey := takeList(out, "subAgents", "sub_agents", "agents")
		merged := append([]any{primary}, subs...)
		out["agents"] = merged
		name, _ := primary["name"].(string)
		if _, ok := out["entryAgent"]; !ok && name != "" {
			out["entryAgent"] = name
		}
		if subKey == "" {
			warnf("moved %q into agents list", key)
		} else {
			warnf("merged %q and %q into agents list with %q as entry agent", key, subKey, name)
		}
	}

	list, _ := out["agents"].([]any)
	agents := make([]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			agents = append(agents, item)
			continue
		}
		agents = append(agents, migrateAgent(m, i, warnf))
	}
	if list != nil {
		out["agents"] = agents
	}
	return out, warnings
}

func migrateAgent(in map[string]any, idx int, warnf func(string, ...any)) map[string]any {
	m := make(map[string]any, len(in))
	for k, v := range in {
		m[k] = v
	}
	label, _ := m["name"].(string)
	if label == "" {
		label = fmt.Sprintf("#%d", idx)
	}

	for _, a := range agentAliases {
		v, ok := m[a.old]
		if !ok {
			continue
		}
		delete(m, a.old)
		if _, exists := m[a.canon]; exists {
			warnf("agent %q: dropped %q, %q already set", label, a.old, a.canon)
			continue
		}
		m[a.canon] = v
		warnf("agent %q: renamed %q to %q", label, a.old, a.canon)
	}

	if can, ok := m["canDelegate"]; ok {
		delete(m, "canDelegate")
		targets, hasTargets := m["delegateTo"]
		delete(m, "delegateTo")
		if _, exists := m["delegationPolicy"]; !exists {
			allowed, _ := can.(bool)
			switch {
			case !allowed:
				m["delegationPolicy"] = map[string]any{"kind": string(PolicyNone)}
			case hasTargets:
				m["delegationPolicy"] = targets
			default:
				m["delegationPolicy"] = map[string]any{"kind": string(PolicyAll)}
			}
			warnf("agent %q: converted canDelegate/delegateTo to delegationPolicy", label)
		}
	}

	for _, field := range []string{"delegationPolicy", "toolPolicy"} {
		v, ok := m[field]
		if !ok {
			m[field] = map[string]any{"kind": string(PolicyNone)}
			warnf("agent %q: %s missing, defaulted to None", label, field)
			continue
		}
		if p, changed := normalizePolicy(v); changed {
			m[field] = p
			warnf("agent %q: %s converted from legacy form", label, field)
		}
	}
	return m
}

// normalizePolicy converts the legacy spellings of a policy into
// {kind, targets}. It reports whether anything changed.
func normalizePolicy(v any) (map[string]any, bool) {
	switch p := v.(type) {
	case bool:
		if p {
			return map[string]any{"kind": string(PolicyAll)}, true
		}
		return map[string]any{"kind": string(PolicyNone)}, true
	case string:
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "all", "*":
			return map[string]any{"kind": string(PolicyAll)}, true
		case "none", "":
			return map[string]any{"kind": string(PolicyNone)}, true
		}
		return map[string]any{"kind": string(PolicySpecific), "targets": []any{p}}, true
	case []any:
		return listPolicy(p), true
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, val := range p {
			out[k] = val
		}
		changed := false
		for _, key := range []string{"agents", "names", "list", "allowed"} {
			if val, ok := out[key]; ok {
				delete(out, key)
				if _, exists := out["targets"]; !exists {
					out["targets"] = val
				}
				changed = true
			}
		}
		orig, _ := p["kind"].(string)
		kind := orig
		if kind == "" {
			kind, _ = out["type"].(string)
		}
		if _, ok := out["type"]; ok {
			delete(out, "type")
			changed = true
		}
		canon := canonicalKind(kind)
		if canon == "" {
			if _, ok := out["targets"]; ok {
				canon = string(PolicySpecific)
			} else {
				canon = kind
			}
		}
		out["kind"] = canon
		return out, changed || canon != orig
	}
	return map[string]any{"kind": fmt.Sprint(v)}, true
}

func listPolicy(items []any) map[string]any {
	if len(items) == 0 {
		return map[string]any{"kind": string(PolicyNone)}
	}
	targets := make([]any, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s == "*" {
			return map[string]any{"kind": string(PolicyAll)}
		}
		targets = append(targets, it)
	}
	return map[string]any{"kind": string(PolicySpecific), "targets": targets}
}

func canonicalKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "all", "*":
		return string(PolicyAll)
	case "none":
		return string(PolicyNone)
	case "specific", "some", "list":
		return string(PolicySpecific)
	}
	return ""
}

func takeMap(m map[string]any, keys ...string) (map[string]any, string) {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			delete(m, k)
			return v, k
		}
	}
	return nil, ""
}

func takeList(m map[string]any, keys ...string) ([]any, string) {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			delete(m, k)
			return v, k
		}
	}
	return nil, ""
}

// Decode parses raw in the given format, migrates legacy shapes and returns
// the unified configuration with the migration warnings.
func Decode(raw []byte, format Format) (*Configuration, []string, error) {
	var doc map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported format %q", format)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	migrated, warnings := Migrate(doc)
	data, err := json.Marshal(migrated)
	if err != nil {
		return nil, warnings, fmt.Errorf("encode migrated document: %w", err)
	}
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, warnings, fmt.Errorf("decode configuration: %w", err)
	}
	return &cfg, warnings, nil
}

// ValidateDocument decodes, migrates and validates raw. Migration warnings
// precede validation warnings in the result.
func (v *Validator) ValidateDocument(raw []byte, format Format, opts Options) (*Result, error) {
	cfg, migrations, err := Decode(raw, format)
	if err != nil {
		return nil, err
	}
	res := v.Validate(cfg, opts)
	res.Warnings = append(migrations, res.Warnings...)
	return res, nil
}
