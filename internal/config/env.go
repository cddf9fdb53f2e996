package config

import (
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
)

// envLoader maps EDBRIDGE_SECTION_KEY variables onto section.key paths.
// The first word after the prefix names the section; the rest, joined by
// underscores, names the key. Values are converted to the kind the schema
// expects at that path.
type envLoader struct {
	prefix string
	schema *Schema
}

func newEnvLoader(prefix string, schema *Schema) *envLoader {
	return &envLoader{prefix: prefix, schema: schema}
}

func (l *envLoader) load(environ []string) (map[string]any, error) {
	cfg := make(map[string]any)

	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, ok := l.envToPath(name)
		if !ok {
			continue
		}

		kind := l.schema.kindOf(path)
		if kind == cue.BottomKind {
			// Not a setting; EDBRIDGE_CONFIG and friends are read elsewhere.
			continue
		}
		v, err := parseValue(value, kind)
		if err != nil {
			return nil, fmt.Errorf("environment variable %s: %w", name, err)
		}
		setByPath(cfg, path, v)
	}
	return cfg, nil
}

// envToPath converts EDBRIDGE_ENGINE_INVOKE_TIMEOUT to engine.invoke_timeout.
func (l *envLoader) envToPath(env string) (string, bool) {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok || section == "" || key == "" {
		return "", false
	}
	return section + "." + key, true
}

// parseValue converts a raw environment value to the kind the schema
// expects. Lists are comma-separated.
func parseValue(raw string, kind cue.Kind) (any, error) {
	switch {
	case kind&cue.ListKind != 0:
		if strings.TrimSpace(raw) == "" {
			return []any{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	case kind&cue.IntKind != 0:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", raw)
		}
		return n, nil
	case kind&cue.BoolKind != 0:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected a boolean, got %q", raw)
		}
		return b, nil
	}
	return raw, nil
}
