package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "EDBRIDGE_"

// Options control where configuration is read from.
type Options struct {
	// Path is the configuration file. A missing file is not an error.
	Path string

	// FS reads Path. Nil means the OS file system.
	FS fs.ReadFileFS

	// Environ lists "KEY=value" pairs. Nil means os.Environ().
	Environ []string

	// Overrides are applied last, keyed by dotted path ("engine.width").
	Overrides map[string]any
}

type osFS struct{}

func (osFS) Open(name string) (fs.File, error) { return os.Open(name) }
func (osFS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

// Load reads, merges, validates and decodes the configuration.
func Load(opts Options) (Config, error) {
	schema := defaultSchema()

	merged := map[string]any{}
	if opts.Path != "" {
		fsys := opts.FS
		if fsys == nil {
			fsys = osFS{}
		}
		fileCfg, err := LoadFile(fsys, opts.Path)
		if err != nil {
			return Config{}, err
		}
		merged = DeepMerge(merged, fileCfg)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	envCfg, err := newEnvLoader(EnvPrefix, schema).load(environ)
	if err != nil {
		return Config{}, err
	}
	merged = DeepMerge(merged, envCfg)

	for path, v := range opts.Overrides {
		setByPath(merged, path, v)
	}

	cfg, err := schema.Decode(merged)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) && opts.Path != "" {
			ve.Source = opts.Path
		}
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile parses a TOML or YAML file into a map. The format follows the
// extension; anything other than .yaml or .yml is read as TOML. A missing
// file yields nil, nil.
func LoadFile(fsys fs.ReadFileFS, path string) (map[string]any, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(path, data)
	default:
		return parseTOML(path, data)
	}
}

func parseTOML(source string, data []byte) (map[string]any, error) {
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		return nil, pe
	}
	return m, nil
}

func parseYAML(source string, data []byte) (map[string]any, error) {
	var m map[string]any
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Path: source, Message: err.Error(), Err: err}
	}
	return m, nil
}

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DeepMerge recursively merges src into dst. Values in src win; maps are
// merged recursively and everything else is replaced.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = srcVal
	}
	return dst
}

// setByPath sets a value at a dotted path, creating maps on the way.
func setByPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}
