package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource []byte

// Schema validates configuration maps and fills in defaults.
type Schema struct {
	mu  sync.Mutex // cue values are not safe for concurrent use
	ctx *cue.Context
	def cue.Value
}

var (
	schemaOnce sync.Once
	schemaVal  *Schema
	schemaErr  error
)

func defaultSchema() *Schema {
	schemaOnce.Do(func() {
		schemaVal, schemaErr = NewSchema(schemaSource)
	})
	if schemaErr != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", schemaErr))
	}
	return schemaVal
}

// NewSchema compiles a CUE schema that defines #Config.
func NewSchema(src []byte) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return nil, fmt.Errorf("schema does not define #Config")
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Decode validates m against the schema and decodes the result, with
// defaults applied, into a Config. A nil map yields the defaults.
func (s *Schema) Decode(m map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m == nil {
		m = map[string]any{}
	}
	data := s.ctx.Encode(m)
	if err := data.Err(); err != nil {
		return Config{}, &ValidationError{Err: err}
	}

	v := s.def.Unify(data)
	if err := v.Validate(); err != nil {
		return Config{}, &ValidationError{Err: err}
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return Config{}, &ValidationError{Err: err}
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// kindOf reports the kind the schema expects at a dotted path, or
// cue.BottomKind for unknown paths.
func (s *Schema) kindOf(path string) cue.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	sels := make([]cue.Selector, 0, 2)
	for _, part := range strings.Split(path, ".") {
		sels = append(sels, cue.Str(part))
	}
	v := s.def.LookupPath(cue.MakePath(sels...))
	if !v.Exists() {
		return cue.BottomKind
	}
	return v.IncompleteKind()
}

// ValidationError reports a configuration rejected by the schema.
type ValidationError struct {
	Source string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("invalid configuration in %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
