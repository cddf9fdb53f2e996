// Package config loads edbridge configuration.
//
// Configuration is layered: schema defaults, then a TOML or YAML file, then
// EDBRIDGE_* environment variables, then command-line overrides. The merged
// map is checked against an embedded CUE schema, which also supplies every
// default, before it is decoded into a Config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Config is the complete bridge configuration.
type Config struct {
	Engine    EngineConfig    `json:"engine" yaml:"engine" toml:"engine"`
	Sequencer SequencerConfig `json:"sequencer" yaml:"sequencer" toml:"sequencer"`
	Tracker   TrackerConfig   `json:"tracker" yaml:"tracker" toml:"tracker"`
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy" toml:"policy"`
}

// EngineConfig selects and tunes the engine backend.
type EngineConfig struct {
	// Backend is "nvim", "rpc" or "memory".
	Backend string   `json:"backend" yaml:"backend" toml:"backend"`
	Command string   `json:"command" yaml:"command" toml:"command"`
	Args    []string `json:"args" yaml:"args" toml:"args"`
	Dir     string   `json:"dir" yaml:"dir" toml:"dir"`
	Env     []string `json:"env" yaml:"env" toml:"env"`

	// Width and Height are the initial UI grid size.
	Width  int `json:"width" yaml:"width" toml:"width"`
	Height int `json:"height" yaml:"height" toml:"height"`

	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	InvokeTimeout    Duration `json:"invoke_timeout" yaml:"invoke_timeout" toml:"invoke_timeout"`
	PollInterval     Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// SequencerConfig bounds pending input.
type SequencerConfig struct {
	Capacity int `json:"capacity" yaml:"capacity" toml:"capacity"`
}

// TrackerConfig bounds pending engine notifications.
type TrackerConfig struct {
	Inbox int `json:"inbox" yaml:"inbox" toml:"inbox"`
}

// ServerConfig configures the presentation channel.
type ServerConfig struct {
	// Transport is "stdio" or "websocket".
	Transport      string   `json:"transport" yaml:"transport" toml:"transport"`
	Listen         string   `json:"listen" yaml:"listen" toml:"listen"`
	Path           string   `json:"path" yaml:"path" toml:"path"`
	Token          string   `json:"token" yaml:"token" toml:"token"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	MaxClients     int      `json:"max_clients" yaml:"max_clients" toml:"max_clients"`
	SendBuffer     int      `json:"send_buffer" yaml:"send_buffer" toml:"send_buffer"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
	// File receives the log; empty means stderr.
	File string `json:"file" yaml:"file" toml:"file"`
}

// PolicyConfig configures the scripted quit policy.
type PolicyConfig struct {
	QuitScript string   `json:"quit_script" yaml:"quit_script" toml:"quit_script"`
	Timeout    Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := defaultSchema().Decode(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema defaults: %v", err))
	}
	return cfg
}

// Map returns cfg as a nested map keyed like the configuration file.
func (cfg Config) Map() (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return normalizeNumbers(m).(map[string]any), nil
}

// normalizeNumbers turns json.Number values into int64 or float64 so the
// map validates like one read from a file.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	}
	return v
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
