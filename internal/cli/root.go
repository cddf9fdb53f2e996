// Package cli implements the edbridge and edbridge-term commands.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/edbridge/internal/config"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Sets       []string

	// overrides collects command-specific flags keyed by config path.
	overrides map[string]any
}

// NewRootCommand creates the edbridge command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "edbridge",
		Short: "Bridge an embedded editing engine to a presentation process",
		Long: "edbridge embeds a text-editing engine and relays input, buffer state and\n" +
			"session lifecycle to a presentation process over stdio or WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (TOML or YAML)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.PersistentFlags().StringArrayVar(&opts.Sets, "set", nil, "override a setting, e.g. --set engine.width=120")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand(info))

	return cmd
}

// override records value for a config path when the flag was given.
func (o *RootOptions) override(cmd *cobra.Command, flag, path string, value any) {
	if !cmd.Flags().Changed(flag) {
		return
	}
	if o.overrides == nil {
		o.overrides = make(map[string]any)
	}
	o.overrides[path] = value
}

// loadConfig merges the file, environment, --set values and flags.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Options, config.Config, error) {
	o.override(cmd, "log-level", "logging.level", o.LogLevel)
	o.override(cmd, "log-format", "logging.format", o.LogFormat)

	overrides := make(map[string]any, len(o.Sets)+len(o.overrides))
	for _, s := range o.Sets {
		path, value, err := parseSet(s)
		if err != nil {
			return config.Options{}, config.Config{}, WrapExitError(ExitCommandError, "invalid --set", err)
		}
		overrides[path] = value
	}
	for path, v := range o.overrides {
		overrides[path] = v
	}

	lopts := config.Options{Path: o.ConfigPath, Overrides: overrides}
	cfg, err := config.Load(lopts)
	if err != nil {
		return lopts, config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return lopts, cfg, nil
}

// parseSet splits "path=value". The value is read as YAML so numbers,
// booleans and lists keep their types.
func parseSet(s string) (string, any, error) {
	path, raw, ok := strings.Cut(s, "=")
	path = strings.TrimSpace(path)
	if !ok || path == "" {
		return "", nil, fmt.Errorf("%q: want path=value", s)
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return "", nil, fmt.Errorf("%q: %w", s, err)
	}
	if v == nil {
		v = raw
	}
	return path, v, nil
}
