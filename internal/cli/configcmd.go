package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigOptions holds config command flags.
type ConfigOptions struct {
	Output string
}

// NewConfigCommand creates the config command, which prints the effective
// configuration after every source has been merged and validated.
func NewConfigCommand(root *RootOptions) *cobra.Command {
	opts := &ConfigOptions{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			m, err := cfg.Map()
			if err != nil {
				return WrapExitError(ExitFailure, "encode configuration", err)
			}
			out, err := encodeConfig(opts.Output, m)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "toml", "output format (toml|yaml|json)")

	return cmd
}

func encodeConfig(format string, m map[string]any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch format {
	case "toml":
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		err = enc.Encode(m)
		out = buf.Bytes()
	case "yaml":
		out, err = yaml.Marshal(m)
	case "json":
		out, err = json.MarshalIndent(m, "", "  ")
		out = append(out, '\n')
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown output format %q", format))
	}
	if err != nil {
		return nil, WrapExitError(ExitFailure, "encode configuration", err)
	}
	return out, nil
}
