package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeJSON(cmd.OutOrStdout(), redactConfig(cfg))
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for required settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// redactConfig returns a copy of c with credentials masked
func redactConfig(c *config.Config) config.Config {
	out := *c
	if out.Hub.Token != "" {
		out.Hub.Token = redacted
	}
	if out.Chain.Passphrase != "" {
		out.Chain.Passphrase = redacted
	}
	return out
}
