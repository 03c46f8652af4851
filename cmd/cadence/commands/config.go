package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
)

// ConfigCmd inspects the effective configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and validate configuration",
	Long: `config - inspect the effective configuration ("I am").

Configuration sources (lowest precedence first):
1. Default values
2. System config (/etc/cadence/config.toml)
3. User config (~/.cadence/config.toml)
4. Project config (cadence.toml, searched upward from the working directory)
5. --config file
6. Environment variables (CADENCE_* prefix)

Examples:
  cadence config show         # Effective configuration, secrets redacted
  cadence config validate     # Exit 1 when the configuration is invalid`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		out, err := cfg.MarshalRedactedTOML()
		if err != nil {
			return err
		}
		for _, p := range am.SourcePaths() {
			fmt.Printf("# merged: %s\n", p)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		if _, err := notifyConfig(cfg); err != nil {
			return err
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configValidateCmd)
}
