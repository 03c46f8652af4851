package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/sym"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: sym.Tick + " cadence - recurring scrape-job orchestrator",
	Long: sym.Tick + ` cadence - recurring scrape-job orchestrator.

Without flags cadence runs one scheduler pass over the due schedules and exits.
With --daemon it keeps polling, redelivers notifications held outside business
hours, and serves prometheus metrics when metrics.listen_addr is set.

Available commands:
  schedule - Create, list, pause and resume schedules
  runs     - Inspect run history
  notify   - Redeliver deferred notifications or send a test event
  config   - Show the effective configuration

Examples:
  cadence                       # One pass, exit 0
  cadence --daemon              # Poll every scheduler.poll_interval_seconds
  cadence schedule ls           # List schedules
  cadence runs ls --limit 10    # Last ten runs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			am.SetConfigFile(configPath)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		if !jsonOutput && cmd.Name() != "show" && cmd.Name() != "version" {
			// log.json in the config file applies when the flag is absent
			if cfg, err := am.Load(); err == nil {
				jsonOutput = cfg.Log.JSON
			}
		}
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		daemon, _ := cmd.Flags().GetBool("daemon")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if daemon {
			return commands.RunDaemon(cmd.Context(), verbosity)
		}
		return commands.RunPass(cmd.Context(), verbosity)
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().String("config", "", "Config file merged above the discovered cadence.toml files")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs for log shippers")
	rootCmd.Flags().Bool("daemon", false, "Keep polling until interrupted")

	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.NotifyCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Cleanup()
		os.Exit(1)
	}
}
