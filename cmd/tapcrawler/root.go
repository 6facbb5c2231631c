package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tapcrawler/tapcrawler/internal/config"
)

// Global flags
var (
	configFile   string
	outputFormat string
	noColor      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tapcrawler",
	Short: "Distributed self-supervised UI exploration",
	Long: `tapcrawler drives devices with agents that tap on screens, records which
actions changed the screen, and trains a shared model on the recorded
episodes, version by version.

Configuration is read from the file given by --config and overridden by
TAPCRAWLER_* environment variables, for example:
  TAPCRAWLER_DATA_DIR       Episode data directory (default: data)
  TAPCRAWLER_STATE_DIR      Ledger directory (default: state)
  TAPCRAWLER_PROCESS_TYPE   local or exec (default: local)
  TAPCRAWLER_LOG_LEVEL      debug, info, warn, error (default: info)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		InitColor(!noColor)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat == "json" {
			return printJSON(map[string]string{
				"version":    version,
				"commit":     commit,
				"build_time": buildTime,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			})
		}

		fmt.Printf("%s\n", Bold("tapcrawler"))
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: json, table")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(ledgerCmd)
}
