package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blockd",
	Short: "blockd - app blocking and screen time daemon",
	Long: `blockd watches foreground application changes, tracks per-app usage, and
blocks apps according to schedules, daily usage limits, and focus sessions
configured by the settings UI.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to serve command when no subcommand is provided
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/blockd/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
