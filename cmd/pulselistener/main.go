package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "pulselistener",
		Short: "Pulse listener - code review and code coverage orchestration daemon",
		Long: `pulselistener listens to build notifications from Phabricator and Pulse.
Diffs are applied on a local clone, collapsed and pushed to try; coverage
builds trigger the code coverage hook, and the created tasks are monitored.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
