package main

import (
	"fmt"
	"os"

	"github.com/cuemby/strata/pkg/api"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - container lifecycle manager for replicated storage",
	Long: `Strata tracks storage containers replicated across data nodes.

It decides when containers close, keeps their metadata durable across
restarts, and sends close commands to the nodes holding replicas until
every replica agrees.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	api.Version = Version

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Strata version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
