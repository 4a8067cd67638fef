package main

import "github.com/spf13/cobra"

// Execute runs the botproxy command tree.
func Execute() error {
	return newRootCmd().Execute()
}

type globalFlags struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "botproxy",
		Short:         "Chat proxy between widget clients and the GPTunnel gateway",
		Long:          "botproxy serves the /chat and /usage-stats endpoints, keeps per-user chat sessions, mediates search tool calls and accounts token usage.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a TOML config file (default ./botproxy.toml when present)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newSeedCmd(flags),
		newChatCmd(flags),
		newHistoryCmd(flags),
		newPurgeCacheCmd(flags),
	)
	return rootCmd
}
