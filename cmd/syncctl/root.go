package main

import (
	"github.com/spf13/cobra"

	"github.com/cory-johannsen/sessionsync/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	server     string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and join synchronized game sessions",
		Long:          "syncctl lists the open sessions of a session directory and can join one as a headless player to check latency and liveness.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "localhost:1555", "session directory address (host:port)")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "optional configuration file; SYNC_ environment overrides always apply")

	rootCmd.AddCommand(
		newVersionCmd(),
		newListCmd(opts),
		newJoinCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}
