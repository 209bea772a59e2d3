package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd wires the "serve" subcommand. The actual startup sequence
// lives in runServe so it stays testable independent of cobra's own
// argument parsing, mirroring the teacher's serve/runServe split.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Agent Blob service",
		Long: `Start the Agent Blob service: the WebSocket gateway, the run executor,
the background scheduler, and the memory service's maintenance loop.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default ./agentblob.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
