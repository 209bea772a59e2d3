// Package main provides the CLI entry point for Agent Blob, the always-on,
// single-user master-AI service.
//
// Agent Blob accepts requests over a WebSocket control plane (C6), drives
// them through a policy-gated run executor (C4) backed by a durable event
// log (C1) and a hybrid memory service (C2), and fires scheduled runs in
// the background (C5).
//
// # Basic Usage
//
// Start the service:
//
//	agentblob serve --config agentblob.yaml
//
// Check status:
//
//	agentblob status --addr 127.0.0.1:8765
//
// Manage schedules:
//
//	agentblob schedules list
//	agentblob schedules create --id daily-report --kind daily --spec 09:00 --prompt "summarize yesterday"
//
// # Environment Variables
//
// Configuration can be provided via environment variables expanded into the
// YAML document at load time (spec §6: secrets never live in the config
// file itself):
//
//   - AGENTBLOB_CONFIG: path to the configuration file (default: ./agentblob.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentblob",
		Short: "Agent Blob - always-on single-user master AI service",
		Long: `Agent Blob accepts agent requests over a WebSocket gateway, runs them
through a policy-gated executor backed by a durable event log and a hybrid
memory service, and fires scheduled runs in the background.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildSchedulesCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}

// resolveConfigPath returns configPath if set, else the AGENTBLOB_CONFIG
// environment variable, else the documented default.
func resolveConfigPath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("AGENTBLOB_CONFIG"); env != "" {
		return env
	}
	return "./agentblob.yaml"
}
