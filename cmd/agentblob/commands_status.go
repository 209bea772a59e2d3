package main

import (
	"encoding/json"
	"fmt"

	"github.com/SimonBear03/agent-blob/internal/gateway"
	"github.com/spf13/cobra"
)

// buildStatusCmd wires the "status" subcommand: a single status request
// against a running "serve" instance's gateway.
func buildStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running Agent Blob instance's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "Gateway listen address")
	return cmd
}

func runStatus(addr string) error {
	client, err := dialGateway(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.call(gateway.MethodStatus, nil)
	if err != nil {
		return err
	}
	var status map[string]any
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
