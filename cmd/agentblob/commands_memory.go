package main

import (
	"encoding/json"

	"github.com/SimonBear03/agent-blob/internal/gateway"
	"github.com/spf13/cobra"
)

// buildMemoryCmd wires the "memory" command group: search, list, pin,
// delete — each a single request against memory.* (spec §6).
func buildMemoryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Query and manage the memory service",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8765", "Gateway listen address")

	cmd.AddCommand(buildMemorySearchCmd(&addr))
	cmd.AddCommand(buildMemoryListCmd(&addr))
	cmd.AddCommand(buildMemoryPinCmd(&addr))
	cmd.AddCommand(buildMemoryDeleteCmd(&addr))
	return cmd
}

func buildMemorySearchCmd(addr *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid bm25+cosine+recency search over memory items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(map[string]any{"query": args[0], "limit": limit})
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodMemorySearch, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}

func buildMemoryListCmd(addr *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent memory items",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(map[string]any{"limit": limit})
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodMemoryList, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results")
	return cmd
}

func buildMemoryPinCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <text>",
		Short: "Pin a memory item so consolidation never evicts it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(map[string]string{"text": args[0]})
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodMemoryPin, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}

func buildMemoryDeleteCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <item_id>",
		Short: "Delete a memory item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(map[string]string{"item_id": args[0]})
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodMemoryDelete, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}
