package main

import (
	"encoding/json"
	"fmt"

	"github.com/SimonBear03/agent-blob/internal/gateway"
	"github.com/SimonBear03/agent-blob/pkg/models"
	"github.com/spf13/cobra"
)

// buildSchedulesCmd wires the "schedules" command group: list, create,
// delete — each a single request against schedules.* (spec §6). There is
// no update subcommand; schedules.update is reachable over the gateway only.
func buildSchedulesCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage background schedules",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8765", "Gateway listen address")

	cmd.AddCommand(buildSchedulesListCmd(&addr))
	cmd.AddCommand(buildSchedulesCreateCmd(&addr))
	cmd.AddCommand(buildSchedulesDeleteCmd(&addr))
	return cmd
}

func buildSchedulesListCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodSchedulesList, nil)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}

func buildSchedulesCreateCmd(addr *string) *cobra.Command {
	var (
		id       string
		kind     string
		spec     string
		prompt   string
		timezone string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched := models.Schedule{
				ScheduleID: id,
				Kind:       models.ScheduleKind(kind),
				Spec:       spec,
				Prompt:     prompt,
				Enabled:    true,
				Timezone:   timezone,
			}
			params, err := json.Marshal(sched)
			if err != nil {
				return err
			}
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodSchedulesCreate, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Schedule id")
	cmd.Flags().StringVar(&kind, "kind", "interval", "interval|daily|cron")
	cmd.Flags().StringVar(&spec, "spec", "", "Kind-specific spec (e.g. \"1h\", \"09:00\", a cron expression)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt fed as the scheduled run's input")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for daily/cron evaluation")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func buildSchedulesDeleteCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule_id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(map[string]string{"schedule_id": args[0]})
			client, err := dialGateway(*addr)
			if err != nil {
				return err
			}
			defer client.Close()
			payload, err := client.call(gateway.MethodSchedulesDelete, params)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}

func printJSON(payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
