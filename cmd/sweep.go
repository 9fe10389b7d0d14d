package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/provnuk88/dsv2-sub000/rollcall"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the reminder, start and closure sweeps once, then exit",
	Long: "Runs each lifecycle sweep a single time against the configured database. " +
		"Useful when the scheduler is disabled and sweeps are driven by cron.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := rollcall.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating rollcall: %w", err)
		}
		report, err := bot.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		return printJSON(cmd, report)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <event-id>",
	Short: "Recompute an event's counters, waitlist positions and key assignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := rollcall.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating rollcall: %w", err)
		}
		report, err := bot.Reconcile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		return printJSON(cmd, report)
	},
}

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Overwrite the bot's slash commands with the current definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := rollcall.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating rollcall: %w", err)
		}
		registered, err := bot.RegisterSlashCommands()
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		for _, c := range registered {
			fmt.Fprintf(cmd.OutOrStdout(), "registered /%s (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(registerCommandsCmd)
}
