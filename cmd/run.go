package cmd

import (
	"log"

	"github.com/provnuk88/dsv2-sub000/rollcall"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, scheduler, admin API and (optionally) webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := rollcall.New(cfg)
			if err != nil {
				log.Fatalf("error creating rollcall: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running rollcall: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
