package cmd

import (
	"github.com/itscold404/discord-event-planning-assistant/assistant"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the discord bot, status API and (optionally) webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := assistant.New(cfg)
			if err != nil {
				log.Fatalf("error creating assistant: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running assistant: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
