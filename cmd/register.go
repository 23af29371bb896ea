package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/itscold404/discord-event-planning-assistant/assistant"
	"github.com/spf13/cobra"
	"log"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register (overwrite) the bot's slash commands with discord",
	Long: "Register the bot's slash commands with discord. If discord.guild_id " +
		"is set, commands are registered to that guild only, otherwise they're global.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		// servers aren't started here, so don't bother building them
		cfg.API.Enabled = false
		cfg.Discord.WebhookServer.Enabled = false

		bot, err := assistant.New(cfg)
		if err != nil {
			log.Fatalf("error creating assistant: %s", err.Error())
		}
		created, err := bot.RegisterSlashCommands(discordgo.WithContext(ctx))
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		for _, c := range created {
			_, _ = fmt.Fprintf(out, "registered /%s (id: %s)\n", c.Name, c.ID)
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
