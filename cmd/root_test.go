package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/itscold404/discord-event-planning-assistant/assistant"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

EA_DATABASE=/home/foo/assistant.sqlite3
EA_DATABASE_TYPE=sqlite
EA_DATABASE_LOG_LEVEL=INFO
EA_DATABASE_SLOW_THRESHOLD=250ms
EA_LOG_LEVEL=DEBUG
EA_STARTUP_TIMEOUT=30s
EA_SHUTDOWN_TIMEOUT=60s
EA_DEVELOPMENT=true

# Commands

EA_DEFAULT_HISTORY_LENGTH=10
EA_COMMAND_PREFIX=?
EA_COMMAND_RATE_LIMIT=0.5
EA_COMMAND_RATE_BURST=3

# Discord bot config

EA_DISCORD_TOKEN=your-discord-bot-token
EA_DISCORD_APPLICATION_ID=your-discord-bot-app-id
EA_DISCORD_GUILD_ID=
EA_DISCORD_LOG_LEVEL=WARN
EA_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
EA_DISCORD_STARTUP_MESSAGE="I'm here!"
EA_DISCORD_NOTIFICATION_CHANNEL_ID=12345
EA_DISCORD_CUSTOM_STATUS="taking suggestions"
EA_DISCORD_GATEWAY_INTENTS=3243773
EA_DISCORD_MESSAGE_COMMANDS_ENABLED=false

# Discord webhook server

EA_DISCORD_WEBHOOK_SERVER_ENABLED=false
EA_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
EA_DISCORD_WEBHOOK_SERVER_SSL_CERT_FILE=/etc/ssl/cert.pem
EA_DISCORD_WEBHOOK_SERVER_SSL_KEY_FILE=/etc/ssl/cert.key
EA_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
EA_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
EA_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
EA_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s

# API server

EA_API_ENABLED=true
EA_API_LISTEN=127.0.0.1:5000
EA_API_SSL_CERT_FILE=/etc/ssl/cert.pem
EA_API_SSL_KEY_FILE=/etc/ssl/key.pem
EA_API_SSL_TLS_MIN_VERSION=771
EA_API_LOG_LEVEL=DEBUG
EA_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
EA_API_CORS_ALLOW_METHODS=GET OPTIONS HEAD
EA_API_CORS_MAX_AGE=12h
EA_API_WRITE_TIMEOUT=10s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/assistant.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/assistant.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, 10, viper.GetInt("default_history_length"))
	assert.Equal(t, "?", viper.GetString("command_prefix"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// Unmarshal the configuration into a fresh assistant.Config
	var config assistant.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/assistant.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)
	assert.True(t, config.RecoverPanic)

	assert.Equal(t, 10, config.DefaultHistoryLength)
	assert.Equal(t, "?", config.CommandPrefix)
	assert.Equal(t, 0.5, config.CommandRateLimit)
	assert.Equal(t, 3, config.CommandRateBurst)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, "12345", config.Discord.NotificationChannelID)
	assert.Equal(t, "taking suggestions", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)
	assert.True(t, config.Discord.GatewayEnabled)
	assert.False(t, config.Discord.MessageCommandsEnabled)
	assert.Equal(t, assistant.DefaultDiscordErrorMessage, config.Discord.ErrorMessage)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)
	require.NotNil(t, config.Discord.WebhookServer.SSL)
	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, assistant.DefaultIdleTimeout, config.Discord.WebhookServer.IdleTimeout)

	require.NotNil(t, config.API)
	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	require.NotNil(t, config.API.SSL)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.KeyFile)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"GET", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(t, assistant.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "verbose", want: slog.LevelInfo, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.want, lvl)
			},
		)
	}
}
