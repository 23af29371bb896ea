package assistant

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

type stubChannelMessageSend struct {
	ChannelID       string
	Content         string
	AllowedMentions *discordgo.MessageAllowedMentions
	Reference       *discordgo.MessageReference
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface.
//
// Nothing is sent to discord. Messages, interaction responses and status
// updates are recorded so tests can check what would have been sent.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu               sync.Mutex
	messages         []stubChannelMessageSend
	responses        []*discordgo.InteractionResponse
	statusUpdates    []discordgo.UpdateStatusData
	intents          discordgo.Intent
	handlers         int
	opened           bool
	closed           bool
	channelSendErr   error
	bulkOverwriteErr error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
	}
	m.logLevel.Set(slog.LevelDebug)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler", "test_name", t.Name())
	return m
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	if d.channelSendErr != nil {
		return nil, d.channelSendErr
	}
	d.messages = append(
		d.messages,
		stubChannelMessageSend{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info(
		"saw complex message send",
		"channel_id", channelID,
		"content", data.Content,
	)
	if d.channelSendErr != nil {
		return nil, d.channelSendErr
	}
	d.messages = append(
		d.messages,
		stubChannelMessageSend{
			ChannelID:       channelID,
			Content:         data.Content,
			AllowedMentions: data.AllowedMentions,
			Reference:       data.Reference,
		},
	)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
		"commands", len(commands),
	)
	if d.bulkOverwriteErr != nil {
		return nil, d.bulkOverwriteErr
	}
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			ID:            fmt.Sprintf("cmd-%d", i),
			ApplicationID: appID,
			GuildID:       guildID,
			Name:          c.Name,
			Description:   c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusUpdates = append(d.statusUpdates, data)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers++
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers--
	}
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info(
		"mock responding to interaction",
		"interaction_id", interaction.ID,
	)
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) SetIntents(intents discordgo.Intent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = intents
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

func (d *mockDiscordSession) sentMessages() []stubChannelMessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]stubChannelMessageSend, len(d.messages))
	copy(out, d.messages)
	return out
}

// stubInteractionHandler implements InteractionHandler, sending responses
// into callRespond instead of to discord
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	callRespond chan *discordgo.InteractionResponse
	respondErr  error
}

func newStubInteractionHandler(
	t testing.TB,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		interaction: i,
		logger:      slog.Default().With("test_name", t.Name()),
		callRespond: make(chan *discordgo.InteractionResponse, 100),
	}
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return s.respondErr
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return DiscordInteractionReceiveMethod("testcase")
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// generateDiscordKey returns a hex-encoded public key, and the raw
// private key
func generateDiscordKey(t testing.TB) (publicKey string, privateKey ed25519.PrivateKey) {
	t.Helper()
	pubkey, privkey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("error generating key pair: %v", err)
	}
	return hex.EncodeToString(pubkey), privkey
}

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	id := strings.ReplaceAll(t.Name(), "/", "_")
	return &discordgo.User{
		ID:         id,
		Username:   fmt.Sprintf("u_%s", id),
		GlobalName: fmt.Sprintf("g_%s", id),
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func integerOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

// newDiscordInteraction creates a slash command interaction from the
// user, in a guild channel
func newDiscordInteraction(
	t testing.TB,
	u *discordgo.User,
	interactionID string,
	command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        interactionID,
			AppID:     "test-app",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "test-guild",
			ChannelID: "test-channel",
			Member:    &discordgo.Member{User: u},
			Token:     fmt.Sprintf("token-%s", interactionID),
			Version:   1,
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      fmt.Sprintf("cmd-%s", command),
				Name:    command,
				Options: options,
			},
		},
	}
}

func TestNewDiscord_PublicKey(t *testing.T) {
	pubkey, _ := generateDiscordKey(t)

	tests := []struct {
		name      string
		publicKey string
		wantErr   bool
	}{
		{name: "valid", publicKey: pubkey},
		{name: "not_hex", publicKey: "zz-not-hex", wantErr: true},
		{name: "too_short", publicKey: "abcdef", wantErr: true},
		{name: "unset", publicKey: ""},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultConfig().Discord
				cfg.WebhookServer.PublicKey = tc.publicKey
				d, err := newDiscord(cfg)
				if tc.wantErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				if tc.publicKey == "" {
					assert.Empty(t, d.publicKey)
				} else {
					assert.Len(t, d.publicKey, ed25519.PublicKeySize)
				}
			},
		)
	}
}

func TestAppCommands(t *testing.T) {
	d := &Discord{}
	commands := d.appCommands()

	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
		require.NotEmpty(t, c.Description, c.Name)

		var categoryOpt *discordgo.ApplicationCommandOption
		for _, opt := range c.Options {
			if opt.Name == commandOptionCategory {
				categoryOpt = opt
			}
		}
		require.NotNilf(t, categoryOpt, "%s missing category option", c.Name)
		assert.False(t, categoryOpt.Required)
		require.Len(t, categoryOpt.Choices, 2)
		assert.Equal(t, "food", categoryOpt.Choices[0].Value)
		assert.Equal(t, "hangout", categoryOpt.Choices[1].Value)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandSuggest,
			DiscordSlashCommandRemove,
			DiscordSlashCommandClear,
			DiscordSlashCommandPickForMe,
			DiscordSlashCommandCompleted,
			DiscordSlashCommandHistory,
			DiscordSlashCommandSuggestions,
		},
		names,
	)

	// commands which take a name require it, and list it first
	for _, c := range commands {
		switch c.Name {
		case DiscordSlashCommandSuggest, DiscordSlashCommandRemove, DiscordSlashCommandCompleted:
			require.NotEmpty(t, c.Options)
			assert.Equal(t, commandOptionName, c.Options[0].Name)
			assert.True(t, c.Options[0].Required)
		}
	}
}

func TestRegisterCommands(t *testing.T) {
	cfg := DefaultConfig().Discord
	cfg.ApplicationID = "app-id"
	cfg.GuildID = "guild-id"
	d, err := newDiscord(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession(t)
	d.session = session

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, len(d.appCommands()))
	for _, c := range created {
		assert.Equal(t, "app-id", c.ApplicationID)
		assert.Equal(t, "guild-id", c.GuildID)
	}

	t.Run(
		"error", func(t *testing.T) {
			session.bulkOverwriteErr = errors.New("nope")
			_, err = d.registerCommands()
			assert.Error(t, err)
		},
	)
}

func TestCustomStatusUpdate(t *testing.T) {
	data := customStatusUpdate("taking suggestions")
	assert.Equal(t, string(discordgo.StatusOnline), data.Status)
	require.Len(t, data.Activities, 1)
	assert.Equal(t, discordgo.ActivityTypeCustom, data.Activities[0].Type)
	assert.Equal(t, "taking suggestions", data.Activities[0].State)

	assert.Empty(t, customStatusUpdate("").Activities)
}

func TestDiscordHandlers(t *testing.T) {
	cfg := DefaultConfig().Discord
	cfg.NotificationChannelID = "notify-channel"
	cfg.StartupMessage = "hello!"
	cfg.CustomStatus = "taking suggestions"

	d, err := newDiscord(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession(t)
	d.session = session

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	assert.Equal(
		t,
		[]stubChannelMessageSend{{ChannelID: "notify-channel", Content: "hello!"}},
		session.sentMessages(),
	)

	d.handlerReady()(nil, &discordgo.Ready{SessionID: "abc", User: &discordgo.User{ID: "bot"}})
	session.mu.Lock()
	require.Len(t, session.statusUpdates, 1)
	assert.Equal(t, "taking suggestions", session.statusUpdates[0].Activities[0].State)
	session.mu.Unlock()

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestReplyResponse(t *testing.T) {
	resp := replyResponse("hello", false)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "hello", resp.Data.Content)
	assert.Zero(t, resp.Data.Flags)
	assert.Equal(
		t,
		[]discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		resp.Data.AllowedMentions.Parse,
	)

	ephemeral := replyResponse("slow down", true)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, ephemeral.Data.Flags)

	long := replyResponse(strings.Repeat("x", discordMaxMessageLength*2), false)
	assert.LessOrEqual(t, len([]rune(long.Data.Content)), discordMaxMessageLength)
	assert.True(t, strings.HasSuffix(long.Data.Content, "(output limit reached)"))
}

func TestGatewayHandler_Respond(t *testing.T) {
	session := newMockDiscordSession(t)
	u := newDiscordUser(t)
	i := newDiscordInteraction(t, u, "i-1", DiscordSlashCommandClear)
	handler := GatewayHandler{
		session:     session,
		interaction: i,
		logger:      slog.Default(),
	}
	assert.Equal(t, discordInteractionReceiveMethodGateway, handler.InteractionReceiveMethod())
	assert.Same(t, i, handler.GetInteraction())

	require.NoError(t, handler.Respond(context.Background(), replyResponse("ok", false)))
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.responses, 1)
	assert.Equal(t, "ok", session.responses[0].Data.Content)
}

func TestNewInteractionLog(t *testing.T) {
	u := newDiscordUser(t)
	i := newDiscordInteraction(t, u, "i-log", DiscordSlashCommandSuggestions)

	entry, err := newInteractionLog(i, getDiscordUser(i), discordInteractionReceiveMethodWebhook)
	require.NoError(t, err)
	assert.Equal(t, "i-log", entry.InteractionID)
	assert.Equal(t, u.ID, entry.UserID)
	assert.Equal(t, discordInteractionReceiveMethodWebhook, entry.Method)
	assert.Equal(t, "test-channel", entry.ChannelID)
	assert.Contains(t, entry.Payload, DiscordSlashCommandSuggestions)

	ping := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{ID: "ping", Type: discordgo.InteractionPing},
	}
	entry, err = newInteractionLog(ping, getDiscordUser(ping), discordInteractionReceiveMethodWebhook)
	require.NoError(t, err)
	assert.Empty(t, entry.UserID)
}
