//nolint:lll // struct tags can't be split
package assistant

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	DiscordSlashCommandSuggest     = "suggest"
	DiscordSlashCommandRemove      = "remove"
	DiscordSlashCommandClear       = "clear"
	DiscordSlashCommandPickForMe   = "pickforme"
	DiscordSlashCommandCompleted   = "completed"
	DiscordSlashCommandHistory     = "history"
	DiscordSlashCommandSuggestions = "suggestions"

	commandOptionName     = "name"
	commandOptionCategory = "category"
	commandOptionLength   = "length"

	// defaultCategoryLabel is used when a command doesn't specify a category
	defaultCategoryLabel = "food"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMissingArgument  = errors.New("missing argument")
	ErrInvalidArgument  = errors.New("invalid argument")
	errCommandRateLimit = errors.New("rate limited")
)

// messageCommandAliases maps lowercased message command names (without the
// prefix) to the slash command they're equivalent to
var messageCommandAliases = map[string]string{
	"suggest":            DiscordSlashCommandSuggest,
	"remove":             DiscordSlashCommandRemove,
	"clear":              DiscordSlashCommandClear,
	"pickforme":          DiscordSlashCommandPickForMe,
	"completed":          DiscordSlashCommandCompleted,
	"history":            DiscordSlashCommandHistory,
	"currentsuggestions": DiscordSlashCommandSuggestions,
	"suggestions":        DiscordSlashCommandSuggestions,
}

// messageCommandUsage is sent when a message command is missing arguments,
// or has arguments that can't be parsed
var messageCommandUsage = map[string]string{
	DiscordSlashCommandSuggest:     "%ssuggest <name> [food|hangout]",
	DiscordSlashCommandRemove:      "%sremove <name> [food|hangout]",
	DiscordSlashCommandClear:       "%sclear [food|hangout]",
	DiscordSlashCommandPickForMe:   "%spickForMe [food|hangout]",
	DiscordSlashCommandCompleted:   "%scompleted <name> [food|hangout]",
	DiscordSlashCommandHistory:     "%shistory [length] [food|hangout]",
	DiscordSlashCommandSuggestions: "%scurrentSuggestions [food|hangout]",
}

type CommandState string

const (
	CommandStateReceived  CommandState = "received"
	CommandStateCompleted CommandState = "completed"
	CommandStateRejected  CommandState = "rejected"
	CommandStateFailed    CommandState = "failed"
)

// SuggestionCommand is a single execution of a user command, received
// either as a slash command or a prefixed message. It's saved to the
// database when received, and updated once finished.
type SuggestionCommand struct {
	ModelUintID
	ModelUnixTime

	UserID        string                          `json:"user_id" gorm:"index;not null"`
	Username      string                          `json:"username"`
	ChannelID     string                          `json:"channel_id"`
	GuildID       string                          `json:"guild_id"`
	InteractionID string                          `json:"interaction_id" gorm:"index"`
	MessageID     string                          `json:"message_id" gorm:"index"`
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"not null"`
	CategoryLabel string                          `json:"category"`
	Item          string                          `json:"item"`
	Limit         int                             `json:"limit"`
	State         CommandState                    `json:"state" gorm:"type:string;index"`
	Response      string                          `json:"response"`
	Error         NullableString                  `json:"error"`
	StartedAt     *time.Time                      `json:"started_at"`
	FinishedAt    *time.Time                      `json:"finished_at"`
}

func (c SuggestionCommand) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("command", c.Command),
		slog.String("user_id", c.UserID),
		slog.String("method", string(c.Method)),
		slog.String("state", string(c.State)),
	}
	if c.CategoryLabel != "" {
		attrs = append(attrs, slog.String("category", c.CategoryLabel))
	}
	if c.Item != "" {
		attrs = append(attrs, slog.String("item", c.Item))
	}
	if c.Command == DiscordSlashCommandHistory {
		attrs = append(attrs, slog.Int("limit", c.Limit))
	}
	if c.InteractionID != "" {
		attrs = append(attrs, slog.String("interaction_id", c.InteractionID))
	}
	if c.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", c.MessageID))
	}
	if c.Error != "" {
		attrs = append(attrs, slog.String("error", string(c.Error)))
	}
	return slog.GroupValue(attrs...)
}

// Mention returns the discord mention for the invoking user
func (c SuggestionCommand) Mention() string {
	return "<@" + c.UserID + ">"
}

// newInteractionCommand builds a SuggestionCommand from a slash command
// interaction. Missing options fall back to their defaults.
func newInteractionCommand(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
	defaultHistoryLength int,
) (*SuggestionCommand, error) {
	data := i.ApplicationCommandData()
	if _, ok := messageCommandUsage[data.Name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, data.Name)
	}

	cmd := &SuggestionCommand{
		UserID:        u.ID,
		Username:      u.Username,
		ChannelID:     i.ChannelID,
		GuildID:       i.GuildID,
		InteractionID: i.ID,
		Method:        method,
		Command:       data.Name,
		CategoryLabel: defaultCategoryLabel,
		State:         CommandStateReceived,
	}

	opts := discordInteractionOptions(i)
	if opt, ok := opts[commandOptionCategory]; ok {
		cmd.CategoryLabel = opt.StringValue()
	}

	switch cmd.Command {
	case DiscordSlashCommandSuggest, DiscordSlashCommandRemove, DiscordSlashCommandCompleted:
		opt, ok := opts[commandOptionName]
		if !ok || strings.TrimSpace(opt.StringValue()) == "" {
			return cmd, fmt.Errorf("%w: %s", ErrMissingArgument, commandOptionName)
		}
		cmd.Item = strings.TrimSpace(opt.StringValue())
	case DiscordSlashCommandHistory:
		cmd.Limit = defaultHistoryLength
		if opt, ok := opts[commandOptionLength]; ok {
			cmd.Limit = int(opt.IntValue())
		}
	}
	return cmd, nil
}

// newMessageCommand builds a SuggestionCommand from a message starting
// with prefix. If the message isn't a known command, nil is returned with
// ErrUnknownCommand. Arguments follow the positional order of the message
// commands, ex: `!suggest "Taco Bell" food` or `!history 10 hangout`.
func newMessageCommand(
	m *discordgo.Message,
	prefix string,
	defaultHistoryLength int,
) (*SuggestionCommand, error) {
	if prefix == "" || !strings.HasPrefix(m.Content, prefix) {
		return nil, ErrUnknownCommand
	}
	args, err := splitCommandArgs(strings.TrimPrefix(m.Content, prefix))
	if err != nil || len(args) == 0 {
		return nil, ErrUnknownCommand
	}

	name, ok := messageCommandAliases[strings.ToLower(args[0])]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
	}
	args = args[1:]

	cmd := &SuggestionCommand{
		ChannelID:     m.ChannelID,
		GuildID:       m.GuildID,
		MessageID:     m.ID,
		Method:        discordInteractionReceiveMethodMessage,
		Command:       name,
		CategoryLabel: defaultCategoryLabel,
		State:         CommandStateReceived,
	}
	if m.Author != nil {
		cmd.UserID = m.Author.ID
		cmd.Username = m.Author.Username
	}

	switch name {
	case DiscordSlashCommandSuggest, DiscordSlashCommandRemove, DiscordSlashCommandCompleted:
		if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
			return cmd, fmt.Errorf("%w: %s", ErrMissingArgument, commandOptionName)
		}
		cmd.Item = strings.TrimSpace(args[0])
		if len(args) > 1 {
			cmd.CategoryLabel = args[1]
		}
	case DiscordSlashCommandHistory:
		cmd.Limit = defaultHistoryLength
		if len(args) > 0 {
			limit, convErr := strconv.Atoi(args[0])
			if convErr != nil {
				return cmd, fmt.Errorf("%w: length %q", ErrInvalidArgument, args[0])
			}
			cmd.Limit = limit
		}
		if len(args) > 1 {
			cmd.CategoryLabel = args[1]
		}
	default:
		if len(args) > 0 {
			cmd.CategoryLabel = args[0]
		}
	}
	return cmd, nil
}

// execute runs the command against the store, setting Response on
// success. The caller must hold the store lock.
func (c *SuggestionCommand) execute(store *SuggestionStore, now time.Time) error {
	category, err := ParseCategory(c.CategoryLabel)
	if err != nil {
		return err
	}
	mention := c.Mention()

	switch c.Command {
	case DiscordSlashCommandSuggest:
		if err = store.Add(category, c.Item); err != nil {
			return err
		}
		c.Response = fmt.Sprintf("%s suggested %s for %s!", mention, c.Item, category)
	case DiscordSlashCommandRemove:
		if err = store.Remove(category, c.Item); err != nil {
			return err
		}
		c.Response = fmt.Sprintf("%s removed %s!", mention, c.Item)
	case DiscordSlashCommandClear:
		if err = store.Clear(category); err != nil {
			return err
		}
		c.Response = fmt.Sprintf("%s cleared %s category!", mention, category)
	case DiscordSlashCommandPickForMe:
		pick, pickErr := store.PickRandom(category)
		if pickErr != nil {
			return pickErr
		}
		c.Response = fmt.Sprintf("%s and squad shall hit up %s", mention, pick)
	case DiscordSlashCommandCompleted:
		rec, completeErr := store.Complete(category, c.Item, now)
		if completeErr != nil {
			return completeErr
		}
		c.Response = fmt.Sprintf(
			"%s and the squad accomplished %s on %s!",
			mention, rec.Name, rec.Date,
		)
	case DiscordSlashCommandHistory:
		history, historyErr := store.History(category, c.Limit)
		if historyErr != nil {
			return historyErr
		}
		var sb strings.Builder
		for _, rec := range history {
			sb.WriteString(rec.String())
			sb.WriteString("\n")
		}
		c.Response = fmt.Sprintf(
			"So far, %s and the squad has completed:\n%s",
			mention, sb.String(),
		)
	case DiscordSlashCommandSuggestions:
		active, activeErr := store.Active(category)
		if activeErr != nil {
			return activeErr
		}
		var sb strings.Builder
		for _, name := range active {
			sb.WriteString(name)
			sb.WriteString("\n")
		}
		c.Response = fmt.Sprintf(
			"%s the suggested %s so far is:\n%s",
			mention, category, sb.String(),
		)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
	return nil
}

// userErrorReply returns the reply for errors caused by user input, and
// false for anything else.
func (c *SuggestionCommand) userErrorReply(err error, prefix string) (string, bool) {
	mention := c.Mention()
	switch {
	case errors.Is(err, ErrInvalidCategory):
		return fmt.Sprintf(
			"%s invalid type '%s'. try '%s'",
			mention, c.CategoryLabel, strings.Join(CategoryLabels(), "' or '"),
		), true
	case errors.Is(err, ErrNotSuggested):
		return fmt.Sprintf(
			"%s '%s' has not yet been suggested. suggest it first before doing it :^)",
			mention, c.Item,
		), true
	case errors.Is(err, ErrEmptySet):
		return fmt.Sprintf(
			"%s there's nothing to pick from for %s yet. suggest something first!",
			mention, c.CategoryLabel,
		), true
	case errors.Is(err, ErrMissingArgument), errors.Is(err, ErrInvalidArgument):
		usage, ok := messageCommandUsage[c.Command]
		if !ok {
			return "", false
		}
		if prefix == "" {
			prefix = "/"
		}
		return fmt.Sprintf("%s usage: %s", mention, fmt.Sprintf(usage, prefix)), true
	}
	return "", false
}

// finish records the outcome of the command. User errors are rejected
// with an explanatory reply, other errors fail with errorMessage as the
// reply.
func (c *SuggestionCommand) finish(err error, prefix string, errorMessage string) {
	finishedAt := time.Now()
	c.FinishedAt = &finishedAt

	if err == nil {
		c.State = CommandStateCompleted
		c.Error = ""
		return
	}

	c.Error = NullableString(err.Error())
	if reply, ok := c.userErrorReply(err, prefix); ok {
		c.State = CommandStateRejected
		c.Response = reply
		return
	}
	c.State = CommandStateFailed
	c.Response = errorMessage
}

// reject marks the command as rejected without running it
func (c *SuggestionCommand) reject(err error, reply string) {
	finishedAt := time.Now()
	c.FinishedAt = &finishedAt
	c.State = CommandStateRejected
	c.Error = NullableString(err.Error())
	c.Response = reply
}
