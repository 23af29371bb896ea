package assistant

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// Version is the current version of the application.
	// It's set at build time using the -ldflags option:
	// -ldflags "-X github.com/itscold404/discord-event-planning-assistant/assistant.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"

	defaultLogWriter io.Writer = os.Stdout

	errCommandPanic = errors.New("panic executing command")
)

const defaultLimiterPruneInterval = 10 * time.Minute

// Assistant is the suggestion bot. It owns the SuggestionStore and
// serializes every access to it, so commands received concurrently from
// the gateway, the webhook server and prefixed messages are applied one at
// a time.
type Assistant struct {
	config *Config

	store   *SuggestionStore
	storeMu sync.Mutex

	logger     *slog.Logger
	logHandler slog.Handler

	discord       *Discord
	api           *API
	webhookServer *DiscordWebhookServer

	// writeDB is the audit log (writes serialized for sqlite).
	// dbClosed is set right before the connection is closed on shutdown.
	writeDB  DBI
	dbClosed atomic.Bool

	// limiters holds a rate limiter per discord user. Limiters which
	// have refilled are pruned every limiterPruneInterval.
	limiters             map[string]*rate.Limiter
	limiterMu            sync.Mutex
	limitersPrunedAt     time.Time
	limiterPruneInterval time.Duration

	// now returns the time used for completion dates
	now func() time.Time

	startedAt atomic.Int64
	runMu     sync.Mutex

	// handlers spawned by discord events and background audit log
	// writes, waited on during shutdown. Once draining is set, new
	// gateway events are dropped.
	inFlight   sync.WaitGroup
	inFlightMu sync.RWMutex
	draining   bool

	// getInteractionHandlerFunc returns the InteractionHandler for
	// interactions received via the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates an Assistant from the given config. Errors found while
// building the components are collected and returned together.
func New(config *Config) (*Assistant, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Discord == nil {
		config.Discord = DefaultConfig().Discord
	}
	if config.API == nil {
		config.API = DefaultConfig().API
	}
	config.Discord.WebhookServer.SSL = normalizeSSLConfig(
		config.Discord.WebhookServer.SSL,
		DefaultDiscordWebhookServerTLSminVersion,
	)
	config.API.SSL = normalizeSSLConfig(config.API.SSL, DefaultAPITLSMinVersion)

	a := &Assistant{
		config:   config,
		store:    NewSuggestionStore(),
		limiters:             map[string]*rate.Limiter{},
		limiterPruneInterval: defaultLimiterPruneInterval,
		now:                  time.Now,
	}

	a.logHandler = a.newLogHandler(config.LogLevel)
	a.logger = slog.New(a.logHandler)
	slog.SetDefault(a.logger)

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	} else {
		disc.logger = slog.New(a.newLogHandler(config.Discord.LogLevel)).With(
			loggerNameKey,
			"discord",
		)
		a.discord = disc
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		a.newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	if config.API.Enabled {
		api, apiErr := newAPI(a, config.API)
		errs = append(errs, apiErr)
		a.api = api
	}

	if config.Discord.WebhookServer.Enabled && a.discord != nil {
		webhookServer, e := newWebhookServer(a, config.Discord.WebhookServer)
		errs = append(errs, e)
		a.webhookServer = webhookServer
	}

	a.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     a.discord.session,
			interaction: i,
			logger: a.discord.logger.With(
				slog.Group("interaction", interactionLogAttrs(*i)...),
			),
		}
	}

	return a, errors.Join(errs...)
}

// normalizeSSLConfig returns nil if no certificate is configured, and
// fills in the default TLS version otherwise
func normalizeSSLConfig(cfg *SSLConfig, minVersion uint16) *SSLConfig {
	if cfg == nil || (cfg.CertFile == "" && cfg.KeyFile == "") {
		return nil
	}
	if cfg.TLSMinVersion == 0 {
		cfg.TLSMinVersion = minVersion
	}
	return cfg
}

// newLogHandler returns a tint handler writing to the default log writer
// at the given level
func (*Assistant) newLogHandler(level *slog.LevelVar) slog.Handler {
	opts := &tint.Options{AddSource: true}
	if level != nil {
		opts.Level = level
	}
	return tint.NewHandler(defaultLogWriter, opts)
}

func (a *Assistant) ValidateConfig() error {
	return structValidator.Struct(a.config)
}

// StartedAt returns the time Run was last called, or the zero time if it
// hasn't been called.
func (a *Assistant) StartedAt() time.Time {
	ts := a.startedAt.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

// ActiveSuggestions returns the active suggestions for the category
func (a *Assistant) ActiveSuggestions(c Category) ([]string, error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	return a.store.Active(c)
}

// CompletionHistory returns up to limit of the most recent completions
// for the category
func (a *Assistant) CompletionHistory(c Category, limit int) ([]CompletionRecord, error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	return a.store.History(c, limit)
}

// RegisterSlashCommands registers the bot's slash commands, overwriting
// any existing commands.
func (a *Assistant) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if a.discord == nil {
		return nil, errors.New("discord not configured")
	}
	if a.discord.session == nil {
		session, err := a.discord.newSession()
		if err != nil {
			return nil, err
		}
		a.discord.session = session
	}
	return a.discord.registerCommands(options...)
}

// Run starts the bot and blocks until ctx is cancelled or one of the
// servers fails. The database is initialized, the API and webhook servers
// are started, and the gateway connection is opened (if enabled). Once
// stopped, in-flight commands are given up to [Config.ShutdownTimeout]
// to finish.
func (a *Assistant) Run(ctx context.Context) error {
	// prevents concurrent runs
	a.runMu.Lock()
	defer a.runMu.Unlock()

	logger := a.logger
	if err := a.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	a.startedAt.Store(time.Now().UnixNano())
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", a.config))

	startCtx, startCancel := context.WithTimeout(ctx, a.config.StartupTimeout)
	defer startCancel()

	if err := a.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.api != nil {
		g.Go(
			func() error {
				if err := a.api.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	if a.webhookServer != nil {
		g.Go(
			func() error {
				if err := a.webhookServer.Serve(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving webhook", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	if a.config.Discord.GatewayEnabled {
		if err := a.initDiscordSession(gctx); err != nil {
			logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
			a.shutdown(ctx)
			return err
		}
		logger.InfoContext(ctx, "connecting to discord")
		if err := a.discord.session.Open(); err != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
			a.shutdown(ctx)
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	} else if a.webhookServer == nil {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	g.Go(
		func() error {
			<-gctx.Done()
			a.shutdown(ctx)
			return nil
		},
	)

	return g.Wait()
}

// initDB opens the audit log database, unless one was already provided
func (a *Assistant) initDB(ctx context.Context) error {
	if a.writeDB != nil {
		return nil
	}
	gormLogger := newGORMLogger(
		a.newLogHandler(a.config.DatabaseLogLevel),
		a.config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(ctx, a.config.DatabaseType, a.config.Database, gormLogger)
	if err != nil {
		return err
	}
	a.writeDB = NewDatabase(db, a.logger, a.config.DatabaseType != dbTypeSQLite)
	return nil
}

// initDiscordSession creates the discord session (if needed) and adds
// the gateway event handlers
func (a *Assistant) initDiscordSession(ctx context.Context) error {
	if a.discord.session == nil {
		disc, err := a.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		a.discord.session = disc
	}

	a.discord.removeHandlers()
	a.discord.session.SetIntents(a.config.Discord.GatewayIntents)

	a.discord.discordgoRemoveHandlerFuncs = []func(){
		a.discord.session.AddHandler(a.discord.handlerConnect()),
		a.discord.session.AddHandler(a.discord.handlerDisconnect()),
		a.discord.session.AddHandler(a.discord.handlerReady()),
		a.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := a.getInteractionHandlerFunc(ctx, i)
				if !a.goInFlight(func() { a.handleInteraction(ctx, handler) }) {
					a.logger.WarnContext(ctx, "shutting down, dropped interaction", "interaction_id", i.ID)
				}
			},
		),
	}

	if a.config.Discord.MessageCommandsEnabled {
		a.discord.discordgoRemoveHandlerFuncs = append(
			a.discord.discordgoRemoveHandlerFuncs,
			a.discord.session.AddHandler(
				func(_ *discordgo.Session, m *discordgo.MessageCreate) {
					if !a.goInFlight(func() { a.handleDiscordMessage(ctx, m) }) {
						a.logger.WarnContext(ctx, "shutting down, dropped message", "message_id", m.ID)
					}
				},
			),
		)
	}
	return nil
}

// shutdown closes the discord connection, stops the servers, then waits
// for in-flight commands before closing the database. Anything still
// running after the shutdown timeout is abandoned.
func (a *Assistant) shutdown(ctx context.Context) {
	logger := a.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", a.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		a.config.ShutdownTimeout,
	)
	defer closeCancel()

	if a.discord != nil && a.discord.session != nil && a.config.Discord.GatewayEnabled {
		a.discord.removeHandlers()
		if err := a.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	// webhook requests save to the audit log, so the servers are stopped
	// before waiting on inFlight
	var wg sync.WaitGroup
	if a.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.api.Shutdown(closeCtx); err != nil {
				logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
			}
		}()
	}
	if a.webhookServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.webhookServer.Shutdown(closeCtx); err != nil {
				logger.ErrorContext(ctx, "error shutting down webhook server", tint.Err(err))
			}
		}()
	}
	wg.Wait()

	a.inFlightMu.Lock()
	a.draining = true
	a.inFlightMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "timed out waiting on in-flight commands")
	}

	if a.writeDB != nil {
		a.dbClosed.Store(true)
		if sqlDB, err := a.writeDB.DB().DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
			}
		}
	}
	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
}

// getLogger returns the context's logger, or the default assistant
// logger (added to the returned context)
func (a *Assistant) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// goInFlight runs f in a goroutine tracked by inFlight. It returns false,
// without running f, once shutdown has started draining.
func (a *Assistant) goInFlight(f func()) bool {
	a.inFlightMu.RLock()
	defer a.inFlightMu.RUnlock()
	if a.draining {
		return false
	}
	a.inFlight.Add(1)
	go func() {
		defer a.inFlight.Done()
		f()
	}()
	return true
}

// allowCommand reports whether the user is within their command rate
// limit, consuming a token if so
func (a *Assistant) allowCommand(userID string) bool {
	if a.config.CommandRateLimit <= 0 {
		return true
	}
	a.limiterMu.Lock()
	a.pruneLimiters(time.Now())
	limiter, ok := a.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(a.config.CommandRateLimit),
			a.config.CommandRateBurst,
		)
		a.limiters[userID] = limiter
	}
	a.limiterMu.Unlock()
	return limiter.Allow()
}

// pruneLimiters drops limiters which have refilled to their burst, as
// they're equivalent to a new limiter. limiterMu must be held.
func (a *Assistant) pruneLimiters(now time.Time) {
	if now.Sub(a.limitersPrunedAt) < a.limiterPruneInterval {
		return
	}
	a.limitersPrunedAt = now
	for userID, limiter := range a.limiters {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(a.limiters, userID)
		}
	}
}

// executeCommand runs the command against the store while holding the
// store lock
func (a *Assistant) executeCommand(ctx context.Context, cmd *SuggestionCommand) (err error) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	if a.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
				err = fmt.Errorf("%w: %v", errCommandPanic, rc)
			}
		}()
	}
	return cmd.execute(a.store, a.now())
}

// runCommand applies the user's rate limit, then executes the command
// and records the outcome on it. The returned error is the reason the
// command didn't complete, if any.
func (a *Assistant) runCommand(ctx context.Context, cmd *SuggestionCommand) error {
	ctx, logger := a.getLogger(ctx)
	startedAt := time.Now()
	cmd.StartedAt = &startedAt

	prefix := "/"
	if cmd.Method == discordInteractionReceiveMethodMessage {
		prefix = a.config.CommandPrefix
	}

	if !a.allowCommand(cmd.UserID) {
		cmd.reject(errCommandRateLimit, a.config.Discord.RateLimitMessage)
		logger.WarnContext(ctx, "command rate limited", "suggestion_command", cmd)
		return errCommandRateLimit
	}

	err := a.executeCommand(ctx, cmd)
	cmd.finish(err, prefix, a.config.Discord.ErrorMessage)
	switch cmd.State {
	case CommandStateFailed:
		logger.ErrorContext(ctx, "command failed", tint.Err(err), "suggestion_command", cmd)
	default:
		logger.InfoContext(ctx, "command finished", "suggestion_command", cmd)
	}
	return err
}

// recordCommand writes the received command to the audit log before it
// runs. Its final state is written later by saveCommand.
func (a *Assistant) recordCommand(ctx context.Context, cmd *SuggestionCommand) {
	if a.writeDB == nil || a.dbClosed.Load() {
		return
	}
	ctx, logger := a.getLogger(ctx)
	if _, err := a.writeDB.Create(context.WithoutCancel(ctx), cmd); err != nil {
		logger.ErrorContext(ctx, "error saving suggestion_command", tint.Err(err))
	}
}

// saveCommand writes the command's final state to the audit log in the
// background. Commands which weren't recorded on receipt are created.
// Failures are only logged.
func (a *Assistant) saveCommand(ctx context.Context, cmd *SuggestionCommand) {
	if cmd.ID == 0 {
		a.saveRecord(ctx, cmd, "suggestion_command")
		return
	}
	model := &SuggestionCommand{ModelUintID: ModelUintID{ID: cmd.ID}}
	final := map[string]any{
		"state":       cmd.State,
		"response":    cmd.Response,
		"error":       cmd.Error,
		"started_at":  cmd.StartedAt,
		"finished_at": cmd.FinishedAt,
	}
	a.writeInBackground(
		ctx, "suggestion_command", func(ctx context.Context) error {
			_, err := a.writeDB.Updates(ctx, model, final)
			return err
		},
	)
}

func (a *Assistant) saveRecord(ctx context.Context, value any, name string) {
	a.writeInBackground(
		ctx, name, func(ctx context.Context) error {
			_, err := a.writeDB.Create(ctx, value)
			return err
		},
	)
}

// writeInBackground runs the audit log write in a goroutine tracked by
// inFlight. Writes after the database is closed are dropped.
func (a *Assistant) writeInBackground(
	ctx context.Context,
	name string,
	write func(ctx context.Context) error,
) {
	if a.writeDB == nil || a.dbClosed.Load() {
		return
	}
	ctx, logger := a.getLogger(ctx)
	ctx = context.WithoutCancel(ctx)
	a.inFlight.Add(1)
	go func() {
		defer a.inFlight.Done()
		if err := write(ctx); err != nil {
			logger.ErrorContext(ctx, "error saving "+name, tint.Err(err))
		}
	}()
}

// handleInteraction processes an interaction received via the gateway or
// the webhook server. PING interactions are answered with PONG, and slash
// commands are executed and answered with a channel message.
func (a *Assistant) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		logger = a.logger
	}
	ctx = WithLogger(ctx, logger)

	if a.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
	}

	discordUser := getDiscordUser(i)
	method := handler.InteractionReceiveMethod()

	interactionLog, err := newInteractionLog(i, discordUser, method)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		a.saveRecord(ctx, interactionLog, "interaction_log")
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		if discordUser == nil {
			logger.ErrorContext(ctx, "no user found in interaction")
			return
		}
		if discordUser.Bot {
			logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
			return
		}

		cmd, parseErr := newInteractionCommand(i, discordUser, method, a.config.DefaultHistoryLength)
		if cmd == nil {
			logger.WarnContext(ctx, "unknown command", tint.Err(parseErr))
			_ = handler.Respond(ctx, replyResponse(a.config.Discord.ErrorMessage, true))
			return
		}

		a.recordCommand(ctx, cmd)

		var runErr error
		if parseErr != nil {
			cmd.finish(parseErr, "/", a.config.Discord.ErrorMessage)
		} else {
			runErr = a.runCommand(ctx, cmd)
		}

		ephemeral := errors.Is(runErr, errCommandRateLimit)
		if respErr := handler.Respond(ctx, replyResponse(cmd.Response, ephemeral)); respErr != nil {
			cmd.Error = NullableString(errors.Join(runErr, respErr).Error())
		}
		a.saveCommand(ctx, cmd)
	default:
		logger.WarnContext(ctx, "unsupported interaction type")
	}
}

// handleDiscordMessage executes prefixed message commands (ex: `!suggest
// Tacos`), replying in the same channel. Messages from bots, or which
// aren't commands, are ignored.
func (a *Assistant) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := a.getLogger(ctx)

	if a.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
	}

	user := m.Author
	if user == nil {
		return
	}
	if user.Bot || user.ID == a.config.Discord.ApplicationID {
		return
	}

	cmd, parseErr := newMessageCommand(m.Message, a.config.CommandPrefix, a.config.DefaultHistoryLength)
	if cmd == nil {
		return
	}

	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "received message command", "command", cmd.Command)
	a.recordCommand(ctx, cmd)

	if parseErr != nil {
		cmd.finish(parseErr, a.config.CommandPrefix, a.config.Discord.ErrorMessage)
	} else {
		_ = a.runCommand(ctx, cmd)
	}

	if a.discord != nil && a.discord.session != nil && cmd.Response != "" {
		if sendErr := a.discord.channelMessageReply(
			m.ChannelID,
			messageReply(cmd.Response, m.ChannelID, m.ID),
			discordgo.WithContext(ctx),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
			cmd.Error = NullableString(sendErr.Error())
		}
	}
	a.saveCommand(ctx, cmd)
}
