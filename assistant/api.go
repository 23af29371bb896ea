package assistant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	apiPrefix            = "/api"
	apiHealthCheck       = "/healthz"
	apiPathCategories    = "/categories"
	apiPathSuggestions   = "/suggestions/:category"
	apiPathHistory       = "/history/:category"
	apiPathCommands      = "/commands"
	apiQueryLimit        = "limit"
	apiPathParamCategory = "category"
	xRequestIDHeader     = "X-Request-ID"
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	maxAPIHistoryLength  = 100
	maxAPICommands       = 100
	defaultAPICommands   = 25
)

var (
	structValidator = validator.New()
)

// API is the read-only status API
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	listenMu   sync.Mutex
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// newAPI builds the gin engine and HTTP server for the status API
func newAPI(a *Assistant, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   slog.New(a.newLogHandler(config.LogLevel)).With(loggerNameKey, "api"),
		handlers: &APIHandlers{a: a},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	if !a.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	group := r.Group(apiPrefix)
	group.GET(apiPathCategories, api.handlers.getCategories)
	group.GET(apiPathSuggestions, api.handlers.getSuggestions)
	group.GET(apiPathHistory, api.handlers.getHistory)
	group.GET(apiPathCommands, api.handlers.getCommands)

	return api, nil
}

// Serve listens on the configured address and serves the API until
// the server is shut down
func (a *API) Serve(ctx context.Context) error {
	a.listenMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting api server without TLS")
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	a *Assistant
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status           string `json:"status"`
	DiscordConnected bool   `json:"discord_connected"`
	Uptime           string `json:"uptime"`
	Version          string `json:"version"`
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}

type suggestionsResponse struct {
	Category    string   `json:"category"`
	Suggestions []string `json:"suggestions"`
}

type historyResponse struct {
	Category string             `json:"category"`
	History  []CompletionRecord `json:"history"`
}

type commandsResponse struct {
	Commands []SuggestionCommand `json:"commands"`
}

// historyQuery is bound from the history endpoint's query string
type historyQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=0,max=100"`
}

type commandsQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=0,max=100"`
}

// limitError returns the message for a query string limit which failed
// to bind
func limitError(c *gin.Context, err error, minLimit int, maxLimit int) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return fmt.Sprintf("invalid limit: must be between %d and %d", minLimit, maxLimit)
	}
	return fmt.Sprintf("invalid limit: %q", c.Query(apiQueryLimit))
}

// healthCheck reports whether the discord gateway is connected. The
// status is degraded when the gateway is enabled but disconnected.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	connected := h.a.discord != nil && h.a.discord.connected.Load()
	status := healthStatusOK
	if h.a.config.Discord.GatewayEnabled && !connected {
		status = healthStatusDegraded
	}
	var uptime time.Duration
	if started := h.a.StartedAt(); !started.IsZero() {
		uptime = time.Since(started).Round(time.Second)
	}
	c.JSON(
		http.StatusOK,
		healthResponse{
			Status:           status,
			DiscordConnected: connected,
			Uptime:           uptime.String(),
			Version:          Version,
		},
	)
}

func (*APIHandlers) getCategories(c *gin.Context) {
	c.JSON(http.StatusOK, categoriesResponse{Categories: CategoryLabels()})
}

func (h *APIHandlers) getSuggestions(c *gin.Context) {
	category, err := ParseCategory(c.Param(apiPathParamCategory))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	active, err := h.a.ActiveSuggestions(category)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	c.JSON(
		http.StatusOK,
		suggestionsResponse{Category: category.String(), Suggestions: active},
	)
}

func (h *APIHandlers) getHistory(c *gin.Context) {
	category, err := ParseCategory(c.Param(apiPathParamCategory))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var q historyQuery
	if bindErr := c.ShouldBindQuery(&q); bindErr != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: limitError(c, bindErr, 0, maxAPIHistoryLength)},
		)
		return
	}
	limit := h.a.config.DefaultHistoryLength
	if q.Limit != nil {
		limit = *q.Limit
	}

	history, err := h.a.CompletionHistory(category, limit)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	c.JSON(
		http.StatusOK,
		historyResponse{Category: category.String(), History: history},
	)
}

// getCommands returns the most recent commands from the audit log,
// newest first
func (h *APIHandlers) getCommands(c *gin.Context) {
	var q commandsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: limitError(c, err, 0, maxAPICommands)},
		)
		return
	}
	limit := defaultAPICommands
	if q.Limit != nil {
		limit = *q.Limit
	}

	if h.a.writeDB == nil || h.a.dbClosed.Load() {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "audit log unavailable"},
		)
		return
	}

	commands := []SuggestionCommand{}
	if err := h.a.writeDB.DB().WithContext(c.Request.Context()).
		Order("id desc").
		Limit(limit).
		Find(&commands).Error; err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: "error reading audit log"})
		return
	}
	c.JSON(http.StatusOK, commandsResponse{Commands: commands})
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and the response headers under
// "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with
// the duration and response status. Errors added to the gin context
// are logged at the error level.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	if base == nil {
		base = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
