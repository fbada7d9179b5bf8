package einoah

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiHealthCheck          = "/healthz"
	apiPathLoggedIn         = "/logged_in"
	apiPathConfig           = "/config"
	apiPathGuildQuotes      = "/guilds/:guild_id/quotes"
	apiPathQuote            = "/quotes/:id"
	apiPathInteractions     = "/interactions"
	apiPathRegisterCommands = "/discord/commands"
	apiPathQuit             = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "ei_noah"
	sessionVarField  = "username"

	defaultPageLimit = 25

	// ginAPILoggerKey holds the API logger request loggers derive from
	ginAPILoggerKey = "api_logger"
)

// API serves the admin HTTP API. Create it with newAPI, and start it
// with Serve.
type API struct {
	config       *APIConfig
	httpServer   *http.Server
	listener     net.Listener
	engine       *gin.Engine
	store        CookieStore
	loginLimiter *keyedLimiter
	logger       *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// TLS is only configured when a certificate is set.
func newAPI(e *EiNoah, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	keyPairs, err := sessionKeyPairs(config.Secret)
	if err != nil {
		return nil, fmt.Errorf("error generating session keys: %w", err)
	}
	store := NewCookieStore(keyPairs...)
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteLaxMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   !config.Development,
			SameSite: sameSite,
		},
	)

	api := &API{
		config:       config,
		engine:       r,
		store:        store,
		logger:       logger,
		loginLimiter: newKeyedLimiter(config.LoginRateLimit, config.LoginRateBurst),
	}
	api.handlers = &APIHandlers{e: e, api: api, logger: logger}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = config.Development
		if !config.Development {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}
	if corsConfig.AllowAllOrigins {
		// credentials can't be combined with a wildcard origin
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, store),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.POST(apiPathLogin, h.loginHandler)
	r.POST(apiPathLogout, h.logoutHandler)
	r.POST(apiPathSetup, h.adminSetup)
	r.GET(apiPathSetupStatus, h.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(e))
	protected.GET(apiPathLoggedIn, h.loggedIn)
	protected.GET(apiPathConfig, h.getConfig)
	protected.PATCH(apiPathConfig, h.updateRuntimeConfig)
	protected.GET(apiPathGuildQuotes, h.getGuildQuotes)
	protected.DELETE(apiPathQuote, h.deleteQuote)
	protected.GET(apiPathInteractions, h.getInteractionLogs)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)
	protected.POST(apiPathQuit, h.botQuit)

	r.NoRoute(
		func(c *gin.Context) {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	return api, nil
}

// Serve listens on the configured address until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(
		ctx,
		"serving api",
		"address", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(a.listener)
}

// sessionKeyPairs returns the authentication and encryption keys for
// session cookies. Keys are derived from secret, or random when it's
// empty.
func sessionKeyPairs(secret string) ([][]byte, error) {
	if secret == "" {
		hashKey := securecookie.GenerateRandomKey(64)
		blockKey := securecookie.GenerateRandomKey(32)
		if hashKey == nil || blockKey == nil {
			return nil, errors.New("unable to generate random session keys")
		}
		return [][]byte{hashKey, blockKey}, nil
	}
	hashKey := sha512.Sum512([]byte(secret))
	blockKey := sha256.Sum256([]byte(secret))
	return [][]byte{hashKey[:], blockKey[:]}, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the handlers for the admin API endpoints
type APIHandlers struct {
	e      *EiNoah
	api    *API
	logger *slog.Logger
}

// healthCheck reports whether the gateway is connected, and how many
// menus are open.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		OpenMenus:          h.e.menus.Len(),
		CommandsInProgress: h.e.commandsInProgress.Load(),
	}
	if h.e.discord != nil {
		resp.DiscordGatewayConnected = h.e.discord.connected.Load()
	}
	if !h.e.startedAt.IsZero() {
		resp.Uptime = time.Since(h.e.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.e.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only available until
// credentials exist.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	log := ginContextLogger(c)
	if !h.e.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "setup already completed"})
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn("invalid setup payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid payload"})
		return
	}

	hashed, err := HashPassword(payload.Password)
	if err != nil {
		log.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting credentials")
		return
	}

	h.e.cfgMu.Lock()
	defer h.e.cfgMu.Unlock()
	if !h.e.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "setup already completed"})
		return
	}

	cfg := h.e.runtimeConfig
	_, err = h.e.writeDB.Updates(
		c.Request.Context(),
		cfg,
		map[string]any{
			"admin_username": payload.Username,
			"admin_password": hashed,
		},
	)
	if err != nil {
		log.Error("error saving credentials", tint.Err(err))
		ginReplyError(c, "error setting credentials")
		return
	}
	cfg.AdminUsername = payload.Username
	cfg.AdminPassword = hashed
	h.e.pendingSetup.Store(false)
	log.Info("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the given credentials against the stored admin
// credentials, and starts a session when they match. Attempts are rate
// limited per client IP.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	log := ginContextLogger(c)

	if !h.api.loginLimiter.Allow(c.ClientIP()) {
		log.Warn("login rate limited")
		c.JSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	if h.e.pendingSetup.Load() {
		c.JSON(http.StatusUnauthorized, httpError{Error: "setup required"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid payload"})
		return
	}

	cfg := h.e.RuntimeConfig()
	if login.Username != cfg.AdminUsername {
		log.Warn("invalid username", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid credentials"})
		return
	}
	ok, err := VerifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		log.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "error verifying credentials")
		return
	}
	if !ok {
		log.Warn("invalid password", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		log.Error("error saving session", tint.Err(err))
		ginReplyError(c, "error saving session")
		return
	}
	log.Info("logged in", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error clearing session", tint.Err(err))
		ginReplyError(c, "error clearing session")
		return
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.e.RuntimeConfig())
}

// updateRuntimeConfig applies a partial RuntimeConfig update. The
// updated record is validated before the transaction commits, then the
// reload is announced so every instance applies it.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	log := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("invalid config payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	columns := update.columns()
	if len(columns) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no changes given"})
		return
	}
	log.Info("applying runtime config update", "updates", columns)

	current := h.e.RuntimeConfig()
	var updated RuntimeConfig
	var validationErr error

	err := h.e.writeDB.Transaction(
		c.Request.Context(),
		func(tx *gorm.DB) error {
			if err := tx.Model(&RuntimeConfig{}).
				Where("id = ?", current.ID).
				Updates(columns).Error; err != nil {
				return err
			}
			if err := tx.First(&updated, current.ID).Error; err != nil {
				return err
			}
			validationErr = structValidator.Struct(updated)
			return validationErr
		},
	)
	switch {
	case validationErr != nil:
		log.Warn("updated config is invalid", tint.Err(validationErr))
		c.JSON(http.StatusBadRequest, httpError{Error: validationErr.Error()})
		return
	case err != nil:
		log.Error("error updating config", tint.Err(err))
		ginReplyError(c, "error updating config")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), dbNotifierSendTimeout)
	defer cancel()
	if h.e.dbNotifier == nil || !h.e.dbNotifier.ReloadRuntimeConfig(ctx) {
		log.Error("error sending config reload notification")
	}
	c.JSON(http.StatusAccepted, updated)
}

// getGuildQuotes returns a page of a guild's quotes, newest first
func (h *APIHandlers) getGuildQuotes(c *gin.Context) {
	var p Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}

	quotes, total, err := guildQuotes(c.Request.Context(), h.e.db, c.Param("guild_id"), p)
	if err != nil {
		ginContextLogger(c).Error("error getting quotes", tint.Err(err))
		ginReplyError(c, "error getting quotes")
		return
	}
	c.JSON(
		http.StatusOK,
		quotePage{Quotes: quotes, Total: total, Limit: p.Limit, Offset: p.Offset},
	)
}

func (h *APIHandlers) deleteQuote(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	deleted, err := deleteQuotes(c.Request.Context(), h.e.writeDB, []uint{uint(id)})
	if err != nil {
		ginContextLogger(c).Error("error deleting quote", tint.Err(err))
		ginReplyError(c, "error deleting quote")
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "quote not found"})
		return
	}
	ginContextLogger(c).Info("deleted quote", "quote_id", id)
	ginReplyMessage(c, "quote deleted")
}

// getInteractionLogs lists received interactions, newest first,
// optionally filtered by user, guild or date range.
func (h *APIHandlers) getInteractionLogs(c *gin.Context) {
	var q interactionLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}

	query := h.e.db.WithContext(c.Request.Context()).
		Model(&InteractionLog{}).
		Limit(q.Limit).
		Offset(q.Offset)
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.GuildID != "" {
		query = query.Where("guild_id = ?", q.GuildID)
	}
	if q.StartDate != "" {
		startDate, err := time.Parse(time.DateOnly, q.StartDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid start_date format"})
			return
		}
		query = query.Where("created_at >= ?", startDate.UnixMilli())
	}
	if q.EndDate != "" {
		endDate, err := time.Parse(time.DateOnly, q.EndDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid end_date format"})
			return
		}
		// include the whole end date
		query = query.Where("created_at < ?", endDate.Add(24*time.Hour).UnixMilli())
	}
	if q.Order == Ascending {
		query = query.Order("created_at asc")
	} else {
		query = query.Order("created_at desc")
	}

	var interactions []InteractionLog
	if err := query.Find(&interactions).Error; err != nil {
		ginContextLogger(c).Error("error getting interactions", tint.Err(err))
		ginReplyError(c, "error getting interactions")
		return
	}
	c.JSON(http.StatusOK, interactions)
}

// discordRegisterCommands overwrites the registered application commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")
	commands, err := h.e.RegisterCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, commands)
}

// botQuit stops the bot (and, with postgres, other instances)
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
	defer cancel()

	if h.e.dbNotifier == nil {
		if !sendSignal(ctx, h.e.signalStop, struct{}{}) {
			c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
			return
		}
		ginReplyMessage(c, "quitting")
		return
	}

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.e.dbNotifier.Stop(ctx)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// Pagination holds the paging query parameters of list endpoints
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the order results are returned in
type Sort string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

type interactionLogQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	GuildID   string `form:"guild_id"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

type quotePage struct {
	Quotes []Quote `json:"quotes"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	OpenMenus               int    `json:"open_menus"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	Uptime                  string `json:"uptime,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged in session, and all
// requests while admin credentials haven't been set up.
func authMiddleware(e *EiNoah) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := ginContextLogger(c)
		if e.pendingSetup.Load() {
			log.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" {
			log.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		log.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, set on the context
// and returned in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it with the
// request details on first use.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if v, ok := c.Get(ginAPILoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			base = l
		}
	}
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
			"remote_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each finished request with its latency
// and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginAPILoggerKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage responds with HTTP 200 and the given message
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with HTTP 500 and the given error message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
