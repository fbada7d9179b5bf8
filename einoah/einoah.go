package einoah

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/dotBeFoRE/ei-noah-bot/einoah.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = newStructValidator()

	shutdownAnnouncementInterval = 10 * time.Second
	runtimeConfigRefreshTimeout  = 30 * time.Second
)

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// EiNoah is the bot: its Discord session, database, admin API and the
// menus it has open.
type EiNoah struct {
	config *Config

	// read connection. Writes go through writeDB.
	db *gorm.DB

	// gorm.DB wrapper for writes, serialized when using sqlite
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// menus routes button presses to open menus
	menus      *menuRouter
	menuLogger *slog.Logger
	menuWG     sync.WaitGroup

	// commandLimiter rate limits commands per user
	commandLimiter *keyedLimiter

	dbNotifier dbNotifier
	scheduler  *cron.Cron

	// signalStop stops a running bot, such as from `/api/quit`
	signalStop chan struct{}

	// signalReady receives a value once Run has connected to discord and
	// registered commands
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// pendingSetup is set until admin credentials exist, and enables the
	// API's one-time setup endpoint
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc returns the InteractionHandler for a new
	// interaction. Tests swap this out.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	commandsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a bot from the given config. Nothing is opened or connected
// until Run is called. All configuration errors found are returned
// together.
func New(config *Config) (*EiNoah, error) {
	if config == nil || config.Discord == nil || config.API == nil {
		return nil, errors.New("config, discord config and api config required")
	}
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
	if config.Menu == nil {
		config.Menu = DefaultConfig().Menu
	}

	e := &EiNoah{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		commandLimiter: newKeyedLimiter(
			config.Discord.CommandRateLimit,
			config.Discord.CommandRateBurst,
		),
	}
	defaultConfig := DefaultRuntimeConfig()
	e.runtimeConfig = &defaultConfig

	e.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     e.config.LogLevel,
			AddSource: true,
		},
	)
	e.logger = slog.New(e.logHandler)
	slog.SetDefault(e.logger)

	e.menuLogger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     e.config.Menu.LogLevel,
				AddSource: true,
			},
		),
	)
	e.menus = newMenuRouter(e.menuLogger, e.config.Menu.ActionBuffer)

	disc, err := newDiscord(e.config.Discord)
	if err != nil {
		return e, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     e.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     e.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = e
	e.discord = disc

	api, err := newAPI(e, config.API)
	errs = append(errs, err)
	e.api = api

	return e, errors.Join(errs...)
}

func (e *EiNoah) ValidateConfig() error {
	return structValidator.Struct(e.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (e *EiNoah) RuntimeConfig() RuntimeConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return *e.runtimeConfig
}

// RegisterCommands overwrites the bot's discord application commands
func (e *EiNoah) RegisterCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return e.discord.registerCommands(e.RuntimeConfig(), options...)
}

// Run initializes the database, connects to discord and handles
// interactions until ctx is canceled or a stop signal is received, then
// shuts down.
func (e *EiNoah) Run(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.startedAt = time.Now()
	logger := e.logger

	if err := e.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", e.config),
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
	)

	// the 'runtime' context. Canceling it starts a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-e.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, e.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- e.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	notifier, err := newDBNotifier(e)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	e.dbNotifier = notifier

	if e.config.API.Enabled {
		// not tracked by runtimeWG, shutdown stops the server after
		// in-flight interactions finish
		go func() {
			httpErr := e.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				sendSignal(ctx, e.signalStop, struct{}{})
			}
		}()
	}

	if discErr := e.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = e.discordInit(startCtx); err != nil {
		return e.shutdown(ctx, runtimeWG, err)
	}

	e.startRuntimeConfigRefresher(ctx, runtimeWG)
	if err = e.startScheduler(ctx); err != nil {
		return e.shutdown(ctx, runtimeWG, err)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if listenErr := e.dbNotifier.Listen(ctx); listenErr != nil {
			logger.ErrorContext(ctx, "error listening for notifications", tint.Err(listenErr))
		}
	}()

	e.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the runtime context, generally an
	// interrupt, or `/api/quit`
	<-ctx.Done()
	return e.shutdown(ctx, runtimeWG, nil)
}

// initRun opens the database, and loads (or creates) the runtime config
func (e *EiNoah) initRun(ctx context.Context) error {
	e.logger.DebugContext(ctx, "initializing DB...")
	if err := e.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	var botState RuntimeConfig
	if err := e.db.WithContext(ctx).Last(&botState).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", err)
		}
		botState = DefaultRuntimeConfig()
		if _, createErr := e.writeDB.Create(ctx, &botState); createErr != nil {
			return fmt.Errorf("error creating config: %w", createErr)
		}
	}
	if err := structValidator.Struct(botState); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		e.pendingSetup.Store(true)
		e.logger.WarnContext(
			ctx,
			"admin credentials not set, run `init` or POST them to the API",
			"path", apiPathSetup,
		)
	}

	e.cfgMu.Lock()
	e.runtimeConfig = &botState
	e.setRuntimeLevels(botState)
	e.cfgMu.Unlock()
	return nil
}

func (e *EiNoah) initDB(ctx context.Context) error {
	if e.db != nil {
		if e.writeDB == nil {
			e.writeDB = NewDatabase(e.db, e.logger, e.config.DatabaseType == dbTypePostgres)
		}
		return migrateDB(ctx, e.db)
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     e.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, e.config.DatabaseSlowThreshold)
	db, err := getDB(e.config.DatabaseType, e.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = configureDB(ctx, db, e.config.DatabaseType); err != nil {
		return err
	}

	e.db = db
	e.writeDB = NewDatabase(db, e.logger, e.config.DatabaseType == dbTypePostgres)

	e.logger.DebugContext(ctx, "migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		e.logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return err
	}
	e.logger.DebugContext(ctx, "finished migrating database")
	return nil
}

// initDiscordSession creates the discord session, if one isn't set, and
// adds the bot's gateway event handlers
func (e *EiNoah) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if e.discord.session == nil {
		disc, discErr := e.discord.newSession(e.config.HTTPClient)
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		e.discord.session = disc
	}

	for _, h := range e.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	e.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  e.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(e.RuntimeConfig()),
		},
	)

	e.discord.discordgoRemoveHandlerFuncs = []func(){
		e.discord.session.AddHandler(e.discord.handlerConnect()),
		e.discord.session.AddHandler(e.discord.handlerDisconnect()),
		e.discord.session.AddHandler(e.discord.handlerReady()),
		e.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if ctx.Err() != nil {
					return
				}
				handler := e.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					e.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if e.getInteractionHandlerFunc == nil {
		e.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     e.discord.session,
				interaction: i,
				config:      e.RuntimeConfig(),
				mu:          &sync.RWMutex{},
				logger: e.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// discordInit opens the gateway connection and registers commands
func (e *EiNoah) discordInit(ctx context.Context) error {
	e.logger.InfoContext(ctx, "connecting to discord")
	if err := e.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := e.RegisterCommands(discordgo.WithContext(ctx)); err != nil {
		return err
	}
	return nil
}

func (e *EiNoah) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	if ttl := e.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					if !sendSignal(sendCtx, e.triggerRuntimeConfigRefreshCh, false) {
						e.logger.Warn("timed out sending config refresh signal")
					}
					cancel()
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-e.triggerRuntimeConfigRefreshCh:
				refreshCtx, cancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				e.refreshRuntimeConfig(refreshCtx, force)
				cancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads RuntimeConfig from the database when forced,
// or when it's older than the configured TTL, and applies changes
func (e *EiNoah) refreshRuntimeConfig(ctx context.Context, force bool) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	var current RuntimeConfig
	if err := e.db.WithContext(ctx).Last(&current).Error; err != nil {
		e.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(current.UpdatedAt))
	if !force && lastUpdated <= e.config.RuntimeConfigTTL {
		e.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}

	previous := e.runtimeConfig
	if previous.DiscordCustomStatus != current.DiscordCustomStatus && e.discord.connected.Load() {
		if err := e.discord.session.UpdateCustomStatus(current.DiscordCustomStatus); err != nil {
			e.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	if previous.QuoteMaxLength != current.QuoteMaxLength && e.discord.connected.Load() {
		if _, err := e.discord.registerCommands(current, discordgo.WithContext(ctx)); err != nil {
			e.logger.ErrorContext(ctx, "error re-registering commands", tint.Err(err))
		}
	}
	if current.AdminUsername != "" && current.AdminPassword != "" {
		e.pendingSetup.Store(false)
	}

	e.runtimeConfig = &current
	e.setRuntimeLevels(current)
	e.logger.InfoContext(ctx, "refreshed runtime config", "last_updated", lastUpdated)
}

// setRuntimeLevels applies the log levels of the given RuntimeConfig.
// Callers must hold cfgMu.
func (e *EiNoah) setRuntimeLevels(state RuntimeConfig) {
	e.config.LogLevel.Set(state.LogLevel.Level())
	e.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	e.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	e.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	e.config.API.LogLevel.Set(state.APILogLevel.Level())
	e.config.Menu.LogLevel.Set(state.MenuLogLevel.Level())
	if ds, ok := e.discord.session.(DiscordSession); ok && ds.session != nil {
		if err := ds.SetLogLevel(state.DiscordGoLogLevel.Level()); err != nil {
			e.logger.Warn("error setting discordgo log level", tint.Err(err))
		}
	}
}

// startScheduler runs periodic maintenance on Config.MaintenanceSchedule
func (e *EiNoah) startScheduler(ctx context.Context) error {
	if e.config.MaintenanceSchedule == "" {
		return nil
	}
	logger := e.logger.With(loggerNameKey, "scheduler")
	e.scheduler = cron.New(
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger})),
	)
	if _, err := e.scheduler.AddFunc(
		e.config.MaintenanceSchedule,
		func() { e.runMaintenance(ctx) },
	); err != nil {
		return fmt.Errorf("invalid maintenance schedule: %w", err)
	}
	e.scheduler.Start()
	logger.InfoContext(ctx, "scheduled maintenance", "schedule", e.config.MaintenanceSchedule)
	return nil
}

// runMaintenance prunes old interaction logs and idle rate limiters
func (e *EiNoah) runMaintenance(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	logger := e.logger.With(loggerNameKey, "maintenance")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			if e.config.InteractionLogRetention <= 0 {
				return nil
			}
			pruned, err := pruneInteractionLogs(
				gctx,
				e.writeDB,
				time.Now().Add(-e.config.InteractionLogRetention),
			)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "pruned interaction logs", "count", pruned)
			return nil
		},
	)
	g.Go(
		func() error {
			removed := e.commandLimiter.prune()
			if e.api != nil {
				removed += e.api.loginLimiter.prune()
			}
			logger.DebugContext(ctx, "pruned rate limiters", "count", removed)
			return nil
		},
	)
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "maintenance failed", tint.Err(err))
	}
}

// pruneInteractionLogs deletes interaction logs created before cutoff
func pruneInteractionLogs(ctx context.Context, db DBI, cutoff time.Time) (int64, error) {
	return db.Delete(ctx, &InteractionLog{}, "created_at < ?", cutoff.UnixMilli())
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append(keysAndValues, tint.Err(err))...)
}

// trackMenu keeps shutdown waiting until the menu has closed
func (e *EiNoah) trackMenu(menu *Menu) {
	e.menuWG.Add(1)
	go func() {
		defer e.menuWG.Done()
		<-menu.Done()
	}()
}

func (e *EiNoah) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	cause error,
) error {
	e.logger.WarnContext(ctx, "shutting down", "cause", cause)
	defer func() {
		select {
		case e.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(e.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	if e.scheduler != nil {
		stopped := e.scheduler.Stop()
		go func() {
			<-stopped.Done()
			e.logger.InfoContext(ctx, "scheduler stopped")
		}()
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight interactions, then menus (which close when the
		// runtime context is canceled, deleting their messages)
		runtimeWG.Wait()
		e.menuWG.Wait()
		e.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if e.api != nil && e.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = e.api.httpServer.Shutdown(closeCtx)
				e.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if e.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = e.discord.session.Close()
				for _, h := range e.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				e.discord.discordgoRemoveHandlerFuncs = nil
				e.logger.InfoContext(ctx, "discord session closed")
			}()
		}
		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			e.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return cause
		case <-announcementTicker.C:
			e.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
				"open_menus", e.menus.Len(),
			)
		case <-closeCtx.Done():
			e.logger.Warn("did not stop in time, forcing close")
			if e.api != nil && e.api.httpServer != nil {
				go func() {
					_ = e.api.httpServer.Close()
				}()
			}
			return errors.Join(cause, errors.New("shutdown timed out"))
		}
	}
}

// handleInteraction processes an interaction received from discord.
// Application commands are rate limited per user and routed to their
// handler, and component interactions are routed to open menus.
func (e *EiNoah) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(*discordUser)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	defer func() {
		if rc := recover(); rc != nil {
			e.handleRecover(ctx, rc)
		}
	}()

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := e.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionMessageComponent:
		if !e.menus.Dispatch(ctx, handler) {
			logger.WarnContext(
				ctx,
				"unknown component",
				"custom_id", i.MessageComponentData().CustomID,
			)
			_ = handler.Respond(
				ctx,
				&discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseDeferredMessageUpdate,
				},
			)
		}
	case discordgo.InteractionApplicationCommand:
		if !e.commandLimiter.Allow(discordUser.ID) {
			logger.WarnContext(ctx, "user rate limited")
			respondEphemeral(ctx, handler, handler.Config().DiscordRateLimitMessage)
			return
		}

		e.commandsInProgress.Add(1)
		defer e.commandsInProgress.Add(-1)

		switch name := i.ApplicationCommandData().Name; name {
		case DiscordSlashCommandQuote:
			e.handleQuoteCommand(ctx, handler)
		case DiscordMessageCommandSaveQuote:
			e.handleSaveQuoteCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", name)
			respondEphemeral(ctx, handler, handler.Config().DiscordErrorMessage)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// handleRecover logs a panic recovered while handling an interaction
func (*EiNoah) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = slog.Default()
	}
	logRecovered(ctx, logger, rc)
}

// logRecovered logs the value returned by recover, with the stack trace
// of the panicking goroutine
func logRecovered(ctx context.Context, logger *slog.Logger, rc any) {
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// respondEphemeral responds to the interaction with a message only
// the user can see
func respondEphemeral(ctx context.Context, handler InteractionHandler, content string) {
	if content == "" {
		return
	}
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:         content,
				Flags:           discordgo.MessageFlagsEphemeral,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
	)
}
