package emily

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
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/emily/emily.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// cacheNotifyTimeout limits how long a cache change notification
	// may take to send to other instances
	cacheNotifyTimeout = 10 * time.Second
)

// Emily is the bot. It owns the database, the caches built on top of it,
// the Discord session, the outbox and the admin API.
type Emily struct {
	dbNotifier DBNotifier
	config     *Config

	// Read-only GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes are serialized with a mutex.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API
	outbox  *Outbox

	users      *UserCache
	guilds     *GuildCache
	settings   *GuildSettings
	blacklist  *BlacklistResolver
	ranks      *RankResolver
	registry   *Registry
	templates  *Templates
	listeners  *ReactionListeners
	dispatcher *Dispatcher
	players    *MusicPlayers

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `restart` command or the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// tracks gateway event handlers and background workers started
	// by Run
	runtimeWG sync.WaitGroup

	// While paused, only bot admins can run commands
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set. Without them,
	// the admin API can't be logged into.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	messagesHandled  atomic.Int64
	reactionsHandled atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerBlacklistReloadCh      chan string
	triggerGuildSettingsReloadCh  chan string
}

// New creates an Emily instance from the given config. Commands are
// registered here, and the command registry is read-only afterward.
// The database isn't opened until Run.
func New(config *Config) (*Emily, error) {
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

	e := &Emily{
		config:                        config,
		signalStop:                    make(chan struct{}, 1),
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerBlacklistReloadCh:      make(chan string, 10),
		triggerGuildSettingsReloadCh:  make(chan string, 10),
	}

	e.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	e.logger = slog.New(e.logHandler)
	slog.SetDefault(e.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)

	config.Discord.httpClient = config.HTTPClient
	e.discord = newDiscord(config.Discord)
	e.discord.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	e.discord.e = e

	templates, err := NewTemplates(language.English, nil)
	if err != nil {
		errs = append(errs, err)
	}
	e.templates = templates

	e.outbox = NewOutbox(
		config.Outbox,
		e.discord,
		e.logger.With(loggerNameKey, "outbox"),
	)
	e.listeners = newReactionListeners(e.logger.With(loggerNameKey, "listeners"))
	e.players = newMusicPlayers(e.logger.With(loggerNameKey, "music"))

	e.registry = NewRegistry()
	if regErr := e.registerCommands(); regErr != nil {
		errs = append(errs, regErr)
	}
	e.registry.Freeze()

	api, apiErr := newAPI(e, config.API)
	errs = append(errs, apiErr)
	e.api = api

	return e, errors.Join(errs...)
}

func (e *Emily) ValidateConfig() error {
	return validateConfig(e.config)
}

// Paused reports whether the bot is paused
func (e *Emily) Paused() bool {
	return e.paused.Load()
}

// Run starts the bot, blocking until ctx is cancelled or a stop
// signal is received, then shuts down.
func (e *Emily) Run(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.startedAt = time.Now()
	logger := e.logger

	if err := e.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(e)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	e.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", e.config))

	// the 'runtime' context, which triggers a graceful shutdown when
	// cancelled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-e.signalStop:
			e.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			e.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, e.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- e.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		httpErr := e.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			e.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if e.pendingSetup.Load() {
		logger.WarnContext(
			ctx,
			"admin credentials haven't been set, the admin API can't be used until `emily init` is run",
		)
	}

	if discErr := e.initDiscordSession(ctx); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	e.startWorkers(ctx)

	logger.InfoContext(ctx, "connecting to discord")
	if openErr := e.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		cancel()
		_ = e.shutdown(ctx)
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	e.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally
	// from an interrupt, the restart command or `/api/quit`
	<-ctx.Done()

	return e.shutdown(ctx)
}

// initRun opens the database, loads the runtime config and fills
// the caches
func (e *Emily) initRun(ctx context.Context) error {
	e.logger.Debug("initializing DB...")
	if err := e.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	e.logger.Debug("finished initializing DB")

	// load or create the runtime config first, so the bot starts
	// paused if it was paused when it last stopped
	runtimeConfig, err := loadRuntimeConfig(ctx, e.writeDB)
	if err != nil {
		return err
	}
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		e.pendingSetup.Store(true)
	}
	e.cfgMu.Lock()
	e.runtimeConfig = runtimeConfig
	e.cfgMu.Unlock()
	e.paused.Store(runtimeConfig.Paused)
	e.setRuntimeLevels(*runtimeConfig)

	return e.loadCaches(ctx)
}

// initDB opens and migrates the database, and creates the components
// backed by it
func (e *Emily) initDB(ctx context.Context) error {
	logger := contextLoggerOr(ctx, e.logger)

	handler := newLogHandler(defaultLogWriter, e.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, e.config.DatabaseSlowThreshold)
	db, err := openDB(e.config.DatabaseType, e.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	e.db = db

	if e.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	e.writeDB = NewDatabase(db, e.logger, e.config.DatabaseType)
	e.initComponents(e.writeDB)
	return nil
}

// initComponents creates the database-backed caches and the dispatcher
// which uses them
func (e *Emily) initComponents(db DBI) {
	e.users = newUserCache(db, e.logger.With(loggerNameKey, "users"))
	e.guilds = newGuildCache(db, e.logger.With(loggerNameKey, "guilds"))

	e.settings = newGuildSettings(
		db,
		e.config.Discord.CommandPrefix,
		e.logger.With(loggerNameKey, "guild_settings"),
	)
	e.settings.onChange = func(guildID string) {
		e.notifyCacheChange(guildID, DBNotifier.ReloadGuildSettings)
	}

	e.blacklist = newBlacklistResolver(db, e.logger.With(loggerNameKey, "blacklist"))
	e.blacklist.onChange = func(guildID string) {
		e.notifyCacheChange(guildID, DBNotifier.ReloadBlacklist)
	}

	e.ranks = newRankResolver(
		e.config.Discord.IsBotAdmin,
		e.users,
		e.permissionSource,
		e.logger.With(loggerNameKey, "ranks"),
	)

	e.dispatcher = &Dispatcher{
		registry:       e.registry,
		blacklist:      e.blacklist,
		ranks:          e.ranks,
		settings:       e.settings,
		users:          e.users,
		guilds:         e.guilds,
		templates:      e.templates,
		logger:         e.logger.With(loggerNameKey, "dispatcher"),
		isPaused:       e.Paused,
		isBotAdmin:     e.config.Discord.IsBotAdmin,
		botUserID:      e.discord.BotUserID,
		channelMatches: e.discord.channelMatches,
	}
}

// loadCaches fills every database-backed cache concurrently
func (e *Emily) loadCaches(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.users.Load(gctx) })
	g.Go(func() error { return e.guilds.Load(gctx) })
	g.Go(func() error { return e.settings.LoadAll(gctx) })
	g.Go(func() error { return e.blacklist.LoadAll(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("error loading caches: %w", err)
	}
	e.logger.InfoContext(
		ctx,
		"loaded caches",
		"users", e.users.Len(),
		"guilds", len(e.guilds.List()),
	)
	return nil
}

// notifyCacheChange tells other instances a guild's cached data
// changed. Caches call this while holding their own locks, so the
// notification is sent asynchronously.
func (e *Emily) notifyCacheChange(
	guildID string,
	notify func(DBNotifier, context.Context, string) bool,
) {
	if e.dbNotifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheNotifyTimeout)
		defer cancel()
		if !notify(e.dbNotifier, ctx, guildID) {
			e.logger.Warn("unable to notify cache change", "guild_id", guildID)
		}
	}()
}

// permissionSource returns the discord session for rank lookups, or
// nil if there's no session yet
func (e *Emily) permissionSource() permissionSource {
	if e.discord == nil || e.discord.session == nil {
		return nil
	}
	return e.discord.session
}

// initDiscordSession creates the discord session, if one hasn't been
// set already, and adds the gateway event handlers. Each event is
// handled in its own goroutine, tracked by runtimeWG.
func (e *Emily) initDiscordSession(ctx context.Context) error {
	if e.discord.session == nil {
		session, err := e.discord.newSession()
		if err != nil {
			return err
		}
		e.discord.session = session
	}

	for _, remove := range e.discord.handlerRemovers {
		remove()
	}

	session := e.discord.session
	e.discord.handlerRemovers = []func(){
		session.AddHandler(e.discord.handlerConnect()),
		session.AddHandler(e.discord.handlerDisconnect()),
		session.AddHandler(e.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleMessage(ctx, m.Message)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleReaction(ctx, r.MessageReaction)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleGuildCreate(ctx, g.Guild)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				e.runtimeWG.Add(1)
				go func() {
					defer e.runtimeWG.Done()
					e.handleGuildDelete(ctx, g.Guild)
				}()
			},
		),
	}
	return nil
}

// startWorkers starts the outbox, the listener sweeper, the cache
// refreshers and the database notification listeners
func (e *Emily) startWorkers(ctx context.Context) {
	e.runtimeWG.Add(1)
	go func() {
		defer e.runtimeWG.Done()
		e.outbox.Run(ctx)
	}()

	e.runtimeWG.Add(1)
	go func() {
		defer e.runtimeWG.Done()
		e.listeners.Run(ctx, e.config.Listeners.SweepInterval)
	}()

	e.startRuntimeConfigRefresher(ctx)
	e.startGuildCacheReloader(ctx)

	e.runtimeWG.Add(1)
	go func() {
		defer e.runtimeWG.Done()
		if err := e.dbNotifier.Listen(ctx); err != nil {
			e.logger.ErrorContext(ctx, "error listening for notifications", tint.Err(err))
		}
	}()
}

// startGuildCacheReloader reloads a guild's overrides or settings when
// another instance reports they changed
func (e *Emily) startGuildCacheReloader(ctx context.Context) {
	e.runtimeWG.Add(1)
	go func() {
		defer e.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("context canceled, stopping guild cache reloader")
				return
			case guildID := <-e.triggerBlacklistReloadCh:
				if err := e.blacklist.Reload(ctx, guildID); err != nil {
					e.logger.ErrorContext(
						ctx,
						"error reloading blacklist",
						"guild_id", guildID,
						tint.Err(err),
					)
				}
			case guildID := <-e.triggerGuildSettingsReloadCh:
				if err := e.settings.Reload(ctx, guildID); err != nil {
					e.logger.ErrorContext(
						ctx,
						"error reloading guild settings",
						"guild_id", guildID,
						tint.Err(err),
					)
				}
			}
		}
	}()
}

// handleMessage dispatches a message, and queues the reply (if any)
func (e *Emily) handleMessage(ctx context.Context, m *discordgo.Message) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	reply, err := e.dispatcher.Dispatch(ctx, m)
	if reply.Command != "" {
		e.messagesHandled.Add(1)
	}
	if err != nil {
		contextLoggerOr(ctx, e.logger).DebugContext(
			ctx,
			"command finished with error",
			"command", reply.Command,
			tint.Err(err),
		)
	}
	if reply.Content == "" {
		return
	}
	e.outbox.Push(
		ctx,
		&OutboundMessage{
			ChannelID: m.ChannelID,
			Content:   reply.Content,
		},
	)
}

// handleReaction passes a reaction to its message's listener. If a
// listener handled it, the user's reaction is removed so the same
// button can be pressed again.
func (e *Emily) handleReaction(ctx context.Context, r *discordgo.MessageReaction) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if r.UserID == e.discord.BotUserID() {
		return
	}
	if e.users.IsBanned(r.UserID) {
		return
	}
	ctx = WithLogger(
		ctx,
		contextLoggerOr(ctx, e.logger).With(slog.Group("reaction", reactionLogAttrs(r)...)),
	)
	handled, _ := e.listeners.Handle(ctx, r)
	if !handled {
		return
	}
	e.reactionsHandled.Add(1)
	e.discord.removeUserReaction(ctx, r)
}

func (e *Emily) handleGuildCreate(ctx context.Context, g *discordgo.Guild) {
	if g == nil || g.Unavailable {
		return
	}
	if _, err := e.guilds.Upsert(ctx, g); err != nil {
		e.logger.ErrorContext(ctx, "error saving guild", "guild_id", g.ID, tint.Err(err))
	}
}

// handleGuildDelete deactivates a guild the bot left, and removes its
// command overrides. Guilds which are only unavailable (outages) are
// left alone.
func (e *Emily) handleGuildDelete(ctx context.Context, g *discordgo.Guild) {
	if g == nil || g.Unavailable {
		return
	}
	logger := e.logger.With("guild_id", g.ID)
	logger.InfoContext(ctx, "removed from guild")

	if err := e.guilds.Deactivate(ctx, g.ID); err != nil {
		logger.ErrorContext(ctx, "error deactivating guild", tint.Err(err))
	}
	if err := e.blacklist.DeleteGuild(ctx, g.ID); err != nil {
		logger.ErrorContext(ctx, "error removing guild overrides", tint.Err(err))
	}
	e.players.Remove(g.ID)
}

// Pause pauses the bot, persisting the paused state so it survives a
// restart. Returns false if the bot was already paused.
func (e *Emily) Pause(ctx context.Context) (bool, error) {
	return e.setPaused(ctx, true)
}

// Resume un-pauses the bot. Returns false if the bot wasn't paused.
func (e *Emily) Resume(ctx context.Context) (bool, error) {
	return e.setPaused(ctx, false)
}

func (e *Emily) setPaused(ctx context.Context, paused bool) (bool, error) {
	if e.RuntimeConfig().Paused == paused {
		return false, nil
	}
	if _, err := e.UpdateRuntimeConfig(
		ctx,
		RuntimeConfigUpdate{Paused: &paused},
	); err != nil {
		return false, err
	}
	e.logger.InfoContext(ctx, "paused state changed", "paused", paused)
	return true, nil
}

// Reload reloads every cache from the database
func (e *Emily) Reload(ctx context.Context) error {
	e.refreshRuntimeConfig(ctx, true)
	return e.loadCaches(ctx)
}

// Stop signals Run to shut down. Returns false if a stop is already
// pending.
func (e *Emily) Stop() bool {
	select {
	case e.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status summarizes the running bot
type Status struct {
	Version          string        `json:"version"`
	StartedAt        time.Time     `json:"started_at"`
	Uptime           time.Duration `json:"uptime"`
	Paused           bool          `json:"paused"`
	Connected        bool          `json:"connected"`
	Connects         int64         `json:"connects"`
	Disconnects      int64         `json:"disconnects"`
	MessagesHandled  int64         `json:"messages_handled"`
	ReactionsHandled int64         `json:"reactions_handled"`
	CommandsRun      int64         `json:"commands_run"`
	CommandsFailed   int64         `json:"commands_failed"`
	Outbox           int           `json:"outbox"`
	Listeners        int           `json:"listeners"`
	Guilds           int           `json:"guilds"`
	Users            int           `json:"users"`
}

func (e *Emily) Status() Status {
	s := Status{
		Version:          Version,
		StartedAt:        e.startedAt,
		Paused:           e.paused.Load(),
		Connected:        e.discord.connected.Load(),
		Connects:         e.discord.connects.Load(),
		Disconnects:      e.discord.disconnects.Load(),
		MessagesHandled:  e.messagesHandled.Load(),
		ReactionsHandled: e.reactionsHandled.Load(),
		Outbox:           e.outbox.Len(),
		Listeners:        e.listeners.Len(),
	}
	if !e.startedAt.IsZero() {
		s.Uptime = time.Since(e.startedAt).Round(time.Second)
	}
	if e.dispatcher != nil {
		s.CommandsRun = e.dispatcher.metricDispatched.Load()
		s.CommandsFailed = e.dispatcher.metricFailed.Load()
	}
	if e.guilds != nil {
		s.Guilds = len(e.guilds.List())
	}
	if e.users != nil {
		s.Users = e.users.Len()
	}
	return s
}

// shutdown waits for handlers and workers to finish, then stops the API
// and closes the discord session. If that takes longer than
// Config.ShutdownTimeout, the API server is closed forcefully.
func (e *Emily) shutdown(ctx context.Context) error {
	e.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case e.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := e.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		e.logger.Warn("immediate shutdown")
		go func() {
			_ = e.api.Close()
		}()
		return errors.New("shutdown timeout is zero, stopped immediately")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	e.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		e.runtimeWG.Wait()
		e.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if n := e.outbox.Len(); n > 0 {
			e.logger.WarnContext(ctx, "discarding unsent messages", "count", n)
			e.outbox.Clear()
		}

		var g errgroup.Group
		g.Go(
			func() error {
				e.logger.InfoContext(ctx, "stopping http server")
				return e.api.Shutdown(closeCtx)
			},
		)
		if e.discord.session != nil {
			g.Go(
				func() error {
					e.logger.InfoContext(ctx, "closing discord session")
					for _, guildID := range e.players.GuildIDs() {
						if err := e.discord.session.LeaveVoice(guildID); err != nil {
							e.logger.WarnContext(
								ctx,
								"error leaving voice channel",
								"guild_id", guildID,
								tint.Err(err),
							)
						}
					}
					err := e.discord.session.Close()
					for _, remove := range e.discord.handlerRemovers {
						remove()
					}
					e.discord.handlerRemovers = nil
					return err
				},
			)
		}
		if err := g.Wait(); err != nil {
			e.logger.WarnContext(ctx, "error during shutdown", tint.Err(err))
		}
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
			return nil
		case <-announcementTicker.C:
			e.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			e.logger.Warn("handlers did not stop in time, forcing close")
			go func() {
				_ = e.api.Close()
			}()
			return errors.New("handlers did not stop in time")
		}
	}
}

// handleRecover logs a recovered panic value with a stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
