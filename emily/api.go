package emily

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix           = "/debug"
	apiPrefix             = "/api"
	apiPathLogin          = "/login"
	apiPathLogout         = "/logout"
	apiPathHealthCheck    = "/api/healthz"
	apiPathLoggedIn       = "/api/loggedin"
	apiPathSetup          = "/api/setup"
	apiPathSetupStatus    = "/api/setup/status"
	apiPathConfig         = "/config"
	apiPathCommands       = "/commands"
	apiPathGuilds         = "/guilds"
	apiPathGuild          = "/guilds/:id"
	apiPathGuildBlacklist = "/guilds/:id/blacklist"
	apiPathGuildSettings  = "/guilds/:id/settings"
	apiPathGuildSetting   = "/guilds/:id/settings/:key"
	apiPathUsers          = "/users"
	apiPathUser           = "/users/:id"
	apiPathPlaylist       = "/playlist"
	apiPathListeners      = "/listeners"
	apiPathStatus         = "/status"
	apiPathPause          = "/pause"
	apiPathResume         = "/resume"
	apiPathReload         = "/reload"
	apiPathQuit           = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
	quitTimeout      = 30 * time.Second
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. Everything under /api, other than the
// health check and setup endpoints, requires a logged-in session.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	store      sessions.Store
	logger     *slog.Logger

	listener   net.Listener
	listenerMu sync.Mutex

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// TLS is used when both SSLConfig.Cert and SSLConfig.Key are set.
func newAPI(e *Emily, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}

	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
		loggerNameKey,
		"api",
	)

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
	}
	handlers := NewAPIHandlers(e, config, logger)
	api.handlers = handlers
	api.store = handlers.store
	r.Use(sessions.Sessions(sessionVarName, handlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
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
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	middleware := []gin.HandlerFunc{
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	}
	if len(corsConfig.AllowOrigins) > 0 {
		middleware = append(middleware, cors.New(corsConfig))
	}
	r.Use(middleware...)

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiPathHealthCheck, handlers.healthCheck)
	r.GET(apiPathLoggedIn, handlers.loggedIn)
	r.GET(apiPathSetupStatus, handlers.setupStatus)
	r.POST(apiPathSetup, handlers.adminSetup)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(e, handlers.store, logger))

	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.GET(apiPathCommands, handlers.getCommands)
	protected.GET(apiPathGuilds, handlers.getGuilds)
	protected.PATCH(apiPathGuild, handlers.updateGuild)
	protected.GET(apiPathGuildBlacklist, handlers.getBlacklist)
	protected.PUT(apiPathGuildBlacklist, handlers.putBlacklist)
	protected.DELETE(apiPathGuildBlacklist, handlers.deleteBlacklist)
	protected.GET(apiPathGuildSettings, handlers.getGuildSettings)
	protected.PUT(apiPathGuildSetting, handlers.putGuildSetting)
	protected.DELETE(apiPathGuildSetting, handlers.resetGuildSetting)
	protected.GET(apiPathUsers, handlers.getUsers)
	protected.PATCH(apiPathUser, handlers.updateUser)
	protected.GET(apiPathPlaylist, handlers.getPlaylist)
	protected.GET(apiPathListeners, handlers.getListeners)
	protected.GET(apiPathStatus, handlers.getStatus(api))
	protected.POST(apiPathPause, handlers.pause)
	protected.POST(apiPathResume, handlers.resume)
	protected.POST(apiPathReload, handlers.reload)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on APIConfig.Listen and serves until the server is shut
// down
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "address", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// Close immediately closes the server and its connections
func (a *API) Close() error {
	return a.httpServer.Close()
}

// RequestMetrics returns the number of requests seen per method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

// APIHandlers contains the handlers for the admin API endpoints
type APIHandlers struct {
	e      *Emily
	config *APIConfig
	logger *slog.Logger
	store  sessions.Store

	// one login attempt per second, across all clients
	loginRequestLimiter *rate.Limiter
}

// NewAPIHandlers creates the handlers and their session store
func NewAPIHandlers(e *Emily, config *APIConfig, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		e:                   e,
		config:              config,
		logger:              logger,
		store:               newSessionStore(config, logger),
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

// newSessionStore returns a cookie store signed with a key derived
// from APIConfig.Secret. Without a secret the key is random, so
// sessions end when the process does.
func newSessionStore(config *APIConfig, logger *slog.Logger) sessions.Store {
	var key []byte
	if config.Secret != "" {
		key = derive64ByteKey(config.Secret)
	} else {
		logger.Warn("api secret not set, sessions won't survive a restart")
		key = securecookie.GenerateRandomKey(64)
	}

	opts := sessions.Options{
		Path:     "/",
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if config.Development {
		opts.SameSite = http.SameSiteNoneMode
	}

	store := cookie.NewStore(key)
	store.Options(opts)
	return store
}

// requestContext returns the request's context, carrying the request
// logger
func requestContext(c *gin.Context) context.Context {
	return WithLogger(c.Request.Context(), ginContextLogger(c))
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.e.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, if they haven't been set yet
func (h *APIHandlers) adminSetup(c *gin.Context) {
	if !h.e.pendingSetup.Load() {
		abortWithError(c, http.StatusForbidden, "admin credentials already set")
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}

	logger := ginContextLogger(c)
	err := h.e.SetAdminCredentials(requestContext(c), payload.Username, payload.Password)
	if err != nil {
		logger.Error("admin setup failed", tint.Err(err))
		internalError(c, "error setting admin credentials")
		return
	}
	logger.Info("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the credentials against the runtime config and
// starts a session. Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		abortWithError(c, http.StatusTooManyRequests, "too many requests")
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		badRequest(c, err)
		return
	}

	switch err := h.checkLogin(login); {
	case errors.Is(err, errInvalidLogin):
		logger.Warn("login rejected", "username", login.Username, tint.Err(err))
		unauthorized(c)
		return
	case err != nil:
		logger.Error("error checking login", tint.Err(err))
		internalError(c, "internal server error")
		return
	}

	if err := setSessionUser(c, h.store, login.Username); err != nil {
		logger.Error("error saving session", tint.Err(err))
		internalError(c, "internal server error")
		return
	}
	logger.Info("logged in", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

var errInvalidLogin = errors.New("invalid login")

// checkLogin returns errInvalidLogin unless login matches the admin
// credentials
func (h *APIHandlers) checkLogin(login userLogin) error {
	rc := h.e.RuntimeConfig()
	switch {
	case rc.AdminUsername == "" || rc.AdminPassword == "":
		return fmt.Errorf("%w: admin credentials not set", errInvalidLogin)
	case login.Username != rc.AdminUsername:
		return fmt.Errorf("%w: unknown username", errInvalidLogin)
	}
	ok, err := VerifyPassword(rc.AdminPassword, login.Password)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong password", errInvalidLogin)
	}
	return nil
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	if err := setSessionUser(c, h.store, ""); err != nil {
		ginContextLogger(c).Error("error clearing session", tint.Err(err))
		internalError(c, "internal server error")
		return
	}
	replyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := sessionUsername(h.store, c.Request)
	if err != nil {
		ginContextLogger(c).Debug("not logged in", tint.Err(err))
		unauthorized(c)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.e.Paused(),
			OutboxSize:              h.e.outbox.Len(),
			Listeners:               h.e.listeners.Len(),
			DiscordGatewayConnected: h.e.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.e.RuntimeConfig())
}

// updateRuntimeConfig applies a partial runtime config update
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}

	updated, err := h.e.UpdateRuntimeConfig(requestContext(c), update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		abortWithError(c, statusForError(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, updated)
}

func (h *APIHandlers) getCommands(c *gin.Context) {
	commands := h.e.registry.Commands()
	rv := make([]commandResponse, 0, len(commands))
	for _, cmd := range commands {
		rv = append(
			rv, commandResponse{
				Name:          cmd.Name(),
				Aliases:       cmd.Aliases(),
				Description:   cmd.Description(),
				Usage:         cmd.Usage(),
				Category:      cmd.Category().Name,
				MinRank:       cmd.Category().MinRank,
				CanBeDisabled: cmd.CanBeDisabled(),
				Listed:        cmd.IsListed(),
			},
		)
	}
	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	c.JSON(http.StatusOK, h.e.guilds.List())
}

// guildParam returns the guild named by the `id` path parameter,
// replying with 404 if it isn't known
func (h *APIHandlers) guildParam(c *gin.Context) (Guild, bool) {
	guild, ok := h.e.guilds.Get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "guild not found")
		return Guild{}, false
	}
	return guild, true
}

func (h *APIHandlers) updateGuild(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	var update apiPatchBanned
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.e.guilds.SetBanned(requestContext(c), guild.ID, *update.Banned); err != nil {
		ginContextLogger(c).Error("error updating guild", tint.Err(err))
		abortWithError(c, statusForError(err), "error updating guild")
		return
	}
	guild, _ = h.e.guilds.Get(guild.ID)
	c.JSON(http.StatusAccepted, guild)
}

func (h *APIHandlers) getBlacklist(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	entries := h.e.blacklist.Entries(guild.ID)
	if entries == nil {
		entries = []BlacklistCommand{}
	}
	c.JSON(http.StatusOK, entries)
}

// putBlacklist sets a command override for the guild, or one of its
// channels
func (h *APIHandlers) putBlacklist(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	var payload blacklistPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}

	command := strings.ToLower(payload.Command)
	if command != AllCommands {
		cmd, found := h.e.registry.Resolve(command)
		if !found {
			abortWithError(c, http.StatusNotFound, "command not found")
			return
		}
		if !cmd.CanBeDisabled() {
			abortWithError(c, http.StatusBadRequest, "command can't be disabled")
			return
		}
		command = cmd.Name()
	}

	if err := h.e.blacklist.InsertOrUpdate(
		requestContext(c),
		guild.ID,
		command,
		payload.ChannelID,
		*payload.Blacklisted,
	); err != nil {
		ginContextLogger(c).Error("error updating blacklist", tint.Err(err))
		internalError(c, "error updating blacklist")
		return
	}
	c.JSON(http.StatusAccepted, h.e.blacklist.Entries(guild.ID))
}

// deleteBlacklist removes overrides. With a command and channel, only
// that override is removed. With only a channel, every override in the
// channel is removed. Removing all the guild's overrides takes
// all=true, and nothing else is accepted.
func (h *APIHandlers) deleteBlacklist(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	var query blacklistDeleteQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err)
		return
	}

	ctx := requestContext(c)
	var err error
	switch {
	case query.Command != "":
		channelID := query.ChannelID
		if channelID == "" {
			channelID = GuildWideChannel
		}
		err = h.e.blacklist.Delete(ctx, guild.ID, strings.ToLower(query.Command), channelID)
	case query.ChannelID != "":
		err = h.e.blacklist.DeleteOverridesInChannel(ctx, guild.ID, query.ChannelID)
	case query.All:
		err = h.e.blacklist.DeleteGuild(ctx, guild.ID)
	default:
		abortWithError(c, http.StatusBadRequest, "command, channel_id or all=true required")
		return
	}
	if err != nil {
		ginContextLogger(c).Error("error deleting overrides", tint.Err(err))
		internalError(c, "error deleting overrides")
		return
	}
	entries := h.e.blacklist.Entries(guild.ID)
	if entries == nil {
		entries = []BlacklistCommand{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.e.settings.Settings(guild.ID, true))
}

func (h *APIHandlers) putGuildSetting(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	var payload settingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}

	key := c.Param("key")
	value, err := h.e.settings.Set(requestContext(c), guild.ID, key, payload.Value)
	if err != nil {
		ginContextLogger(c).Warn("error updating setting", "key", key, tint.Err(err))
		abortWithError(c, statusForError(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"key": strings.ToLower(key), "value": value})
}

func (h *APIHandlers) resetGuildSetting(c *gin.Context) {
	guild, ok := h.guildParam(c)
	if !ok {
		return
	}
	key := strings.ToLower(c.Param("key"))
	if err := h.e.settings.Reset(requestContext(c), guild.ID, key); err != nil {
		ginContextLogger(c).Warn("error resetting setting", "key", key, tint.Err(err))
		abortWithError(c, statusForError(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": h.e.settings.Get(guild.ID, key)})
}

// getUsers returns a page of users, ordered by ID
func (h *APIHandlers) getUsers(c *gin.Context) {
	var query GetUsersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid pagination")
		return
	}
	query.setDefaults()

	db := h.e.db.WithContext(requestContext(c)).
		Limit(query.Limit).
		Offset(query.Offset).
		Order("id " + string(query.Order))
	if query.Banned != nil {
		db = db.Where("banned = ?", *query.Banned)
	}

	users := []User{}
	if err := db.Find(&users).Error; err != nil {
		ginContextLogger(c).Error("error getting users", tint.Err(err))
		internalError(c, "error getting users")
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *APIHandlers) updateUser(c *gin.Context) {
	var update apiPatchBanned
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}
	userID := c.Param("id")
	if !snowflakePattern.MatchString(userID) {
		abortWithError(c, http.StatusBadRequest, "invalid user ID")
		return
	}
	if err := h.e.users.SetBanned(requestContext(c), userID, *update.Banned); err != nil {
		ginContextLogger(c).Error("error updating user", "user_id", userID, tint.Err(err))
		internalError(c, "error updating user")
		return
	}
	c.JSON(http.StatusAccepted, h.e.users.Get(userID))
}

// getPlaylist returns a page of songs, least recently played first
func (h *APIHandlers) getPlaylist(c *gin.Context) {
	var query GetPlaylistQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid pagination")
		return
	}
	query.setDefaults()

	db := h.e.db.WithContext(requestContext(c)).
		Limit(query.Limit).
		Offset(query.Offset).
		Order("last_played " + string(query.Order)).
		Order("id asc")
	if !query.IncludeBanned {
		db = db.Where("banned = ?", false)
	}

	songs := []Song{}
	if err := db.Find(&songs).Error; err != nil {
		ginContextLogger(c).Error("error getting playlist", tint.Err(err))
		internalError(c, "error getting playlist")
		return
	}
	c.JSON(http.StatusOK, songs)
}

func (h *APIHandlers) getListeners(c *gin.Context) {
	c.JSON(http.StatusOK, h.e.listeners.Snapshot())
}

// getStatus returns the bot's status and the API request counts. Host
// stats are included when the `host` query parameter is true.
func (h *APIHandlers) getStatus(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		var query statusQuery
		if err := c.ShouldBindQuery(&query); err != nil {
			badRequest(c, err)
			return
		}
		rv := statusResponse{
			Bot:      h.e.Status(),
			Requests: a.RequestMetrics(),
		}
		if query.Host {
			stats, err := collectHostStats(requestContext(c))
			if err != nil {
				ginContextLogger(c).Error("error collecting host stats", tint.Err(err))
				internalError(c, "error collecting host stats")
				return
			}
			rv.Host = &stats
		}
		c.JSON(http.StatusOK, rv)
	}
}

func (h *APIHandlers) pause(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *APIHandlers) resume(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *APIHandlers) setPaused(c *gin.Context, paused bool) {
	ctx := requestContext(c)
	var (
		changed bool
		err     error
	)
	if paused {
		changed, err = h.e.Pause(ctx)
	} else {
		changed, err = h.e.Resume(ctx)
	}
	if err != nil {
		ginContextLogger(c).Error("error changing paused state", tint.Err(err))
		internalError(c, "error changing paused state")
		return
	}
	c.JSON(http.StatusOK, pausedResponse{Paused: h.e.Paused(), Changed: changed})
}

func (h *APIHandlers) reload(c *gin.Context) {
	if err := h.e.Reload(requestContext(c)); err != nil {
		ginContextLogger(c).Error("error reloading", tint.Err(err))
		internalError(c, "error reloading")
		return
	}
	replyMessage(c, "reloaded")
}

// botQuit stops this instance, and any others sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("quit requested")

	ctx, cancel := context.WithTimeout(WithLogger(context.Background(), logger), quitTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.e.stopAll(ctx)
	}()

	select {
	case <-stopped:
		c.JSON(http.StatusAccepted, httpReply{Message: "quitting"})
	case <-ctx.Done():
		logger.Warn("timed out waiting for stop", tint.Err(ctx.Err()))
		abortWithError(c, http.StatusGatewayTimeout, "timeout sending stop signal")
	}
}

// statusForError maps an error to an HTTP status code
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidUsage):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrTransientIO):
		return http.StatusServiceUnavailable
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errNoSessionUser = errors.New("no user in session")

// sessionUsername returns the username stored in the request's session
func sessionUsername(store sessions.Store, r *http.Request) (string, error) {
	session, err := store.Get(r, sessionVarName)
	if err != nil {
		return "", err
	}
	if username, _ := session.Values[sessionVarField].(string); username != "" {
		return username, nil
	}
	return "", errNoSessionUser
}

// setSessionUser saves username to the session cookie. An empty
// username logs the session out.
func setSessionUser(c *gin.Context, store sessions.Store, username string) error {
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil && session == nil {
		return err
	}
	session.Values[sessionVarField] = username
	return session.Save(c.Request, c.Writer)
}

// Sort is the order results are returned in
type Sort string

// Pagination represents the pagination parameters for API requests
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p *Pagination) setDefaults() {
	if p.Order == "" {
		p.Order = Ascending
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
}

// GetUsersQuery filters users by their banned flag, when set
type GetUsersQuery struct {
	Pagination
	Banned *bool `form:"banned"`
}

type GetPlaylistQuery struct {
	Pagination
	IncludeBanned bool `form:"include_banned"`
}

type statusQuery struct {
	Host bool `form:"host"`
}

type statusResponse struct {
	Bot      Status         `json:"bot"`
	Host     *HostStats     `json:"host,omitempty"`
	Requests map[string]int `json:"requests"`
}

type pausedResponse struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

type commandResponse struct {
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Description   string   `json:"description"`
	Usage         []string `json:"usage"`
	Category      string   `json:"category"`
	MinRank       Rank     `json:"min_rank"`
	CanBeDisabled bool     `json:"can_be_disabled"`
	Listed        bool     `json:"listed"`
}

// blacklistPayload sets an override. An empty ChannelID applies it to
// the whole guild.
type blacklistPayload struct {
	Command     string `json:"command" binding:"required"`
	ChannelID   string `json:"channel_id" binding:"omitempty,numeric"`
	Blacklisted *bool  `json:"blacklisted" binding:"required"`
}

type blacklistDeleteQuery struct {
	Command   string `form:"command"`
	ChannelID string `form:"channel_id" binding:"omitempty,numeric"`
	All       bool   `form:"all"`
}

type settingPayload struct {
	Value string `json:"value"`
}

type apiPatchBanned struct {
	Banned *bool `json:"banned" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	OutboxSize              int  `json:"outbox_size"`
	Listeners               int  `json:"listeners"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
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

// authMiddleware aborts with 401 unless the request has a session with
// a username. Until admin credentials are set, every request is
// rejected.
func authMiddleware(e *Emily, store sessions.Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if e.pendingSetup.Load() {
			logger.Warn("rejecting request, admin setup pending")
			unauthorized(c)
			return
		}

		username, err := sessionUsername(store, c.Request)
		if err != nil {
			ginContextLogger(c).Warn("unauthorized request", tint.Err(err))
			unauthorized(c)
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware tags each request with a random ID, which is
// logged and echoed back in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger stored in the gin context,
// creating one from slog.Default() if there isn't one
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, _ := v.(*slog.Logger); logger != nil {
			return logger
		}
	}
	return setRequestLogger(c, slog.Default())
}

// setRequestLogger stores a logger carrying the request's details in
// the gin context
func setRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	req := c.Request
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("path", req.URL.RequestURI()),
		slog.String("remote_ip", c.ClientIP()),
	}
	if ua := req.UserAgent(); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	if ref := req.Referer(); ref != "" {
		attrs = append(attrs, slog.String("referer", ref))
	}

	logger := base.With(slog.Group("request", attrs...))
	if id := c.GetString(xRequestIDHeader); id != "" {
		logger = logger.With("request_id", id)
	}
	c.Set(string(loggerContextKey), logger)
	return logger
}

// ginLoggingMiddleware logs each request once it's handled. Server
// errors are logged at error, client errors at warn.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := setRequestLogger(c, base)

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("duration", time.Since(start)),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			attrs = append(attrs, slog.Any("errors", errs.Errors()))
		}
		logger.LogAttrs(c.Request.Context(), level, "request handled", attrs...)
	}
}

// metricMiddleware counts requests by method and route. Unmatched
// requests are counted under their raw path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		a.requestMetricsMu.Lock()
		a.requestMetrics[c.Request.Method+" "+route]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

func replyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, httpError{Error: message})
}

func badRequest(c *gin.Context, err error) {
	ginContextLogger(c).Debug("bad request", tint.Err(err))
	abortWithError(c, http.StatusBadRequest, err.Error())
}

func unauthorized(c *gin.Context) {
	abortWithError(c, http.StatusUnauthorized, "unauthorized")
}

func internalError(c *gin.Context, message string) {
	abortWithError(c, http.StatusInternalServerError, message)
}
