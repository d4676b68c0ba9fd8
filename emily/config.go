//nolint:lll // struct tags can't be split
package emily

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

// Environment handling
const (
	EnvvarSetEnvPrefix = "EMILY_ENV_PREFIX"
	DefaultEnvPrefix   = "EMILY"
)

// Process-wide defaults
const (
	DefaultDatabaseType          = dbTypeSQLite
	DefaultDatabase              = "emily.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultRuntimeConfigTTL      = 5 * time.Minute
)

// Discord defaults
const (
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	DefaultCommandPrefix         = "$"
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "$help"
	DefaultDiscordStartupMessage = "I'm here!"

	discordMaxMessageLength = 2000
)

// Outbox and reaction listener defaults
const (
	DefaultOutboxSize       = 200
	DefaultOutboxMaxAge     = 2 * time.Minute
	DefaultOutboxSleepEmpty = 250 * time.Millisecond
	DefaultOutboxRateLimit  = 5.0
	DefaultOutboxBurst      = 5

	DefaultListenerExpiry        = 2 * time.Minute
	DefaultListenerSweepInterval = 30 * time.Second
	DefaultConfigPageSize        = 15
)

// API server defaults
const (
	DefaultAPIListen               = "127.0.0.1:5000"
	defaultListenNetwork           = "tcp"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	DefaultUITLSMinVersion         = tls.VersionTLS12

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Accept",
		"Authorization",
		"Cache-Control",
		"Content-Length",
		"Content-Type",
		"Origin",
		"X-CSRF-Token",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Authorization",
		"Content-Length",
		"Content-Type",
		"ETag",
		"Last-Modified",
		"Location",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// structValidator checks `binding` tags, the same tag gin binds with.
// Field names in errors are their json names.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	v.RegisterTagNameFunc(
		func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		},
	)
	_ = v.RegisterValidation(
		"nowhitespace", func(fl validator.FieldLevel) bool {
			return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
		},
	)
	return v
}

// Config is emily's startup configuration, loaded by viper from flags,
// environment and an optional config file. Settings that can change
// while the bot runs live in RuntimeConfig instead.
type Config struct {
	// sqlite file path, or postgres DSN
	Database     string `mapstructure:"database" json:"database"`
	DatabaseType string `mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than this are logged at WARN
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// Startup is aborted if it takes longer than this
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`

	// Shutdown is forced after this elapses
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfig is reloaded from the database at least this often,
	// so that changes made by another instance are picked up. Postgres
	// deployments are also notified through LISTEN/NOTIFY. 0 disables.
	RuntimeConfigTTL time.Duration `mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	Discord   *DiscordConfig   `mapstructure:"discord" json:"discord" binding:"required"`
	Outbox    *OutboxConfig    `mapstructure:"outbox" json:"outbox" binding:"required"`
	Listeners *ListenersConfig `mapstructure:"listeners" json:"listeners" binding:"required"`
	Music     *MusicConfig     `mapstructure:"music" json:"music"`
	API       *APIConfig       `mapstructure:"api" json:"api"`

	HTTPClient *http.Client `json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// OutboxConfig bounds the outbound message queue and its send rate
type OutboxConfig struct {
	// Queued messages beyond this are rejected. 0 means unbounded.
	Size int `mapstructure:"size" json:"size" binding:"gte=0"`

	// Messages queued longer than this are dropped. 0 means never.
	MaxAge time.Duration `mapstructure:"max_age" json:"max_age" binding:"gte=0s"`

	// Poll interval while the queue is empty
	SleepEmpty time.Duration `mapstructure:"sleep_empty" json:"sleep_empty" binding:"gt=0s"`

	// Sends per second, and the burst allowed above that
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit" binding:"gt=0"`
	Burst     int     `mapstructure:"burst" json:"burst" binding:"gte=1"`
}

// ListenersConfig controls reaction listeners used for paging and
// interactive help
type ListenersConfig struct {
	Expiry        time.Duration `mapstructure:"expiry" json:"expiry" binding:"gt=0s"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" binding:"gt=0s"`

	// Entries per page of a paginated listing
	PageSize int `mapstructure:"page_size" json:"page_size" binding:"gte=1"`
}

type MusicConfig struct {
	// Where the songs table's filenames are resolved
	Directory string `mapstructure:"directory" json:"directory"`
}

// DiscordConfig holds the bot's credentials and gateway settings
type DiscordConfig struct {
	Token         string `mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`
	ApplicationID string `mapstructure:"application_id" json:"application_id"`

	// Users holding the bot-admin rank in every guild
	BotAdmins []string `mapstructure:"bot_admins" json:"bot_admins"`

	// Prefix for direct messages and for guilds without a command_prefix
	// setting
	CommandPrefix string `mapstructure:"command_prefix" json:"command_prefix" binding:"required,max=4,nowhitespace"`

	LogLevel          *slog.LevelVar `mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to RuntimeConfig.DiscordNotificationChannelID, when set, each
	// time the gateway connects
	StartupMessage string `mapstructure:"startup_message" json:"startup_message"`

	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// IsBotAdmin reports whether userID is listed in BotAdmins
func (c DiscordConfig) IsBotAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	return slices.ContainsFunc(
		c.BotAdmins, func(id string) bool {
			return strings.TrimSpace(id) == userID
		},
	)
}

// APIConfig configures the HTTP admin API
type APIConfig struct {
	// host:port, or a socket path when ListenNetwork is unix
	Listen        string `mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`
	ListenNetwork string `mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Cookie signing secret. A random one is generated when empty, which
	// logs everyone out on restart.
	Secret string `mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL      SSLConfig      `mapstructure:"ssl" json:"ssl"`
	CORS     CORSConfig     `mapstructure:"cors" json:"cors"`
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	SessionMaxAge time.Duration `mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Relaxes the session cookie to SameSite=None and mounts pprof
	// under /debug
	Development bool `mapstructure:"development" json:"development"`
}

// SSLConfig enables TLS on the API when both Cert and Key are set
type SSLConfig struct {
	Cert          string `mapstructure:"cert" json:"cert"`
	Key           string `mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `mapstructure:"tls_min_version" json:"tls_min_version"`
}

type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" json:"max_age"`
}

// GINConfig converts c for the gin-contrib/cors middleware
func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

// DefaultCORSConfig returns the default CORS settings. No origins are
// allowed until configured.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		AllowCredentials: DefaultAPICORSAllowCredentials,
		MaxAge:           DefaultCORSMaxAge,
	}
}

func levelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with every default populated. A
// discord token still has to be supplied.
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Outbox: &OutboxConfig{
			Size:       DefaultOutboxSize,
			MaxAge:     DefaultOutboxMaxAge,
			SleepEmpty: DefaultOutboxSleepEmpty,
			RateLimit:  DefaultOutboxRateLimit,
			Burst:      DefaultOutboxBurst,
		},
		Listeners: &ListenersConfig{
			Expiry:        DefaultListenerExpiry,
			SweepInterval: DefaultListenerSweepInterval,
			PageSize:      DefaultConfigPageSize,
		},
		Music: &MusicConfig{},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			SSL:               SSLConfig{TLSMinVersion: DefaultUITLSMinVersion},
			CORS:              DefaultCORSConfig(),
			LogLevel:          levelVar(DefaultAPILogLevel),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
		},
	}
}

// validateConfig checks c's binding tags, reporting each failure as
// `section.field: rule`
func validateConfig(c *Config) error {
	err := structValidator.Struct(c)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		errs = append(errs, fmt.Errorf("%s: %s", field, rule))
	}
	return errors.Join(errs...)
}
