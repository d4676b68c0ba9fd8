package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/emily/emily"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = emily.DefaultConfig()
	configFile string
)

// configDefaults seeds viper, which also tells AutomaticEnv which keys
// exist. Levels are kept as names and decoded by levelVarHook.
var configDefaults = map[string]any{
	"database":                emily.DefaultDatabase,
	"database_type":           emily.DefaultDatabaseType,
	"database_slow_threshold": emily.DefaultDatabaseSlowThreshold,
	"database_log_level":      emily.DefaultDatabaseLogLevel.String(),
	"log_level":               emily.DefaultLogLevel.String(),
	"startup_timeout":         emily.DefaultStartupTimeout,
	"shutdown_timeout":        emily.DefaultShutdownTimeout,
	"runtime_config_ttl":      emily.DefaultRuntimeConfigTTL,

	"outbox.size":        emily.DefaultOutboxSize,
	"outbox.max_age":     emily.DefaultOutboxMaxAge,
	"outbox.sleep_empty": emily.DefaultOutboxSleepEmpty,
	"outbox.rate_limit":  emily.DefaultOutboxRateLimit,
	"outbox.burst":       emily.DefaultOutboxBurst,

	"listeners.expiry":         emily.DefaultListenerExpiry,
	"listeners.sweep_interval": emily.DefaultListenerSweepInterval,
	"listeners.page_size":      emily.DefaultConfigPageSize,

	"music.directory": "",

	"discord.token":               "",
	"discord.application_id":      "",
	"discord.bot_admins":          []string{},
	"discord.command_prefix":      emily.DefaultCommandPrefix,
	"discord.log_level":           emily.DefaultDiscordLogLevel.String(),
	"discord.discordgo_log_level": emily.DefaultDiscordgoLogLevel.String(),
	"discord.gateway_intents":     emily.DefaultDiscordGatewayIntent,
	"discord.startup_message":     emily.DefaultDiscordStartupMessage,

	"api.listen":                 emily.DefaultAPIListen,
	"api.listen_network":         "tcp",
	"api.secret":                 "",
	"api.development":            false,
	"api.ssl.cert":               "",
	"api.ssl.key":                "",
	"api.ssl.tls_min_version":    emily.DefaultUITLSMinVersion,
	"api.log_level":              emily.DefaultAPILogLevel.String(),
	"api.session_max_age":        emily.DefaultAPISessionMaxAge,
	"api.read_timeout":           emily.DefaultReadTimeout,
	"api.read_header_timeout":    emily.DefaultReadHeaderTimeout,
	"api.write_timeout":          emily.DefaultWriteTimeout,
	"api.idle_timeout":           emily.DefaultIdleTimeout,
	"api.cors.allow_origins":     []string{},
	"api.cors.allow_headers":     emily.DefaultCORSAllowHeaders,
	"api.cors.allow_methods":     emily.DefaultCORSAllowMethods,
	"api.cors.expose_headers":    emily.DefaultCORSExposeHeaders,
	"api.cors.max_age":           emily.DefaultCORSMaxAge,
	"api.cors.allow_credentials": emily.DefaultAPICORSAllowCredentials,
}

var rootCmd = &cobra.Command{
	Use:           "emily [flags]",
	Short:         "A Discord bot driven by prefix commands",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnv(cmd); err != nil {
			return err
		}
		bindConfig()
		return decodeConfig(cfg)
	},
}

// Execute runs the root command until it returns or a termination
// signal cancels its context
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadEnv populates the environment from --config, or from .env in the
// working directory when it exists
func loadEnv(cmd *cobra.Command) error {
	if configFile == "" {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading .env: %w", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "loading env from", configFile)
	if err := godotenv.Load(configFile); err != nil {
		return fmt.Errorf("error loading %s: %w", configFile, err)
	}
	return nil
}

func bindConfig() {
	for key, value := range configDefaults {
		viper.SetDefault(key, value)
	}

	prefix := os.Getenv(emily.EnvvarSetEnvPrefix)
	if prefix == "" {
		prefix = emily.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// decodeConfig unmarshals viper's settings into c. Durations, level
// names and space-separated lists are converted on the way.
func decodeConfig(c *emily.Config) error {
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		levelVarHook(),
	)
	if err := viper.Unmarshal(c, viper.DecodeHook(hooks)); err != nil {
		return fmt.Errorf("error decoding config: %w", err)
	}
	return nil
}

var levelVarType = reflect.TypeOf(&slog.LevelVar{})

// levelVarHook decodes names like "warn" or "DEBUG+2" into a
// *slog.LevelVar
func levelVarHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != levelVarType {
			return data, nil
		}
		v := &slog.LevelVar{}
		if err := v.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, fmt.Errorf("invalid log level %q", data)
		}
		return v, nil
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load config from (default: .env, if present)",
	)
}
