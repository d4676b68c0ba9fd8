package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// maxCustomStatusLength is discord's limit for custom status text
const maxCustomStatusLength = 128

// RuntimeConfig stores the settings which can be changed while the bot
// is running, and persist across restarts (ex: being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	RowID
	Timestamps

	// Paused indicates whether the bot is currently paused. While paused,
	// only bot admins can run commands.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID is the channel the startup message
	// is sent to
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevelInfo,
		DiscordGoLogLevel:   DBLogLevelWarn,
		DatabaseLogLevel:    DBLogLevelWarn,
		APILogLevel:         DBLogLevelInfo,
	}
}

// loadRuntimeConfig returns the most recent RuntimeConfig row, creating
// one with default values if none exists
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Last(&cfg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, createErr := db.Create(ctx, &cfg); createErr != nil {
			return nil, fmt.Errorf("error creating runtime config: %w", createErr)
		}
	case err != nil:
		return nil, fmt.Errorf("error getting runtime config: %w", err)
	}
	if validationErr := structValidator.Struct(cfg); validationErr != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	return &cfg, nil
}

// RuntimeConfigUpdate is a partial RuntimeConfig update. Nil fields are
// left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused                       *bool   `json:"paused,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeConfigUpdate checks the fields of a RuntimeConfigUpdate
// which struct tags can't express
func validateRuntimeConfigUpdate(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.DiscordNotificationChannelID != nil {
			id := strings.TrimSpace(*value.DiscordNotificationChannelID)
			if id != "" && !snowflakePattern.MatchString(id) {
				return "discord_notification_channel_id must be a channel ID"
			}
		}
		if value.DiscordCustomStatus != nil &&
			len([]rune(*value.DiscordCustomStatus)) > maxCustomStatusLength {
			return fmt.Sprintf(
				"discord_custom_status must be at most %d characters",
				maxCustomStatusLength,
			)
		}
	}
	return nil
}

func (u RuntimeConfigUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	if msg := validateRuntimeConfigUpdate(reflect.ValueOf(u)); msg != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUsage, msg)
	}
	return nil
}

// runtimeConfigValueChanged reports whether updateVal (a pointer field
// from RuntimeConfigUpdate) is non-nil, and its dereferenced value is
// different from currentVal
func runtimeConfigValueChanged(currentVal, updateVal any) bool {
	newValRef := reflect.ValueOf(updateVal)
	if newValRef.Kind() != reflect.Ptr {
		return false
	}
	if newValRef.IsNil() {
		return false
	}
	return !reflect.DeepEqual(currentVal, newValRef.Elem().Interface())
}

// changes returns the column updates needed to apply the update to
// current. Unchanged fields are omitted.
func (u RuntimeConfigUpdate) changes(current RuntimeConfig) map[string]any {
	updates := map[string]any{}
	add := func(column string, currentVal any, updateVal any) {
		if runtimeConfigValueChanged(currentVal, updateVal) {
			updates[column] = reflect.ValueOf(updateVal).Elem().Interface()
		}
	}
	add(columnRuntimeConfigPaused, current.Paused, u.Paused)
	add("discord_custom_status", current.DiscordCustomStatus, u.DiscordCustomStatus)
	add(
		columnRuntimeConfigDiscordNotificationChannelID,
		current.DiscordNotificationChannelID,
		u.DiscordNotificationChannelID,
	)
	add("log_level", current.LogLevel, u.LogLevel)
	add("discord_log_level", current.DiscordLogLevel, u.DiscordLogLevel)
	add("discordgo_log_level", current.DiscordGoLogLevel, u.DiscordGoLogLevel)
	add("database_log_level", current.DatabaseLogLevel, u.DatabaseLogLevel)
	add("api_log_level", current.APILogLevel, u.APILogLevel)
	return updates
}

// apply returns c with the update's non-nil fields set
func (u RuntimeConfigUpdate) apply(c RuntimeConfig) RuntimeConfig {
	if u.Paused != nil {
		c.Paused = *u.Paused
	}
	if u.DiscordCustomStatus != nil {
		c.DiscordCustomStatus = *u.DiscordCustomStatus
	}
	if u.DiscordNotificationChannelID != nil {
		c.DiscordNotificationChannelID = *u.DiscordNotificationChannelID
	}
	if u.LogLevel != nil {
		c.LogLevel = *u.LogLevel
	}
	if u.DiscordLogLevel != nil {
		c.DiscordLogLevel = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		c.DiscordGoLogLevel = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		c.DatabaseLogLevel = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		c.APILogLevel = *u.APILogLevel
	}
	return c
}

// RuntimeConfig returns a copy of the current runtime configuration
func (e *Emily) RuntimeConfig() RuntimeConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	if e.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *e.runtimeConfig
}

// UpdateRuntimeConfig validates and applies an update, then notifies
// other instances. The new config is returned.
func (e *Emily) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return e.RuntimeConfig(), err
	}

	e.cfgMu.Lock()
	current := *e.runtimeConfig
	changes := update.changes(current)
	if len(changes) == 0 {
		e.cfgMu.Unlock()
		return current, nil
	}
	if _, err := e.writeDB.Updates(
		ctx,
		&RuntimeConfig{RowID: current.RowID},
		changes,
	); err != nil {
		e.cfgMu.Unlock()
		e.logger.ErrorContext(ctx, "error updating runtime config", tint.Err(err))
		return current, fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	updated := update.apply(current)
	e.runtimeConfig = &updated
	e.cfgMu.Unlock()

	e.applyRuntimeConfig(ctx, current, updated)
	e.logger.InfoContext(ctx, "updated runtime config", "changes", changes)
	if e.dbNotifier != nil {
		e.dbNotifier.ReloadRuntimeConfig(ctx)
	}
	return updated, nil
}

// setRuntimeLevels sets the component log levels from the runtime config
func (e *Emily) setRuntimeLevels(state RuntimeConfig) {
	e.config.LogLevel.Set(state.LogLevel.Level())
	e.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	e.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	e.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	e.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// applyRuntimeConfig applies the side effects of a config change: log
// levels, the paused flag and the bot's status
func (e *Emily) applyRuntimeConfig(ctx context.Context, previous, current RuntimeConfig) {
	e.setRuntimeLevels(current)
	e.paused.Store(current.Paused)

	if e.discord == nil || e.discord.session == nil {
		return
	}
	e.discord.session.SetLogLevel(current.DiscordGoLogLevel.Level())
	if !e.discord.connected.Load() {
		return
	}
	if previous.Paused == current.Paused &&
		previous.DiscordCustomStatus == current.DiscordCustomStatus {
		return
	}
	if err := e.discord.session.UpdateCustomStatus(customStatus(current)); err != nil {
		e.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// customStatus is the discord status shown for the given config
func customStatus(c RuntimeConfig) string {
	if c.Paused {
		return "paused"
	}
	return c.DiscordCustomStatus
}

// startRuntimeConfigRefresher periodically refreshes RuntimeConfig, and
// refreshes it whenever triggerRuntimeConfigRefreshCh receives a value
// (true forces a refresh regardless of the TTL)
func (e *Emily) startRuntimeConfigRefresher(ctx context.Context) {
	ttl := e.config.RuntimeConfigTTL
	if ttl > 0 {
		e.runtimeWG.Add(1)
		go func() {
			defer e.runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case e.triggerRuntimeConfigRefreshCh <- false:
					case <-time.After(5 * time.Second):
						e.logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	e.runtimeWG.Add(1)
	go func() {
		defer e.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-e.triggerRuntimeConfigRefreshCh:
				refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				e.refreshRuntimeConfig(refreshCtx, force)
				cancel()
			}
		}
	}()
}

func (e *Emily) refreshRuntimeConfig(ctx context.Context, force bool) {
	var latest RuntimeConfig
	if err := e.db.WithContext(ctx).Last(&latest).Error; err != nil {
		e.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	e.cfgMu.Lock()
	previous := *e.runtimeConfig
	lastUpdated := time.Since(time.UnixMilli(latest.UpdatedAt))
	if !force && latest.UpdatedAt == previous.UpdatedAt && lastUpdated < e.config.RuntimeConfigTTL {
		e.cfgMu.Unlock()
		e.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	e.runtimeConfig = &latest
	e.cfgMu.Unlock()

	e.applyRuntimeConfig(ctx, previous, latest)
	e.logger.InfoContext(ctx, "refreshed runtime config")
}

// SetAdminCredentials stores the admin API username and a hash of the
// password, completing first-time setup
func (e *Emily) SetAdminCredentials(ctx context.Context, username, password string) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	current := *e.runtimeConfig
	if err := SaveAdminCredentials(ctx, e.writeDB, &current, username, password); err != nil {
		return err
	}
	e.runtimeConfig = &current
	e.pendingSetup.Store(false)
	return nil
}

// SaveAdminCredentials hashes password and writes both credentials to
// cfg's row, updating cfg on success
func SaveAdminCredentials(
	ctx context.Context,
	db DBI,
	cfg *RuntimeConfig,
	username string,
	password string,
) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	if _, err = db.Updates(
		ctx,
		&RuntimeConfig{RowID: cfg.RowID},
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	); err != nil {
		return fmt.Errorf("%w: error updating admin credentials: %w", ErrTransientIO, err)
	}
	cfg.AdminUsername = username
	cfg.AdminPassword = hashed
	return nil
}

// InitDatabase creates and migrates the database, and returns its
// runtime config, inserting the default one on first run
func InitDatabase(ctx context.Context, databaseType, dsn string) (DBI, *RuntimeConfig, error) {
	db, err := CreateDB(ctx, databaseType, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating database: %w", err)
	}
	dbi := NewDatabase(db, nil, databaseType)
	cfg, err := loadRuntimeConfig(ctx, dbi)
	if err != nil {
		return nil, nil, err
	}
	return dbi, cfg, nil
}
