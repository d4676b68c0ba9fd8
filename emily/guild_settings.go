package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SettingCommandPrefix       = "command_prefix"
	SettingHelpInPM            = "help_in_pm"
	SettingBotListen           = "bot_listen"
	SettingBotChannel          = "bot_channel"
	SettingBotLanguage         = "bot_language"
	SettingShowUnknownCommands = "show_unknown_commands"
	SettingMusicChannel        = "music_channel"
	SettingMusicVolume         = "music_volume"
	SettingMusicShowListeners  = "music_show_listeners"
	SettingMusicClearAdminOnly = "music_clear_admin_only"
	SettingMusicPlayingMessage = "music_playing_message"
	SettingBotUpdateWarning    = "bot_update_warning"

	botListenAll  = "all"
	botListenMine = "mine"

	maxSettingValueLength = 64
)

var supportedLanguages = []language.Tag{language.English}

// GuildSetting is a guild's value for a setting. Settings without a row
// use their default value.
//
//nolint:lll // struct tags can't be split
type GuildSetting struct {
	RowID
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_setting_guild_name;not null"`
	Name    string `json:"name" gorm:"uniqueIndex:idx_guild_setting_guild_name;not null"`
	Value   string `json:"value" gorm:"not null"`
	Timestamps
}

// SettingDefinition describes a guild setting
type SettingDefinition struct {
	Key         string   `json:"key"`
	Default     string   `json:"default"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`

	// Internal settings can only be changed by bot admins, and are hidden
	// from everyone else
	Internal bool `json:"internal"`

	// normalize validates the value, returning its canonical form
	normalize func(value string) (string, error)
}

// SettingValue is a setting's effective value in a guild
type SettingValue struct {
	SettingDefinition
	Value    string `json:"value"`
	Modified bool   `json:"modified"`
}

func boolSetting(value string) (string, error) {
	switch strings.ToLower(value) {
	case "true", "yes", "on", "1", "enable", "enabled":
		return "true", nil
	case "false", "no", "off", "0", "disable", "disabled":
		return "false", nil
	}
	return "", errors.New("must be true or false")
}

func enumSetting(options ...string) func(string) (string, error) {
	return func(value string) (string, error) {
		value = strings.ToLower(value)
		for _, o := range options {
			if value == o {
				return o, nil
			}
		}
		return "", fmt.Errorf("must be one of: %s", strings.Join(options, ", "))
	}
}

func intSetting(minValue, maxValue int) func(string) (string, error) {
	return func(value string) (string, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n < minValue || n > maxValue {
			return "", fmt.Errorf("must be a number from %d to %d", minValue, maxValue)
		}
		return strconv.Itoa(n), nil
	}
}

func prefixSetting(value string) (string, error) {
	if value == "" || len([]rune(value)) > 4 {
		return "", errors.New("must be 1 to 4 characters")
	}
	if strings.ContainsAny(value, " \t\n`") {
		return "", errors.New("can't contain spaces or backticks")
	}
	return value, nil
}

func channelSetting(value string) (string, error) {
	if id := channelMentionPattern.FindStringSubmatch(value); id != nil {
		return id[1], nil
	}
	value = strings.TrimPrefix(value, "#")
	if value == "" {
		return "", errors.New("must be a channel name")
	}
	return value, nil
}

func languageSetting(value string) (string, error) {
	tag, err := language.Parse(value)
	if err != nil {
		return "", fmt.Errorf("unknown language %q", value)
	}
	matcher := language.NewMatcher(supportedLanguages)
	_, _, confidence := matcher.Match(tag)
	if confidence < language.High {
		return "", fmt.Errorf("unsupported language %q", value)
	}
	base, _ := tag.Base()
	return base.String(), nil
}

func defaultSettingDefinitions(defaultPrefix string) []SettingDefinition {
	return []SettingDefinition{
		{
			Key:         SettingCommandPrefix,
			Default:     defaultPrefix,
			Description: "Prefix for commands (1 to 4 characters).",
			Tags:        []string{"bot"},
			normalize:   prefixSetting,
		},
		{
			Key:         SettingHelpInPM,
			Default:     "false",
			Description: "Send the help listing as a private message.",
			Tags:        []string{"bot"},
			normalize:   boolSetting,
		},
		{
			Key:     SettingBotListen,
			Default: botListenAll,
			Description: "Which channels the bot listens to.\n" +
				"all: every channel\n" +
				"mine: only the bot_channel (mentions still work everywhere)",
			Tags:      []string{"bot", "channel"},
			normalize: enumSetting(botListenAll, botListenMine),
		},
		{
			Key:         SettingBotChannel,
			Default:     "general",
			Description: "Channel the bot uses for announcements, and listens to when bot_listen is 'mine'.",
			Tags:        []string{"bot", "channel"},
			normalize:   channelSetting,
		},
		{
			Key:         SettingBotLanguage,
			Default:     "en",
			Description: "Language of the bot's replies.",
			Tags:        []string{"bot"},
			normalize:   languageSetting,
		},
		{
			Key:         SettingShowUnknownCommands,
			Default:     "false",
			Description: "Reply when someone uses a command that doesn't exist.",
			Tags:        []string{"bot"},
			normalize:   boolSetting,
		},
		{
			Key:         SettingMusicChannel,
			Default:     "music",
			Description: "Voice channel the bot joins for music.",
			Tags:        []string{"music", "channel"},
			normalize:   channelSetting,
		},
		{
			Key:         SettingMusicVolume,
			Default:     "10",
			Description: "Default music volume, from 0 to 100.",
			Tags:        []string{"music"},
			normalize:   intSetting(0, 100),
		},
		{
			Key:         SettingMusicShowListeners,
			Default:     "false",
			Description: "Show who's listening in the now-playing message.",
			Tags:        []string{"music"},
			normalize:   boolSetting,
		},
		{
			Key:         SettingMusicClearAdminOnly,
			Default:     "true",
			Description: "Only guild admins can clear the music queue.",
			Tags:        []string{"music"},
			normalize:   boolSetting,
		},
		{
			Key:     SettingMusicPlayingMessage,
			Default: "normal",
			Description: "How now-playing messages are posted.\n" +
				"off: never\n" +
				"normal: post a message for every song\n" +
				"clear: post a message, and remove the previous one",
			Tags:      []string{"music"},
			normalize: enumSetting("off", "normal", "clear"),
		},
		{
			Key:     SettingBotUpdateWarning,
			Default: "playing",
			Description: "When to announce restarts.\n" +
				"off: never\n" +
				"playing: only when music is playing\n" +
				"always: always",
			Tags:      []string{"bot"},
			Internal:  true,
			normalize: enumSetting("off", "playing", "always"),
		},
	}
}

// GuildSettings stores per-guild settings. Only values which differ
// from the defaults are stored and cached.
type GuildSettings struct {
	db          DBI
	mu          sync.RWMutex
	values      map[string]map[string]string
	definitions map[string]SettingDefinition
	logger      *slog.Logger

	// onChange is called after a guild's settings are modified
	onChange func(guildID string)
}

func newGuildSettings(
	db DBI,
	defaultPrefix string,
	logger *slog.Logger,
) *GuildSettings {
	if logger == nil {
		logger = slog.Default()
	}
	defs := defaultSettingDefinitions(defaultPrefix)
	g := &GuildSettings{
		db:          db,
		values:      map[string]map[string]string{},
		definitions: make(map[string]SettingDefinition, len(defs)),
		logger:      logger,
	}
	for _, d := range defs {
		g.definitions[d.Key] = d
	}
	return g
}

// Definition returns the definition of the given setting
func (g *GuildSettings) Definition(key string) (SettingDefinition, bool) {
	d, ok := g.definitions[strings.ToLower(key)]
	return d, ok
}

// Keys returns the sorted setting keys. Internal keys are only included
// if includeInternal is set.
func (g *GuildSettings) Keys(includeInternal bool) []string {
	keys := make([]string, 0, len(g.definitions))
	for k, d := range g.definitions {
		if d.Internal && !includeInternal {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tags returns the sorted, distinct setting tags
func (g *GuildSettings) Tags() []string {
	seen := map[string]struct{}{}
	for _, d := range g.definitions {
		for _, t := range d.Tags {
			seen[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Get returns the guild's value for a setting, falling back to the
// default. An empty guildID (direct messages) always gets the default.
func (g *GuildSettings) Get(guildID string, key string) string {
	def, ok := g.definitions[key]
	if !ok {
		return ""
	}
	if guildID == "" {
		return def.Default
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, found := g.values[guildID][key]; found {
		return v
	}
	return def.Default
}

// GetBool returns a boolean setting
func (g *GuildSettings) GetBool(guildID string, key string) bool {
	return g.Get(guildID, key) == "true"
}

// GetInt returns an integer setting, or 0 if the value isn't a number
func (g *GuildSettings) GetInt(guildID string, key string) int {
	n, _ := strconv.Atoi(g.Get(guildID, key))
	return n
}

// DisplayValue returns the setting's value formatted for display
func (g *GuildSettings) DisplayValue(guildID string, key string) string {
	v := g.Get(guildID, key)
	def, ok := g.definitions[key]
	if !ok {
		return ""
	}
	for _, t := range def.Tags {
		if t == "channel" && snowflakePattern.MatchString(v) {
			return channelMention(v)
		}
	}
	if v == "" {
		return "(empty)"
	}
	return v
}

// Settings returns every setting visible at the given rank, with its
// effective value in the guild, sorted by key
func (g *GuildSettings) Settings(guildID string, includeInternal bool) []SettingValue {
	keys := g.Keys(includeInternal)
	settings := make([]SettingValue, 0, len(keys))
	for _, k := range keys {
		def := g.definitions[k]
		v := g.Get(guildID, k)
		settings = append(
			settings, SettingValue{
				SettingDefinition: def,
				Value:             v,
				Modified:          v != def.Default,
			},
		)
	}
	return settings
}

// Set validates and stores a setting for the guild, returning the
// stored (normalized) value. The cache is only updated once the stored
// value has been read back from the database.
func (g *GuildSettings) Set(
	ctx context.Context,
	guildID string,
	key string,
	value string,
) (string, error) {
	key = strings.ToLower(key)
	def, ok := g.definitions[key]
	if !ok {
		return "", replyError(ErrNotFound, tmplConfigKeyNotExists)
	}
	value = truncate(strings.TrimSpace(value), maxSettingValueLength)
	normalized, err := def.normalize(value)
	if err != nil {
		return "", replyError(ErrInvalidUsage, tmplConfigKeyInvalid, key, err.Error())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	row := GuildSetting{GuildID: guildID, Name: key, Value: normalized}
	err = g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: "guild_id"},
						{Name: "name"},
					},
					DoUpdates: clause.AssignmentColumns(
						[]string{"value", "updated_at"},
					),
				},
			).Create(&row).Error; e != nil {
				return e
			}
			var stored GuildSetting
			if e := tx.Where(
				"guild_id = ? AND name = ?",
				guildID,
				key,
			).First(&stored).Error; e != nil {
				return e
			}
			if stored.Value != normalized {
				return fmt.Errorf(
					"stored value %q doesn't match %q",
					stored.Value,
					normalized,
				)
			}
			return nil
		},
	)
	if err != nil {
		g.logger.ErrorContext(
			ctx,
			"error saving guild setting",
			"guild_id", guildID,
			"key", key,
			tint.Err(err),
		)
		return "", ioError(err, tmplWriteFailed)
	}

	values, ok := g.values[guildID]
	if !ok {
		values = map[string]string{}
		g.values[guildID] = values
	}
	values[key] = normalized
	g.changed(guildID)
	return normalized, nil
}

// Reset restores a single setting to its default value
func (g *GuildSettings) Reset(ctx context.Context, guildID string, key string) error {
	key = strings.ToLower(key)
	if _, ok := g.definitions[key]; !ok {
		return replyError(ErrNotFound, tmplConfigKeyNotExists)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.db.Delete(
		ctx,
		&GuildSetting{},
		"guild_id = ? AND name = ?",
		guildID,
		key,
	); err != nil {
		return ioError(err, tmplWriteFailed)
	}
	delete(g.values[guildID], key)
	g.changed(guildID)
	return nil
}

// ResetAll restores every setting in the guild to its default value
func (g *GuildSettings) ResetAll(ctx context.Context, guildID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.db.Delete(
		ctx,
		&GuildSetting{},
		"guild_id = ?",
		guildID,
	); err != nil {
		return ioError(err, tmplWriteFailed)
	}
	delete(g.values, guildID)
	g.changed(guildID)
	return nil
}

func (g *GuildSettings) changed(guildID string) {
	if g.onChange != nil {
		g.onChange(guildID)
	}
}

// LoadAll replaces the cache with every stored setting
func (g *GuildSettings) LoadAll(ctx context.Context) error {
	var rows []GuildSetting
	if err := g.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: error loading guild settings: %w", ErrTransientIO, err)
	}
	values := map[string]map[string]string{}
	for _, row := range rows {
		if _, ok := g.definitions[row.Name]; !ok {
			continue
		}
		if _, ok := values[row.GuildID]; !ok {
			values[row.GuildID] = map[string]string{}
		}
		values[row.GuildID][row.Name] = row.Value
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = values
	return nil
}

// Reload refreshes the cached settings for a single guild
func (g *GuildSettings) Reload(ctx context.Context, guildID string) error {
	var rows []GuildSetting
	if err := g.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: error loading guild settings: %w", ErrTransientIO, err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Name] = row.Value
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(values) == 0 {
		delete(g.values, guildID)
	} else {
		g.values[guildID] = values
	}
	return nil
}
