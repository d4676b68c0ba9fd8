package emily

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GuildWideChannel is the channel ID used for overrides which apply to
// the whole guild
const GuildWideChannel = "0"

// BlacklistCommand is a command override for a guild, or a single
// channel within a guild. Channel overrides take precedence over
// guild-wide ones.
//
//nolint:lll // struct tags can't be split
type BlacklistCommand struct {
	RowID
	GuildID     string `json:"guild_id" gorm:"uniqueIndex:idx_blacklist_guild_command_channel;not null"`
	Command     string `json:"command" gorm:"uniqueIndex:idx_blacklist_guild_command_channel;not null"`
	ChannelID   string `json:"channel_id" gorm:"uniqueIndex:idx_blacklist_guild_command_channel;not null;default:'0'"`
	Blacklisted bool   `json:"blacklisted" gorm:"not null"`
	Timestamps
}

// IsGuildWide reports whether the override applies to the whole guild
func (b BlacklistCommand) IsGuildWide() bool {
	return b.ChannelID == GuildWideChannel
}

// commandOverrides maps command name -> channel ID -> blacklisted
type commandOverrides map[string]map[string]bool

// BlacklistResolver decides whether commands are disabled in a channel.
// Overrides are cached per guild. Every mutation writes to the database
// and updates the cache while holding the write lock, so readers never
// observe a cache that disagrees with a completed write.
type BlacklistResolver struct {
	db     DBI
	mu     sync.RWMutex
	guilds map[string]commandOverrides
	logger *slog.Logger

	// onChange is called after a guild's overrides are modified
	onChange func(guildID string)
}

func newBlacklistResolver(db DBI, logger *slog.Logger) *BlacklistResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlacklistResolver{
		db:     db,
		guilds: map[string]commandOverrides{},
		logger: logger,
	}
}

// IsBlacklisted reports whether command is disabled in the given guild
// channel. Precedence, highest first:
//
//  1. channel override for the command
//  2. channel override for all-commands
//  3. guild-wide override for the command
//  4. guild-wide override for all-commands
//
// Without any matching override, the command is enabled.
func (b *BlacklistResolver) IsBlacklisted(
	guildID string,
	command string,
	channelID string,
) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	overrides, ok := b.guilds[guildID]
	if !ok {
		return false
	}

	if channelID != "" && channelID != GuildWideChannel {
		if v, found := overrides.lookup(command, channelID); found {
			return v
		}
		if v, found := overrides.lookup(AllCommands, channelID); found {
			return v
		}
	}
	if v, found := overrides.lookup(command, GuildWideChannel); found {
		return v
	}
	if v, found := overrides.lookup(AllCommands, GuildWideChannel); found {
		return v
	}
	return false
}

func (o commandOverrides) lookup(command, channelID string) (bool, bool) {
	channels, ok := o[command]
	if !ok {
		return false, false
	}
	v, ok := channels[channelID]
	return v, ok
}

func (o commandOverrides) set(command, channelID string, blacklisted bool) {
	channels, ok := o[command]
	if !ok {
		channels = map[string]bool{}
		o[command] = channels
	}
	channels[channelID] = blacklisted
}

func (o commandOverrides) remove(command, channelID string) {
	channels, ok := o[command]
	if !ok {
		return
	}
	delete(channels, channelID)
	if len(channels) == 0 {
		delete(o, command)
	}
}

// LoadAll replaces the cache with every override in the database
func (b *BlacklistResolver) LoadAll(ctx context.Context) error {
	var rows []BlacklistCommand
	if err := b.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: error loading blacklist: %w", ErrTransientIO, err)
	}

	guilds := map[string]commandOverrides{}
	for _, row := range rows {
		overrides, ok := guilds[row.GuildID]
		if !ok {
			overrides = commandOverrides{}
			guilds[row.GuildID] = overrides
		}
		overrides.set(row.Command, row.ChannelID, row.Blacklisted)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.guilds = guilds
	b.logger.InfoContext(ctx, "loaded command overrides", "count", len(rows))
	return nil
}

// Reload refreshes the cached overrides for a single guild
func (b *BlacklistResolver) Reload(ctx context.Context, guildID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reload(ctx, guildID)
}

func (b *BlacklistResolver) reload(ctx context.Context, guildID string) error {
	var rows []BlacklistCommand
	if err := b.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: error loading blacklist: %w", ErrTransientIO, err)
	}
	if len(rows) == 0 {
		delete(b.guilds, guildID)
		return nil
	}
	overrides := commandOverrides{}
	for _, row := range rows {
		overrides.set(row.Command, row.ChannelID, row.Blacklisted)
	}
	b.guilds[guildID] = overrides
	return nil
}

// Entries returns the guild's overrides, sorted by command and then
// channel, with guild-wide overrides first
func (b *BlacklistResolver) Entries(guildID string) []BlacklistCommand {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var entries []BlacklistCommand
	for command, channels := range b.guilds[guildID] {
		for channelID, blacklisted := range channels {
			entries = append(
				entries, BlacklistCommand{
					GuildID:     guildID,
					Command:     command,
					ChannelID:   channelID,
					Blacklisted: blacklisted,
				},
			)
		}
	}
	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].Command != entries[j].Command {
				return entries[i].Command < entries[j].Command
			}
			if entries[i].IsGuildWide() != entries[j].IsGuildWide() {
				return entries[i].IsGuildWide()
			}
			return entries[i].ChannelID < entries[j].ChannelID
		},
	)
	return entries
}

// InsertOrUpdate sets an override for a command in a guild, or a
// channel of it (channelID GuildWideChannel for the whole guild)
func (b *BlacklistResolver) InsertOrUpdate(
	ctx context.Context,
	guildID string,
	command string,
	channelID string,
	blacklisted bool,
) error {
	if channelID == "" {
		channelID = GuildWideChannel
	}
	row := BlacklistCommand{
		GuildID:     guildID,
		Command:     command,
		ChannelID:   channelID,
		Blacklisted: blacklisted,
	}
	return b.mutate(
		ctx,
		guildID,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: "guild_id"},
						{Name: "command"},
						{Name: "channel_id"},
					},
					DoUpdates: clause.AssignmentColumns(
						[]string{"blacklisted", "updated_at"},
					),
				},
			).Create(&row).Error
		},
		func(o commandOverrides) {
			o.set(command, channelID, blacklisted)
		},
	)
}

// Delete removes a single override
func (b *BlacklistResolver) Delete(
	ctx context.Context,
	guildID string,
	command string,
	channelID string,
) error {
	if channelID == "" {
		channelID = GuildWideChannel
	}
	return b.mutate(
		ctx,
		guildID,
		func(tx *gorm.DB) error {
			return tx.Where(
				"guild_id = ? AND command = ? AND channel_id = ?",
				guildID,
				command,
				channelID,
			).Delete(&BlacklistCommand{}).Error
		},
		func(o commandOverrides) {
			o.remove(command, channelID)
		},
	)
}

// DeleteOverridesInChannel removes every override for a single channel
func (b *BlacklistResolver) DeleteOverridesInChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	return b.mutate(
		ctx,
		guildID,
		func(tx *gorm.DB) error {
			return tx.Where(
				"guild_id = ? AND channel_id = ?",
				guildID,
				channelID,
			).Delete(&BlacklistCommand{}).Error
		},
		func(o commandOverrides) {
			for command := range o {
				o.remove(command, channelID)
			}
		},
	)
}

// DeleteAllOverrides removes every channel override in the guild,
// leaving guild-wide overrides in place
func (b *BlacklistResolver) DeleteAllOverrides(
	ctx context.Context,
	guildID string,
) error {
	return b.mutate(
		ctx,
		guildID,
		func(tx *gorm.DB) error {
			return tx.Where(
				"guild_id = ? AND channel_id != ?",
				guildID,
				GuildWideChannel,
			).Delete(&BlacklistCommand{}).Error
		},
		func(o commandOverrides) {
			for command, channels := range o {
				for channelID := range channels {
					if channelID != GuildWideChannel {
						o.remove(command, channelID)
					}
				}
			}
		},
	)
}

// DeleteGuild removes every override in the guild
func (b *BlacklistResolver) DeleteGuild(ctx context.Context, guildID string) error {
	return b.mutate(
		ctx,
		guildID,
		func(tx *gorm.DB) error {
			return tx.Where("guild_id = ?", guildID).Delete(&BlacklistCommand{}).Error
		},
		func(o commandOverrides) {
			for command := range o {
				delete(o, command)
			}
		},
	)
}

// mutate runs write in a transaction and, only if it succeeds, applies
// apply to the guild's cached overrides. Both happen under the write
// lock.
func (b *BlacklistResolver) mutate(
	ctx context.Context,
	guildID string,
	write func(tx *gorm.DB) error,
	apply func(o commandOverrides),
) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.db.Transaction(ctx, write); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error updating command overrides",
			"guild_id", guildID,
			tint.Err(err),
		)
		return fmt.Errorf("%w: error updating blacklist: %w", ErrTransientIO, err)
	}

	overrides, ok := b.guilds[guildID]
	if !ok {
		overrides = commandOverrides{}
		b.guilds[guildID] = overrides
	}
	apply(overrides)
	if len(overrides) == 0 {
		delete(b.guilds, guildID)
	}

	if b.onChange != nil {
		b.onChange(guildID)
	}
	return nil
}
