package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Guild is a record of a Discord guild (server) the bot has joined
//
//nolint:lll // struct tags can't be split
type Guild struct {
	// ID is the Discord guild ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	Name    string `json:"name" gorm:"type:string"`
	OwnerID string `json:"owner_id" gorm:"type:string"`

	// Active is false once the bot has left (or been removed from) the guild
	Active bool `json:"active" gorm:"type:bool;default:true"`

	// Commands from banned guilds are ignored
	Banned bool `json:"banned" gorm:"type:bool;default:false"`

	Timestamps
}

func (g *Guild) LogValue() slog.Value {
	if g == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", g.ID),
		slog.String("name", g.Name),
		slog.Bool("active", g.Active),
		slog.Bool("banned", g.Banned),
	)
}

// GuildCache is an in-memory cache of [Guild] records, keyed by
// Discord guild ID
type GuildCache struct {
	db     DBI
	mu     sync.RWMutex
	guilds map[string]*Guild
	logger *slog.Logger
}

func newGuildCache(db DBI, logger *slog.Logger) *GuildCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildCache{
		db:     db,
		guilds: map[string]*Guild{},
		logger: logger,
	}
}

// Load replaces the cache with every guild in the database
func (c *GuildCache) Load(ctx context.Context) error {
	var guilds []Guild
	if err := c.db.DB().WithContext(ctx).Find(&guilds).Error; err != nil {
		return fmt.Errorf("%w: error loading guilds: %w", ErrTransientIO, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds = make(map[string]*Guild, len(guilds))
	for i := range guilds {
		g := guilds[i]
		c.guilds[g.ID] = &g
	}
	return nil
}

// Get returns a copy of the cached guild
func (c *GuildCache) Get(guildID string) (Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.guilds[guildID]
	if !ok {
		return Guild{}, false
	}
	return *g, true
}

// IsBanned reports whether the guild is flagged as banned
func (c *GuildCache) IsBanned(guildID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.guilds[guildID]
	return ok && g.Banned
}

// List returns all cached guilds, sorted by ID
func (c *GuildCache) List() []Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guilds := make([]Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		guilds = append(guilds, *g)
	}
	sort.Slice(
		guilds, func(i, j int) bool {
			return guilds[i].ID < guilds[j].ID
		},
	)
	return guilds
}

// Upsert creates or updates the guild record from a Discord guild,
// marking it active
func (c *GuildCache) Upsert(ctx context.Context, dg *discordgo.Guild) (
	Guild,
	error,
) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := Guild{
		ID:      dg.ID,
		Name:    dg.Name,
		OwnerID: dg.OwnerID,
		Active:  true,
	}
	if existing, ok := c.guilds[dg.ID]; ok {
		g.Banned = existing.Banned
		g.CreatedAt = existing.CreatedAt
		if g.Name == "" {
			g.Name = existing.Name
		}
		if g.OwnerID == "" {
			g.OwnerID = existing.OwnerID
		}
	}

	err := c.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{"name", "owner_id", "active", "updated_at"},
					),
				},
			).Create(&g).Error
		},
	)
	if err != nil {
		return Guild{}, fmt.Errorf("%w: %w", ErrTransientIO, err)
	}

	c.logger.InfoContext(ctx, "guild updated", "guild", &g)
	cached := g
	c.guilds[g.ID] = &cached
	return g, nil
}

// Deactivate marks the guild as inactive, after the bot has left it
func (c *GuildCache) Deactivate(ctx context.Context, guildID string) error {
	return c.update(ctx, guildID, "active", false)
}

// SetBanned sets the guild's banned flag
func (c *GuildCache) SetBanned(
	ctx context.Context,
	guildID string,
	banned bool,
) error {
	return c.update(ctx, guildID, "banned", banned)
}

func (c *GuildCache) update(
	ctx context.Context,
	guildID string,
	column string,
	value bool,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.guilds[guildID]
	if !ok {
		var dbGuild Guild
		err := c.db.DB().WithContext(ctx).Where("id = ?", guildID).First(&dbGuild).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %w", ErrTransientIO, err)
		}
		g = &dbGuild
	}

	updated := *g
	if _, err := c.db.Update(ctx, &updated, column, value); err != nil {
		return fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	switch column {
	case "active":
		updated.Active = value
	case "banned":
		updated.Banned = value
	}
	c.guilds[guildID] = &updated
	return nil
}
