package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// User is a discord user emily has seen run a command
//
//nolint:lll // struct tags can't be split
type User struct {
	ID         string `json:"id" gorm:"primaryKey;type:string"`
	Username   string `json:"username" gorm:"type:string"`
	GlobalName string `json:"global_name" gorm:"type:string"`
	Bot        bool   `json:"bot" gorm:"type:bool"`

	// Messages from banned users are dropped before dispatch
	Banned bool `json:"banned" gorm:"type:bool;default:false;index"`

	// Unix millis of the user's latest command
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	Timestamps
}

func userFromDiscord(u discordgo.User, seen time.Time) *User {
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   seen.UnixMilli(),
	}
}

func (u *User) String() string {
	return u.Username + " [" + u.ID + "]"
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("banned", u.Banned),
	)
}

// syncProfile copies the discord names onto u, returning the changed
// columns
func (u *User) syncProfile(d discordgo.User) map[string]any {
	changed := map[string]any{}
	if u.Username != d.Username {
		u.Username = d.Username
		changed["username"] = d.Username
	}
	if u.GlobalName != d.GlobalName {
		u.GlobalName = d.GlobalName
		changed["global_name"] = d.GlobalName
	}
	return changed
}

// UserCache keeps every known User in memory, keyed by ID. Callers
// always get copies.
type UserCache struct {
	db     DBI
	mu     sync.RWMutex
	users  map[string]*User
	logger *slog.Logger
	now    func() time.Time
}

func newUserCache(db DBI, logger *slog.Logger) *UserCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserCache{
		db:     db,
		users:  map[string]*User{},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the cache with the users table
func (c *UserCache) Load(ctx context.Context) error {
	var rows []User
	if err := c.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: error loading users: %w", ErrTransientIO, err)
	}

	users := make(map[string]*User, len(rows))
	for i := range rows {
		users[rows[i].ID] = &rows[i]
	}

	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	return nil
}

func (c *UserCache) Get(userID string) *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if u, ok := c.users[userID]; ok {
		cp := *u
		return &cp
	}
	return nil
}

func (c *UserCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

func (c *UserCache) IsBanned(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	return ok && u.Banned
}

// GetOrCreate records that u ran a command. Unknown users are inserted.
// Known users get LastSeen bumped and any profile changes saved, and a
// failure there is logged rather than returned. created reports an
// insert.
func (c *UserCache) GetOrCreate(ctx context.Context, u discordgo.User) (user *User, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := contextLoggerOr(ctx, c.logger)
	seen := c.now()

	cached, ok := c.users[u.ID]
	if !ok {
		cached = userFromDiscord(u, seen)
		if _, err = c.db.Create(ctx, cached); err != nil {
			logger.ErrorContext(ctx, "error creating user", "user", cached, tint.Err(err))
			return nil, true, fmt.Errorf("%w: %w", ErrTransientIO, err)
		}
		logger.InfoContext(ctx, "created user", "user", cached)
		c.users[u.ID] = cached
		cp := *cached
		return &cp, true, nil
	}

	previous := *cached
	updates := cached.syncProfile(u)
	if len(updates) > 0 {
		logger.InfoContext(
			ctx,
			"user profile changed",
			slog.Group("old", "username", previous.Username, "global_name", previous.GlobalName),
			slog.Group("new", "username", u.Username, "global_name", u.GlobalName),
		)
	}
	cached.LastSeen = seen.UnixMilli()
	updates["last_seen"] = cached.LastSeen

	if _, err = c.db.Updates(ctx, cached, updates); err != nil {
		logger.ErrorContext(ctx, "error updating user", "user", cached, tint.Err(err))
	}
	cp := *cached
	return &cp, false, nil
}

// Reload re-reads one user. A user missing from the database is dropped
// from the cache and ErrNotFound returned.
func (c *UserCache) Reload(ctx context.Context, userID string) (*User, error) {
	var user User
	err := c.db.DB().WithContext(ctx).Where("id = ?", userID).Take(&user).Error

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		delete(c.users, userID)
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	c.users[userID] = &user
	cp := user
	return &cp, nil
}

// SetBanned bans or unbans userID, inserting a bare record for users
// never seen before. The cache changes only once the write succeeds.
func (c *UserCache) SetBanned(ctx context.Context, userID string, banned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users[userID]
	if !ok {
		user = &User{ID: userID, Banned: banned}
		if _, err := c.db.Create(ctx, user); err != nil {
			return fmt.Errorf("%w: %w", ErrTransientIO, err)
		}
		c.users[userID] = user
		return nil
	}

	if _, err := c.db.Update(ctx, user, "banned", banned); err != nil {
		return fmt.Errorf("%w: %w", ErrTransientIO, err)
	}
	user.Banned = banned
	return nil
}
