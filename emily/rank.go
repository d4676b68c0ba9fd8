package emily

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Rank is a user's permission level within a guild or channel. Ranks
// are ordered, so a higher rank has every permission of the lower ones.
type Rank int

const (
	RankBanned Rank = iota
	RankGuest
	RankUser
	RankGuildAdmin
	RankBotAdmin
)

var rankNames = map[Rank]string{
	RankBanned:     "banned",
	RankGuest:      "guest",
	RankUser:       "user",
	RankGuildAdmin: "guild-admin",
	RankBotAdmin:   "bot-admin",
}

func (r Rank) String() string {
	if s, ok := rankNames[r]; ok {
		return s
	}
	return "unknown"
}

// IsAtLeast reports whether r is the same as, or above, other.
// Unknown ranks never satisfy a requirement.
func (r Rank) IsAtLeast(other Rank) bool {
	if _, ok := rankNames[r]; !ok {
		return false
	}
	return r >= other
}

// ParseRank returns the Rank with the given name
func ParseRank(s string) (Rank, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range rankNames {
		if name == s {
			return r, true
		}
	}
	return RankGuest, false
}

// guildAdminPermissions grant the guild-admin rank
const guildAdminPermissions = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer

// permissionSource looks up the guild and channel permissions used to
// resolve ranks. DiscordSessionHandler satisfies it.
type permissionSource interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)
}

// RankResolver determines a user's Rank in a channel
type RankResolver struct {
	isBotAdmin func(userID string) bool
	users      *UserCache
	session    func() permissionSource
	logger     *slog.Logger
}

func newRankResolver(
	isBotAdmin func(userID string) bool,
	users *UserCache,
	session func() permissionSource,
	logger *slog.Logger,
) *RankResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RankResolver{
		isBotAdmin: isBotAdmin,
		users:      users,
		session:    session,
		logger:     logger,
	}
}

// Resolve returns the user's rank in the given guild and channel. An
// empty guildID means a direct message. If permissions can't be looked
// up, the user gets RankUser.
func (r *RankResolver) Resolve(
	ctx context.Context,
	user *discordgo.User,
	guildID string,
	channelID string,
) Rank {
	if user == nil {
		return RankGuest
	}
	if r.users != nil && r.users.IsBanned(user.ID) {
		return RankBanned
	}
	if r.isBotAdmin != nil && r.isBotAdmin(user.ID) {
		return RankBotAdmin
	}
	if user.Bot {
		return RankGuest
	}
	if guildID == "" {
		return RankUser
	}

	var session permissionSource
	if r.session != nil {
		session = r.session()
	}
	if session == nil {
		return RankUser
	}

	logger := contextLoggerOr(ctx, r.logger)

	guild, err := session.Guild(guildID)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error looking up guild",
			"guild_id", guildID,
			tint.Err(err),
		)
	} else if guild != nil && guild.OwnerID == user.ID {
		return RankGuildAdmin
	}

	perms, err := session.UserChannelPermissions(user.ID, channelID)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error looking up channel permissions",
			"user_id", user.ID,
			"channel_id", channelID,
			tint.Err(err),
		)
		return RankUser
	}
	if perms&guildAdminPermissions != 0 {
		return RankGuildAdmin
	}
	return RankUser
}
