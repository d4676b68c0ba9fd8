package emily

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistResolver_Precedence(t *testing.T) {
	ctx := context.Background()
	b := newBlacklistResolver(newTestDBI(t), nil)

	const (
		guildID = "g1"
		chan1   = "c1"
		chan2   = "c2"
	)

	assert.False(t, b.IsBlacklisted(guildID, "ping", chan1))

	// guild-wide all-commands disables everything
	require.NoError(t, b.InsertOrUpdate(ctx, guildID, AllCommands, GuildWideChannel, true))
	assert.True(t, b.IsBlacklisted(guildID, "ping", chan1))
	assert.True(t, b.IsBlacklisted(guildID, "music", chan2))

	// a guild-wide command override beats guild-wide all-commands
	require.NoError(t, b.InsertOrUpdate(ctx, guildID, "ping", "", false))
	assert.False(t, b.IsBlacklisted(guildID, "ping", chan1))
	assert.True(t, b.IsBlacklisted(guildID, "music", chan1))

	// channel all-commands beats guild-wide command override
	require.NoError(t, b.InsertOrUpdate(ctx, guildID, AllCommands, chan1, true))
	assert.True(t, b.IsBlacklisted(guildID, "ping", chan1))
	assert.False(t, b.IsBlacklisted(guildID, "ping", chan2))

	// channel command override beats everything
	require.NoError(t, b.InsertOrUpdate(ctx, guildID, "ping", chan1, false))
	assert.False(t, b.IsBlacklisted(guildID, "ping", chan1))
	assert.True(t, b.IsBlacklisted(guildID, "music", chan1))

	// other guilds aren't affected
	assert.False(t, b.IsBlacklisted("g2", "music", chan1))
}

func TestBlacklistResolver_UpdateExisting(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	b := newBlacklistResolver(db, nil)

	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "c1", true))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "c1", false))

	var rows []BlacklistCommand
	require.NoError(t, db.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Blacklisted)
	assert.False(t, b.IsBlacklisted("g1", "ping", "c1"))
}

func TestBlacklistResolver_Deletes(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	b := newBlacklistResolver(db, nil)

	var changed []string
	b.onChange = func(guildID string) {
		changed = append(changed, guildID)
	}

	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", GuildWideChannel, true))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "c1", false))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "help", "c1", true))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "help", "c2", true))
	require.Len(t, b.Entries("g1"), 4)

	require.NoError(t, b.Delete(ctx, "g1", "help", "c2"))
	assert.False(t, b.IsBlacklisted("g1", "help", "c2"))
	assert.Len(t, b.Entries("g1"), 3)

	require.NoError(t, b.DeleteOverridesInChannel(ctx, "g1", "c1"))
	assert.True(t, b.IsBlacklisted("g1", "ping", "c1"))
	assert.False(t, b.IsBlacklisted("g1", "help", "c1"))
	entries := b.Entries("g1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsGuildWide())

	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "help", "c3", true))
	require.NoError(t, b.DeleteAllOverrides(ctx, "g1"))
	entries = b.Entries("g1")
	require.Len(t, entries, 1)
	assert.Equal(t, "ping", entries[0].Command)

	require.NoError(t, b.DeleteGuild(ctx, "g1"))
	assert.Empty(t, b.Entries("g1"))
	assert.False(t, b.IsBlacklisted("g1", "ping", "c1"))

	var count int64
	require.NoError(t, db.DB().Model(&BlacklistCommand{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	assert.NotEmpty(t, changed)
	for _, g := range changed {
		assert.Equal(t, "g1", g)
	}
}

func TestBlacklistResolver_LoadAndReload(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)

	writer := newBlacklistResolver(db, nil)
	require.NoError(t, writer.InsertOrUpdate(ctx, "g1", "ping", "c1", true))
	require.NoError(t, writer.InsertOrUpdate(ctx, "g2", AllCommands, "", true))

	reader := newBlacklistResolver(db, nil)
	require.NoError(t, reader.LoadAll(ctx))
	assert.True(t, reader.IsBlacklisted("g1", "ping", "c1"))
	assert.True(t, reader.IsBlacklisted("g2", "help", "c9"))

	require.NoError(t, writer.DeleteGuild(ctx, "g1"))
	assert.True(t, reader.IsBlacklisted("g1", "ping", "c1"))
	require.NoError(t, reader.Reload(ctx, "g1"))
	assert.False(t, reader.IsBlacklisted("g1", "ping", "c1"))
}

func TestBlacklistResolver_EntriesSorted(t *testing.T) {
	ctx := context.Background()
	b := newBlacklistResolver(newTestDBI(t), nil)

	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "c2", true))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "c1", true))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", "", false))
	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "help", "c1", true))

	entries := b.Entries("g1")
	require.Len(t, entries, 4)
	assert.Equal(t, "help", entries[0].Command)
	assert.Equal(t, "ping", entries[1].Command)
	assert.True(t, entries[1].IsGuildWide())
	assert.Equal(t, "c1", entries[2].ChannelID)
	assert.Equal(t, "c2", entries[3].ChannelID)
}

func TestBlacklistResolver_FailedWriteKeepsCache(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	b := newBlacklistResolver(db, nil)

	require.NoError(t, b.InsertOrUpdate(ctx, "g1", "ping", GuildWideChannel, true))
	require.NoError(t, db.DB().Migrator().DropTable(&BlacklistCommand{}))

	err := b.InsertOrUpdate(ctx, "g1", "ping", GuildWideChannel, false)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.True(t, b.IsBlacklisted("g1", "ping", "c1"))

	err = b.InsertOrUpdate(ctx, "g1", "music", "c1", true)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.False(t, b.IsBlacklisted("g1", "music", "c1"))

	assert.ErrorIs(t, b.DeleteGuild(ctx, "g1"), ErrTransientIO)
	assert.Len(t, b.Entries("g1"), 1)
}
