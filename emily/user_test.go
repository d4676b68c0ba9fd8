package emily

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserCache_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	cache := newUserCache(db, nil)

	u, created, err := cache.GetOrCreate(
		ctx,
		discordgo.User{ID: "u1", Username: "foo", GlobalName: "Foo"},
	)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "foo", u.Username)
	assert.NotZero(t, u.LastSeen)
	assert.Equal(t, 1, cache.Len())

	// returned values are copies
	u.Username = "mutated"
	assert.Equal(t, "foo", cache.Get("u1").Username)

	u, created, err = cache.GetOrCreate(
		ctx,
		discordgo.User{ID: "u1", Username: "bar", GlobalName: "Bar"},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "bar", u.Username)
	assert.Equal(t, "Bar", u.GlobalName)

	var stored User
	require.NoError(t, db.DB().First(&stored, "id = ?", "u1").Error)
	assert.Equal(t, "bar", stored.Username)
	assert.Equal(t, "Bar", stored.GlobalName)

	assert.Nil(t, cache.Get("nobody"))
	assert.Equal(t, "bar [u1]", u.String())
}

func TestUserCache_LoadAndReload(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)

	_, err := db.Create(ctx, &User{ID: "u1", Username: "one"})
	require.NoError(t, err)
	_, err = db.Create(ctx, &User{ID: "u2", Username: "two", Banned: true})
	require.NoError(t, err)

	cache := newUserCache(db, nil)
	require.NoError(t, cache.Load(ctx))
	assert.Equal(t, 2, cache.Len())
	assert.True(t, cache.IsBanned("u2"))
	assert.False(t, cache.IsBanned("u1"))
	assert.False(t, cache.IsBanned("u3"))

	require.NoError(
		t,
		db.DB().Model(&User{}).Where("id = ?", "u1").Update("username", "uno").Error,
	)
	assert.Equal(t, "one", cache.Get("u1").Username)

	u, err := cache.Reload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "uno", u.Username)
	assert.Equal(t, "uno", cache.Get("u1").Username)

	require.NoError(t, db.DB().Where("id = ?", "u1").Delete(&User{}).Error)
	_, err = cache.Reload(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, cache.Get("u1"))
}

func TestUserCache_SetBanned(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	cache := newUserCache(db, nil)

	require.NoError(t, cache.SetBanned(ctx, "u1", true))
	assert.True(t, cache.IsBanned("u1"))

	_, _, err := cache.GetOrCreate(ctx, discordgo.User{ID: "u2", Username: "two"})
	require.NoError(t, err)
	require.NoError(t, cache.SetBanned(ctx, "u2", true))
	assert.True(t, cache.IsBanned("u2"))
	require.NoError(t, cache.SetBanned(ctx, "u2", false))
	assert.False(t, cache.IsBanned("u2"))

	fresh := newUserCache(db, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.True(t, fresh.IsBanned("u1"))
	assert.False(t, fresh.IsBanned("u2"))
}

func TestGuildCache(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	cache := newGuildCache(db, nil)

	g, err := cache.Upsert(ctx, &discordgo.Guild{ID: "g2", Name: "two", OwnerID: "o2"})
	require.NoError(t, err)
	assert.True(t, g.Active)
	_, err = cache.Upsert(ctx, &discordgo.Guild{ID: "g1", Name: "one"})
	require.NoError(t, err)

	guilds := cache.List()
	require.Len(t, guilds, 2)
	assert.Equal(t, "g1", guilds[0].ID)
	assert.Equal(t, "g2", guilds[1].ID)

	require.NoError(t, cache.SetBanned(ctx, "g2", true))
	assert.True(t, cache.IsBanned("g2"))

	// a partial update (e.g. from GUILD_CREATE without details) keeps
	// the existing fields
	g, err = cache.Upsert(ctx, &discordgo.Guild{ID: "g2"})
	require.NoError(t, err)
	assert.Equal(t, "two", g.Name)
	assert.Equal(t, "o2", g.OwnerID)
	assert.True(t, g.Banned)

	require.NoError(t, cache.Deactivate(ctx, "g1"))
	g1, ok := cache.Get("g1")
	require.True(t, ok)
	assert.False(t, g1.Active)

	assert.ErrorIs(t, cache.SetBanned(ctx, "unknown", true), ErrNotFound)
	_, ok = cache.Get("unknown")
	assert.False(t, ok)

	fresh := newGuildCache(db, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.True(t, fresh.IsBanned("g2"))
	g1, ok = fresh.Get("g1")
	require.True(t, ok)
	assert.False(t, g1.Active)
}

func TestUserCache_LastSeen(t *testing.T) {
	ctx := context.Background()
	cache := newUserCache(newTestDBI(t), nil)
	start := time.Unix(1700000000, 0).UTC()
	cache.now = func() time.Time { return start }

	u, _, err := cache.GetOrCreate(ctx, discordgo.User{ID: "u1", Username: "one"})
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), u.LastSeen)

	later := start.Add(time.Hour)
	cache.now = func() time.Time { return later }
	u, created, err := cache.GetOrCreate(ctx, discordgo.User{ID: "u1", Username: "one"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, later.UnixMilli(), u.LastSeen)

	var stored User
	require.NoError(t, cache.db.DB().Take(&stored, "id = ?", "u1").Error)
	assert.Equal(t, later.UnixMilli(), stored.LastSeen)
}

func TestUser_SyncProfile(t *testing.T) {
	u := &User{ID: "u1", Username: "a", GlobalName: "A"}
	assert.Empty(t, u.syncProfile(discordgo.User{Username: "a", GlobalName: "A"}))
	assert.Equal(
		t,
		map[string]any{"global_name": "B"},
		u.syncProfile(discordgo.User{Username: "a", GlobalName: "B"}),
	)
	assert.Equal(t, "B", u.GlobalName)
}
