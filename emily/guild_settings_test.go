package emily

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildSettings_Defaults(t *testing.T) {
	s := newGuildSettings(newTestDBI(t), "!", nil)

	assert.Equal(t, "!", s.Get("g1", SettingCommandPrefix))
	assert.Equal(t, "general", s.Get("g1", SettingBotChannel))
	assert.Equal(t, "all", s.Get("g1", SettingBotListen))
	assert.Equal(t, "en", s.Get("g1", SettingBotLanguage))
	assert.Equal(t, 10, s.GetInt("g1", SettingMusicVolume))
	assert.False(t, s.GetBool("g1", SettingHelpInPM))
	assert.True(t, s.GetBool("g1", SettingMusicClearAdminOnly))
	assert.Equal(t, "", s.Get("g1", "no_such_setting"))

	keys := s.Keys(false)
	assert.NotContains(t, keys, SettingBotUpdateWarning)
	assert.Contains(t, s.Keys(true), SettingBotUpdateWarning)
	assert.IsIncreasing(t, keys)

	assert.Equal(t, []string{"bot", "channel", "music"}, s.Tags())

	def, ok := s.Definition("MUSIC_VOLUME")
	require.True(t, ok)
	assert.Equal(t, "10", def.Default)
}

func TestGuildSettings_Set(t *testing.T) {
	ctx := context.Background()
	s := newGuildSettings(newTestDBI(t), "!", nil)

	var changed []string
	s.onChange = func(guildID string) {
		changed = append(changed, guildID)
	}

	testCases := []struct {
		key      string
		value    string
		expected string
	}{
		{SettingCommandPrefix, "$", "$"},
		{SettingHelpInPM, "Yes", "true"},
		{SettingBotListen, "MINE", "mine"},
		{SettingBotChannel, "#bots", "bots"},
		{SettingBotChannel, "<#123456789012345678>", "123456789012345678"},
		{SettingBotLanguage, "en-US", "en"},
		{SettingMusicVolume, "55", "55"},
		{"Music_Playing_Message", "clear", "clear"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.key+"="+tc.value, func(t *testing.T) {
				v, err := s.Set(ctx, "g1", tc.key, tc.value)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, v)
				assert.Equal(t, tc.expected, s.Get("g1", strings.ToLower(tc.key)))
			},
		)
	}

	assert.Len(t, changed, len(testCases))
	assert.Equal(t, "!", s.Get("g2", SettingCommandPrefix))
	assert.Equal(t, "<#123456789012345678>", s.DisplayValue("g1", SettingBotChannel))
	assert.Equal(t, "55", s.DisplayValue("g1", SettingMusicVolume))
}

func TestGuildSettings_SetInvalid(t *testing.T) {
	ctx := context.Background()
	s := newGuildSettings(newTestDBI(t), "!", nil)

	_, err := s.Set(ctx, "g1", "nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	invalid := map[string]string{
		SettingCommandPrefix: "toolong",
		SettingHelpInPM:      "maybe",
		SettingBotListen:     "some",
		SettingMusicVolume:   "101",
		SettingBotLanguage:   "klingon",
	}
	for key, value := range invalid {
		_, err = s.Set(ctx, "g1", key, value)
		assert.ErrorIsf(t, err, ErrInvalidUsage, "%s=%s", key, value)

		var re *ReplyError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, tmplConfigKeyInvalid, re.Key)
	}

	_, err = s.Set(ctx, "g1", SettingCommandPrefix, "a b")
	assert.ErrorIs(t, err, ErrInvalidUsage)

	assert.Equal(t, "!", s.Get("g1", SettingCommandPrefix))
}

func TestGuildSettings_Reset(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	s := newGuildSettings(db, "!", nil)

	_, err := s.Set(ctx, "g1", SettingCommandPrefix, "?")
	require.NoError(t, err)
	_, err = s.Set(ctx, "g1", SettingMusicVolume, "20")
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "g1", SettingCommandPrefix))
	assert.Equal(t, "!", s.Get("g1", SettingCommandPrefix))
	assert.Equal(t, "20", s.Get("g1", SettingMusicVolume))

	assert.ErrorIs(t, s.Reset(ctx, "g1", "nope"), ErrNotFound)

	values := s.Settings("g1", false)
	for _, v := range values {
		assert.Equalf(t, v.Key == SettingMusicVolume, v.Modified, "%s modified", v.Key)
	}

	require.NoError(t, s.ResetAll(ctx, "g1"))
	assert.Equal(t, "10", s.Get("g1", SettingMusicVolume))

	var count int64
	require.NoError(t, db.DB().Model(&GuildSetting{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestGuildSettings_LoadAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDBI(t)
	s := newGuildSettings(db, "!", nil)

	_, err := s.Set(ctx, "g1", SettingBotChannel, "bots")
	require.NoError(t, err)
	_, err = s.Set(ctx, "g2", SettingHelpInPM, "true")
	require.NoError(t, err)
	_, err = db.Create(ctx, &GuildSetting{GuildID: "g1", Name: "obsolete", Value: "x"})
	require.NoError(t, err)

	fresh := newGuildSettings(db, "!", nil)
	require.NoError(t, fresh.LoadAll(ctx))
	assert.Equal(t, "bots", fresh.Get("g1", SettingBotChannel))
	assert.True(t, fresh.GetBool("g2", SettingHelpInPM))
	assert.Equal(t, "", fresh.Get("g1", "obsolete"))

	require.NoError(
		t,
		db.DB().Model(&GuildSetting{}).
			Where("guild_id = ? AND name = ?", "g1", SettingBotChannel).
			Update("value", "spam").Error,
	)
	assert.Equal(t, "bots", fresh.Get("g1", SettingBotChannel))
	require.NoError(t, fresh.Reload(ctx, "g1"))
	assert.Equal(t, "spam", fresh.Get("g1", SettingBotChannel))
}
