package emily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default().With("fallback", true)
	assert.Equal(t, fallback, contextLoggerOr(ctx, fallback))
	assert.Equal(t, slog.Default(), contextLoggerOr(ctx, nil))

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, logger, found)
	assert.Equal(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"

	rendered := structToSlogValue(cfg.Discord).String()
	assert.NotContains(t, rendered, "super-secret")
	assert.Contains(t, rendered, "[redacted]")

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*DiscordConfig)(nil)))
	assert.Equal(t, int64(3), structToSlogValue(3).Int64())
}

func TestDBLogLevel(t *testing.T) {
	var l DBLogLevel
	require.NoError(t, l.Set("warning"))
	assert.Equal(t, DBLogLevelWarn, l)
	assert.Equal(t, slog.LevelWarn, l.Level())

	assert.ErrorIs(t, l.Set("loud"), errUnknownLogLevel)
	assert.Equal(t, DBLogLevelWarn, l)
	assert.Equal(t, slog.LevelInfo, DBLogLevel("LOUD").Level())

	require.NoError(t, l.Scan([]byte("debug")))
	assert.Equal(t, DBLogLevelDebug, l)
	assert.Error(t, l.Scan(42))

	data, err := json.Marshal(DBLogLevelError)
	require.NoError(t, err)
	assert.JSONEq(t, `"ERROR"`, string(data))
	require.NoError(t, json.Unmarshal([]byte(`"info"`), &l))
	assert.Equal(t, DBLogLevelInfo, l)
}

func TestDiscordgoSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, discordgoSlogLevel(discordgo.LogDebug))
	assert.Equal(t, slog.LevelWarn, discordgoSlogLevel(discordgo.LogWarning))
	assert.Equal(t, slog.LevelError, discordgoSlogLevel(discordgo.LogError))
	assert.Equal(t, slog.LevelInfo, discordgoSlogLevel(discordgo.LogInformational))
	assert.Equal(t, slog.LevelInfo, discordgoSlogLevel(99))

	for lvl, expected := range map[slog.Level]int{
		slog.LevelDebug - 4: discordgo.LogDebug,
		slog.LevelDebug:     discordgo.LogDebug,
		slog.LevelInfo:      discordgo.LogInformational,
		slog.LevelWarn:      discordgo.LogWarning,
		slog.LevelError:     discordgo.LogError,
		slog.LevelError + 4: discordgo.LogError,
	} {
		assert.Equal(t, expected, discordgoLogLevel(lvl), lvl.String())
	}
}

func TestGORMLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	g := newGORMLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), time.Second)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	g.Trace(ctx, time.Now(), stmt, nil)
	assert.Contains(t, buf.String(), "sql completed")

	buf.Reset()
	g.Trace(ctx, time.Now().Add(-2*time.Second), stmt, nil)
	assert.Contains(t, buf.String(), "slow sql")

	buf.Reset()
	g.Trace(ctx, time.Now(), stmt, errors.New("boom"))
	assert.Contains(t, buf.String(), "sql error")

	buf.Reset()
	g.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Contains(t, buf.String(), "sql completed")
}
