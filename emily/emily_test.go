package emily

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEmily returns an initialized Emily backed by a temporary
// sqlite database and a mock discord session. The outbox and listener
// sweeper are running, but there's no gateway connection or API
// listener.
func newTestEmily(t testing.TB) (*Emily, *mockDiscordSession) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bot.initRun(ctx))
	bot.startedAt = time.Now()

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.discord.setBotUserID(testBotID)
	bot.discord.connected.Store(true)

	guild := &discordgo.Guild{ID: testGuildID, Name: "test guild", OwnerID: "owner"}
	session.addGuild(guild)
	session.addChannel(
		&discordgo.Channel{ID: testChannel, GuildID: testGuildID, Name: "general"},
	)
	_, err = bot.guilds.Upsert(ctx, guild)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bot.outbox.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		bot.listeners.Run(ctx, cfg.Listeners.SweepInterval)
	}()

	t.Cleanup(
		func() {
			cancel()
			wg.Wait()
			sqlDB, _ := bot.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return bot, session
}

// sendTestMessage runs a message through the bot, as if it had been
// received from the gateway
func sendTestMessage(
	t testing.TB,
	bot *Emily,
	authorID string,
	content string,
) {
	t.Helper()
	bot.handleMessage(context.Background(), newTestMessage(authorID, content))
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_RegistersCommands(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)

	for _, name := range []string{
		"help", "h", "config", "cfg", "command", "music", "ping",
		"botstatus", "restart", "pause", "resume", "unpause", "reload",
	} {
		_, ok := bot.registry.Resolve(name)
		assert.Truef(t, ok, "expected %q to be registered", name)
	}
	assert.ErrorIs(t, bot.registry.Register(newStubCommand("late")), ErrRegistryFrozen)
}

func TestInitRun_PersistsPaused(t *testing.T) {
	bot, _ := newTestEmily(t)
	ctx := context.Background()

	changed, err := bot.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, bot.Paused())

	changed, err = bot.Pause(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	restarted, err := New(bot.config)
	require.NoError(t, err)
	require.NoError(t, restarted.initRun(ctx))
	t.Cleanup(
		func() {
			sqlDB, _ := restarted.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, restarted.Paused())
	assert.True(t, restarted.pendingSetup.Load())

	_, ok := restarted.guilds.Get(testGuildID)
	assert.True(t, ok)
}

func TestHandleMessage(t *testing.T) {
	bot, session := newTestEmily(t)

	sendTestMessage(t, bot, "u1", "!ping")
	msg := waitForSent(
		t, session, func(m sentMessage) bool {
			return m.ChannelID == testChannel
		},
	)
	assert.Contains(t, msg.Data.Content, "Pong!")
	assert.Contains(t, msg.Data.Content, "42ms")

	assert.Equal(t, int64(1), bot.messagesHandled.Load())
	assert.NotNil(t, bot.users.Get("u1"))

	sendTestMessage(t, bot, "u1", "just chatting")
	assert.Equal(t, int64(1), bot.messagesHandled.Load())

	status := bot.Status()
	assert.Equal(t, int64(1), status.CommandsRun)
	assert.Equal(t, 1, status.Users)
	assert.Equal(t, 1, status.Guilds)
	assert.True(t, status.Connected)
}

func TestHandleMessage_Paused(t *testing.T) {
	bot, session := newTestEmily(t)
	ctx := context.Background()

	_, err := bot.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paused", session.Status())

	sendTestMessage(t, bot, "u1", "!ping")
	sendTestMessage(t, bot, testAdminID, "!resume")
	waitForSent(
		t, session, func(m sentMessage) bool {
			return m.Data.Content == bot.templates.Get(tmplBotResumed)
		},
	)
	assert.False(t, bot.Paused())
	assert.Equal(t, bot.RuntimeConfig().DiscordCustomStatus, session.Status())

	for _, m := range session.Sent() {
		assert.NotContains(t, m.Data.Content, "Pong!")
	}
}

func TestHandleReaction(t *testing.T) {
	bot, session := newTestEmily(t)
	ctx := context.Background()

	var handled []string
	bot.listeners.SetHandler(
		"test", ReactionHandlerFunc(
			func(_ context.Context, l *ReactionListener, action string) (bool, error) {
				handled = append(handled, action)
				return false, nil
			},
		),
	)
	l := NewReactionListener("u1", "test", time.Minute, nil)
	l.RegisterReaction(emojiNext, actionNext)
	require.NoError(
		t,
		bot.listeners.Add(
			l,
			&discordgo.Message{ID: "m1", GuildID: testGuildID, ChannelID: testChannel},
		),
	)

	bot.handleReaction(ctx, newTestReaction(testGuildID, "m1", testBotID, emojiNext))
	bot.handleReaction(ctx, newTestReaction(testGuildID, "m1", "u2", emojiNext))
	assert.Empty(t, handled)

	bot.handleReaction(ctx, newTestReaction(testGuildID, "m1", "u1", emojiNext))
	assert.Equal(t, []string{actionNext}, handled)
	assert.Equal(t, int64(1), bot.reactionsHandled.Load())
	require.Len(t, session.ReactionsRemoved(), 1)

	require.NoError(t, bot.users.SetBanned(ctx, "u1", true))
	bot.handleReaction(ctx, newTestReaction(testGuildID, "m1", "u1", emojiNext))
	assert.Len(t, handled, 1)
}

func TestHandleGuildCreateDelete(t *testing.T) {
	bot, _ := newTestEmily(t)
	ctx := context.Background()

	bot.handleGuildCreate(ctx, &discordgo.Guild{ID: "g2", Name: "other"})
	g, ok := bot.guilds.Get("g2")
	require.True(t, ok)
	assert.True(t, g.Active)

	bot.handleGuildCreate(ctx, &discordgo.Guild{ID: "g3", Unavailable: true})
	_, ok = bot.guilds.Get("g3")
	assert.False(t, ok)

	require.NoError(t, bot.blacklist.InsertOrUpdate(ctx, "g2", "ping", GuildWideChannel, true))
	require.True(t, bot.blacklist.IsBlacklisted("g2", "ping", testChannel))

	// outages don't count as leaving
	bot.handleGuildDelete(ctx, &discordgo.Guild{ID: "g2", Unavailable: true})
	g, _ = bot.guilds.Get("g2")
	assert.True(t, g.Active)

	bot.handleGuildDelete(ctx, &discordgo.Guild{ID: "g2"})
	g, _ = bot.guilds.Get("g2")
	assert.False(t, g.Active)
	assert.False(t, bot.blacklist.IsBlacklisted("g2", "ping", testChannel))
}

func TestReload(t *testing.T) {
	bot, _ := newTestEmily(t)
	ctx := context.Background()

	require.NoError(
		t,
		bot.db.Create(&GuildSetting{GuildID: testGuildID, Name: SettingCommandPrefix, Value: "?"}).Error,
	)
	require.NoError(
		t,
		bot.db.Model(&RuntimeConfig{}).
			Where("id = ?", bot.RuntimeConfig().ID).
			Update("discord_custom_status", "reloaded").Error,
	)
	assert.Equal(t, "!", bot.settings.Get(testGuildID, SettingCommandPrefix))

	require.NoError(t, bot.Reload(ctx))
	assert.Equal(t, "?", bot.settings.Get(testGuildID, SettingCommandPrefix))
	assert.Equal(t, "reloaded", bot.RuntimeConfig().DiscordCustomStatus)
}

func TestStop(t *testing.T) {
	bot, _ := newTestEmily(t)
	assert.True(t, bot.Stop())
	assert.False(t, bot.Stop())
	<-bot.signalStop
}

func TestRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.discord.setBotUserID(testBotID)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bot.api.listener = ln

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("error starting bot: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for startup")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	session.mu.Unlock()

	resp, err := http.Get("http://" + ln.Addr().String() + apiPathHealthCheck)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bot.handleMessage(ctx, newTestMessage("u1", "!ping"))
	waitForSent(
		t, session, func(m sentMessage) bool {
			return m.ChannelID == testChannel
		},
	)

	require.True(t, bot.Stop())
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for shutdown")
	}

	session.mu.Lock()
	assert.True(t, session.closed)
	session.mu.Unlock()

	_, err = http.Get("http://" + ln.Addr().String() + apiPathHealthCheck)
	assert.Error(t, err)

	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}
	sqlDB, _ := bot.db.DB()
	require.NoError(t, sqlDB.Close())
}

func TestHandleRecover(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)
	assert.NotPanics(
		t, func() {
			handleRecover(ctx, errors.New("error value"))
			handleRecover(ctx, "string value")
			handleRecover(context.Background(), 42)
		},
	)
}
