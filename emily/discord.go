package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session, and provides the Discord
// operations used by commands and the outbox.
type Discord struct {
	session         DiscordSessionHandler
	config          *DiscordConfig
	logger          *slog.Logger
	e               *Emily
	connected       atomic.Bool
	connects        atomic.Int64
	disconnects     atomic.Int64
	handlerRemovers []func()

	mu        sync.RWMutex
	botUserID string
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:          config,
		handlerRemovers: []func(){},
	}
}

// newSession creates a discordgo session with state tracking enabled,
// which rank resolution and channel lookups rely on
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	s, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo: %w", err)
	}
	s.StateEnabled = true
	s.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		s.Client = d.config.httpClient
	}

	handler := &DiscordSession{
		session: s,
		logger:  d.logger.With(loggerNameKey, "discord_session"),
	}
	handler.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	return handler, nil
}

// BotUserID returns the bot's own user ID, once the gateway is ready
func (d *Discord) BotUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.botUserID
}

func (d *Discord) setBotUserID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botUserID = id
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.setBotUserID(r.User.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.connects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)

		config := d.e.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" && d.config.StartupMessage != "" {
			d.e.outbox.Push(
				context.Background(),
				&OutboundMessage{
					ChannelID: config.DiscordNotificationChannelID,
					Content:   d.config.StartupMessage,
					Priority:  true,
				},
			)
		}
		if config.DiscordCustomStatus != "" {
			if err := d.session.UpdateCustomStatus(config.DiscordCustomStatus); err != nil {
				d.logger.Error("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.disconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// send delivers an outbound message. Messages addressed to a user are
// sent via a DM channel. Reactions are added in order after the send
// succeeds, and a failed reaction doesn't fail the send.
func (d *Discord) send(ctx context.Context, m *OutboundMessage) (*discordgo.Message, error) {
	channelID := m.ChannelID
	if m.UserID != "" {
		ch, err := d.session.UserChannelCreate(m.UserID)
		if err != nil {
			return nil, fmt.Errorf("error creating DM channel: %w", err)
		}
		channelID = ch.ID
	}
	if channelID == "" {
		return nil, errors.New("message has no destination")
	}

	data := &discordgo.MessageSend{Content: m.Content}
	if m.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{m.Embed}
	}
	if m.ReplyTo != nil {
		data.Reference = m.ReplyTo
	}
	data.Content = shortenString(data.Content, discordMaxMessageLength)

	msg, err := d.session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return nil, err
	}
	logger := contextLoggerOr(ctx, d.logger)
	for _, emoji := range m.Reactions {
		if reactErr := d.session.MessageReactionAdd(msg.ChannelID, msg.ID, emoji); reactErr != nil {
			logger.WarnContext(
				ctx,
				"error adding reaction",
				"emoji", emoji,
				"message_id", msg.ID,
				tint.Err(reactErr),
			)
		}
	}
	return msg, nil
}

// edit replaces the content and embed of a message the bot sent
func (d *Discord) edit(
	channelID string,
	messageID string,
	content string,
	embed *discordgo.MessageEmbed,
) error {
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(content)
	if embed != nil {
		edit = edit.SetEmbeds([]*discordgo.MessageEmbed{embed})
	}
	_, err := d.session.ChannelMessageEditComplex(edit)
	return err
}

// removeUserReaction removes a user's reaction, so the same button can
// be pressed again. Failures are only logged, as the bot may lack the
// manage messages permission.
func (d *Discord) removeUserReaction(
	ctx context.Context,
	r *discordgo.MessageReaction,
) {
	if r.GuildID == "" {
		return
	}
	if err := d.session.MessageReactionRemove(
		r.ChannelID,
		r.MessageID,
		r.Emoji.APIName(),
		r.UserID,
	); err != nil {
		contextLoggerOr(ctx, d.logger).DebugContext(
			ctx,
			"unable to remove reaction",
			append(reactionLogAttrs(r), tint.Err(err))...,
		)
	}
}

// canEmbed reports whether the bot may send embeds in the channel.
// Direct messages always allow embeds.
func (d *Discord) canEmbed(guildID string, channelID string) bool {
	return d.botHasPermissions(guildID, channelID, discordgo.PermissionEmbedLinks)
}

// canInteract reports whether the bot may send an embed and add the
// reactions that drive it
func (d *Discord) canInteract(guildID string, channelID string) bool {
	return d.botHasPermissions(
		guildID,
		channelID,
		discordgo.PermissionEmbedLinks|discordgo.PermissionAddReactions,
	)
}

// botHasPermissions reports whether the bot holds every bit of want in
// the channel. Outside a guild it always does.
func (d *Discord) botHasPermissions(guildID string, channelID string, want int64) bool {
	if guildID == "" {
		return true
	}
	botID := d.BotUserID()
	if botID == "" {
		return false
	}
	perms, err := d.session.UserChannelPermissions(botID, channelID)
	if err != nil {
		d.logger.Debug(
			"unable to check channel permissions",
			"channel_id", channelID,
			tint.Err(err),
		)
		return false
	}
	return perms&want == want
}

// channelMatches reports whether channelID is the channel configured by
// a channel setting, which holds either a channel ID or a channel name
func (d *Discord) channelMatches(channelID string, setting string) bool {
	if setting == "" {
		return false
	}
	if channelID == setting {
		return true
	}
	ch, err := d.session.Channel(channelID)
	if err != nil || ch == nil {
		return false
	}
	return strings.EqualFold(ch.Name, setting)
}

// DiscordSessionHandler defines the discordgo.Session methods used by
// the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message with optional embeds and
	// a message reference
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactionAdd adds a reaction as the bot user
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionRemove removes another user's reaction
	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns the existing) DM channel with
	// a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UserChannelPermissions returns the user's permissions in a channel
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)

	// Guild returns a guild, from state if available
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// Channel returns a channel, from state if available
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// UserVoiceState returns the user's current voice state in a guild
	UserVoiceState(guildID string, userID string) (*discordgo.VoiceState, error)

	// JoinVoice connects the bot to a voice channel
	JoinVoice(guildID string, channelID string) error

	// LeaveVoice disconnects the bot from the guild's voice channel
	LeaveVoice(guildID string) error

	// HeartbeatLatency is the gateway heartbeat round trip time
	HeartbeatLatency() time.Duration

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetLogLevel changes which discordgo messages reach the logger
	SetLogLevel(lvl slog.Level)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d *DiscordSession) Open() error {
	return d.session.Open()
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			"channel_id", channelID,
			tint.Err(err),
		)
		return msg, err
	}
	d.logger.Debug("sent message", messageLogAttrs(msg)...)
	return msg, nil
}

func (d *DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d *DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d *DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(channelID, messageID, emojiID, userID, options...)
}

func (d *DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d *DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	fetchOptions ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, fetchOptions...)
}

func (d *DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if g, err := d.session.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.session.Guild(guildID, options...)
}

func (d *DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID, options...)
}

func (d *DiscordSession) UserVoiceState(
	guildID string,
	userID string,
) (*discordgo.VoiceState, error) {
	return d.session.State.VoiceState(guildID, userID)
}

func (d *DiscordSession) JoinVoice(guildID string, channelID string) error {
	_, err := d.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		d.logger.Error(
			"error joining voice channel",
			"guild_id", guildID,
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return err
}

func (d *DiscordSession) LeaveVoice(guildID string) error {
	d.session.RLock()
	vc, ok := d.session.VoiceConnections[guildID]
	d.session.RUnlock()
	if !ok || vc == nil {
		return nil
	}
	return vc.Disconnect()
}

func (d *DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d *DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

// messageAuthor returns the author of a message, which may be on the
// message itself or its member
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}
