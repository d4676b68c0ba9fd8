package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Reply is the outcome of dispatching a message. Content is empty when
// nothing should be sent: the message wasn't a command, the command is
// disabled, or the command sent its own response.
type Reply struct {
	// Command is the canonical name of the resolved command, if any
	Command string
	Content string
}

// Dispatcher turns incoming messages into command executions
type Dispatcher struct {
	registry  *Registry
	blacklist *BlacklistResolver
	ranks     *RankResolver
	settings  *GuildSettings
	users     *UserCache
	guilds    *GuildCache
	templates *Templates
	logger    *slog.Logger

	isPaused       func() bool
	isBotAdmin     func(userID string) bool
	botUserID      func() string
	channelMatches func(channelID string, setting string) bool

	metricDispatched atomic.Int64
	metricFailed     atomic.Int64
}

// Dispatch parses a message and, if it's a command the author may use
// in this channel, runs it.
//
// The returned error is non-nil when a resolved command didn't run
// successfully (including permission denials and recovered panics).
// In that case, Reply.Content holds the rendered error template.
func (d *Dispatcher) Dispatch(ctx context.Context, m *discordgo.Message) (Reply, error) {
	author := messageAuthor(m)
	if author == nil || author.Bot {
		return Reply{}, nil
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return Reply{}, nil
	}
	if d.users != nil && d.users.IsBanned(author.ID) {
		return Reply{}, nil
	}
	if m.GuildID != "" && d.guilds != nil && d.guilds.IsBanned(m.GuildID) {
		return Reply{}, nil
	}

	isBotAdmin := d.isBotAdmin != nil && d.isBotAdmin(author.ID)
	if d.isPaused != nil && d.isPaused() && !isBotAdmin {
		return Reply{}, nil
	}

	prefix := d.settings.Get(m.GuildID, SettingCommandPrefix)
	var botID string
	if d.botUserID != nil {
		botID = d.botUserID()
	}
	body, mentioned := stripBotMention(content, botID)
	if !mentioned {
		if prefix == "" || !strings.HasPrefix(content, prefix) {
			return Reply{}, nil
		}
		body = strings.TrimSpace(content[len(prefix):])
	}

	if m.GuildID != "" && !mentioned &&
		d.settings.Get(m.GuildID, SettingBotListen) == botListenMine &&
		!d.inBotChannel(m.GuildID, m.ChannelID) {
		return Reply{}, nil
	}

	tokens := tokenizeArgs(body)
	if len(tokens) == 0 {
		return Reply{}, nil
	}

	logger := contextLoggerOr(ctx, d.logger).With(
		slog.Group("message", messageLogAttrs(m)...),
	)
	ctx = WithLogger(ctx, logger)

	cmd, ok := d.registry.Resolve(tokens[0])
	if !ok {
		if m.GuildID != "" && d.settings.GetBool(m.GuildID, SettingShowUnknownCommands) {
			return Reply{Content: d.templates.Get(tmplUnknownCommandSuggestion, prefix)}, nil
		}
		return Reply{}, nil
	}

	reply := Reply{Command: cmd.Name()}
	logger = logger.With("command", cmd.Name())
	ctx = WithLogger(ctx, logger)

	if m.GuildID != "" && cmd.CanBeDisabled() &&
		d.blacklist.IsBlacklisted(m.GuildID, cmd.Name(), m.ChannelID) {
		logger.DebugContext(ctx, "command is disabled here")
		return reply, nil
	}

	rank := d.ranks.Resolve(ctx, author, m.GuildID, m.ChannelID)
	if !rank.IsAtLeast(cmd.Category().MinRank) {
		logger.InfoContext(
			ctx,
			"permission denied",
			"rank", rank.String(),
			"required", cmd.Category().MinRank.String(),
		)
		denied := replyError(ErrPermissionDenied, tmplNoPermission)
		reply.Content = d.templates.Render(denied)
		return reply, denied
	}

	if d.users != nil {
		if _, _, err := d.users.GetOrCreate(ctx, *author); err != nil {
			logger.WarnContext(ctx, "error saving user", tint.Err(err))
		}
	}

	req := &CommandRequest{
		Message:   m,
		Author:    author,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Prefix:    prefix,
		Invoked:   strings.ToLower(tokens[0]),
		Args:      tokens[1:],
		Rank:      rank,
	}

	d.metricDispatched.Add(1)
	out, err := d.execute(ctx, cmd, req)
	if err != nil {
		d.metricFailed.Add(1)
		var re *ReplyError
		if errors.As(err, &re) {
			logger.InfoContext(ctx, "command returned an error reply", tint.Err(err))
			reply.Content = d.templates.Render(re)
		} else {
			logger.ErrorContext(ctx, "command failed", tint.Err(err), "args", req.Args)
			reply.Content = d.templates.Get(tmplCommandError)
		}
		return reply, err
	}
	reply.Content = out
	return reply, nil
}

// execute runs the command, converting a panic into an error wrapping
// ErrInternal
func (d *Dispatcher) execute(
	ctx context.Context,
	cmd Command,
	req *CommandRequest,
) (out string, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			out = ""
			err = fmt.Errorf("%w: panic in command %q: %v", ErrInternal, cmd.Name(), rc)
		}
	}()
	return cmd.Execute(ctx, req)
}

func (d *Dispatcher) inBotChannel(guildID string, channelID string) bool {
	if d.channelMatches == nil {
		return true
	}
	return d.channelMatches(channelID, d.settings.Get(guildID, SettingBotChannel))
}
