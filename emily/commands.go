package emily

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// embedColor is the sidebar color of embeds sent by the bot
const embedColor = 0x5865F2

// registerCommands adds every built-in command to the registry, and
// sets the reaction handlers for the interactive ones
func (e *Emily) registerCommands() error {
	help := newHelpCommand(e)
	cfg := newConfigCommand(e)

	commands := []Command{
		help,
		cfg,
		newCommandAdminCommand(e),
		newMusicCommand(e),
		newPingCommand(e),
		newBotStatusCommand(e),
		newRestartCommand(e),
		newPauseCommand(e),
		newResumeCommand(e),
		newReloadCommand(e),
	}

	var errs []error
	for _, cmd := range commands {
		if err := e.registry.Register(cmd); err != nil {
			errs = append(errs, fmt.Errorf("error registering %q: %w", cmd.Name(), err))
		}
	}

	e.listeners.SetHandler(listenerKindHelp, help)
	e.listeners.SetHandler(listenerKindConfig, cfg)
	return errors.Join(errs...)
}

// sendInteractive queues a message whose reactions drive a listener.
// The listener is only registered once Discord acknowledges the
// message, so it's always bound to a real message ID.
func (e *Emily) sendInteractive(
	ctx context.Context,
	m *OutboundMessage,
	l *ReactionListener,
) {
	logger := contextLoggerOr(ctx, e.logger)
	m.Reactions = l.Emojis()
	m.OnSent = func(msg *discordgo.Message) {
		if err := e.listeners.Add(l, msg); err != nil {
			logger.ErrorContext(ctx, "error adding reaction listener", tint.Err(err))
		}
	}
	e.outbox.Push(ctx, m)
}

// reply queues a plain message to the channel a command was sent in
func (e *Emily) reply(ctx context.Context, req *CommandRequest, content string) {
	e.outbox.Push(
		ctx,
		&OutboundMessage{
			ChannelID: req.ChannelID,
			Content:   content,
		},
	)
}

// pingCommand reports the gateway latency
type pingCommand struct {
	commandInfo
	e *Emily
}

func newPingCommand(e *Emily) *pingCommand {
	return &pingCommand{
		commandInfo: commandInfo{
			name:        "ping",
			description: "Checks if the bot is alive, and shows the gateway latency.",
			usage:       []string{"ping"},
			category:    CategoryInformative,
		},
		e: e,
	}
}

func (c *pingCommand) Execute(_ context.Context, _ *CommandRequest) (string, error) {
	latency := "unknown"
	if session := c.e.discord.session; session != nil {
		latency = session.HeartbeatLatency().Round(time.Millisecond).String()
	}
	return c.e.templates.Get(tmplPing, latency), nil
}

// pauseCommand stops the bot from handling commands from anyone but
// bot admins
type pauseCommand struct {
	commandInfo
	e *Emily
}

func newPauseCommand(e *Emily) *pauseCommand {
	return &pauseCommand{
		commandInfo: commandInfo{
			name:        "pause",
			description: "Stops handling commands from everyone except bot admins, until resumed.",
			usage:       []string{"pause"},
			category:    CategoryBotAdministration,
			permanent:   true,
		},
		e: e,
	}
}

func (c *pauseCommand) Execute(ctx context.Context, _ *CommandRequest) (string, error) {
	if _, err := c.e.Pause(ctx); err != nil {
		return "", ioError(err, tmplWriteFailed)
	}
	return c.e.templates.Get(tmplBotPaused), nil
}

type resumeCommand struct {
	commandInfo
	e *Emily
}

func newResumeCommand(e *Emily) *resumeCommand {
	return &resumeCommand{
		commandInfo: commandInfo{
			name:        "resume",
			aliases:     []string{"unpause"},
			description: "Resumes handling commands after a pause.",
			usage:       []string{"resume"},
			category:    CategoryBotAdministration,
			permanent:   true,
		},
		e: e,
	}
}

func (c *resumeCommand) Execute(ctx context.Context, _ *CommandRequest) (string, error) {
	if _, err := c.e.Resume(ctx); err != nil {
		return "", ioError(err, tmplWriteFailed)
	}
	return c.e.templates.Get(tmplBotResumed), nil
}

// restartCommand shuts the bot down gracefully. The process supervisor
// is expected to start it again.
type restartCommand struct {
	commandInfo
	e *Emily
}

func newRestartCommand(e *Emily) *restartCommand {
	return &restartCommand{
		commandInfo: commandInfo{
			name:        "restart",
			aliases:     []string{"reboot"},
			description: "Shuts the bot down gracefully, so it can be restarted.",
			usage:       []string{"restart"},
			category:    CategoryBotAdministration,
			permanent:   true,
		},
		e: e,
	}
}

func (c *restartCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	logger := contextLoggerOr(ctx, c.e.logger)
	logger.WarnContext(ctx, "restart requested", "user_id", req.Author.ID)

	// the goodbye is sent before the stop signal, as queued messages
	// are discarded on shutdown
	c.e.outbox.Push(
		ctx,
		&OutboundMessage{
			ChannelID: req.ChannelID,
			Content:   c.e.templates.Get(tmplBotRestarting),
			Priority:  true,
			OnSent: func(*discordgo.Message) {
				c.e.stopAll(ctx)
			},
			OnError: func(err error) {
				logger.WarnContext(ctx, "unable to send restart notice", tint.Err(err))
				c.e.stopAll(ctx)
			},
		},
	)
	return "", nil
}

// stopAll stops this instance, and asks any other instances sharing
// the database to stop
func (e *Emily) stopAll(ctx context.Context) {
	if e.dbNotifier != nil {
		if !e.dbNotifier.Stop(ctx) {
			e.logger.WarnContext(ctx, "unable to notify other instances to stop")
		}
	}
	e.Stop()
}

// reloadCommand reloads the caches and runtime config from the database
type reloadCommand struct {
	commandInfo
	e *Emily
}

func newReloadCommand(e *Emily) *reloadCommand {
	return &reloadCommand{
		commandInfo: commandInfo{
			name:        "reload",
			description: "Reloads settings, overrides and the runtime config from the database.",
			usage:       []string{"reload"},
			category:    CategoryBotAdministration,
			permanent:   true,
		},
		e: e,
	}
}

func (c *reloadCommand) Execute(ctx context.Context, _ *CommandRequest) (string, error) {
	if err := c.e.Reload(ctx); err != nil {
		return "", ioError(err, tmplWriteFailed)
	}
	return c.e.templates.Get(tmplReloadDone), nil
}

func commandNames(cmds []Command) []string {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name())
	}
	return names
}

// prefixed prepends the prefix to each name
func prefixed(prefix string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = prefix + n
	}
	return out
}

// stripPrefix removes a leading prefix from a command name argument,
// so `help $config` works the same as `help config`
func stripPrefix(prefix string, s string) string {
	if prefix != "" {
		s = strings.TrimPrefix(s, prefix)
	}
	return s
}
