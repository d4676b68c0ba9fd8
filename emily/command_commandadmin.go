package emily

import (
	"context"
	"strings"
)

const (
	commandArgList             = "list"
	commandArgReset            = "reset"
	commandArgResetChannel     = "resetchannel"
	commandArgResetAllChannels = "resetallchannels"
	commandArgEnable           = "enable"
	commandArgDisable          = "disable"
	commandArgGuild            = "guild"

	stateDisabled = "disabled"
	stateEnabled  = "enabled"

	emojiDisabled = "⛔"
	emojiEnabled  = "👌"
)

// commandAdminCommand manages the guild's command overrides
type commandAdminCommand struct {
	commandInfo
	e *Emily
}

func newCommandAdminCommand(e *Emily) *commandAdminCommand {
	return &commandAdminCommand{
		commandInfo: commandInfo{
			name:        "command",
			aliases:     []string{"cmd", "commandadmin", "ca"},
			description: "Enable or disable commands, for the whole server or a single channel",
			usage: []string{
				"command                                    //shows the restricted commands",
				"command <command> enable [#channel|guild]  //enables a command",
				"command <command> disable [#channel|guild] //disables a command",
				"command all-commands disable #channel      //disables every command in a channel",
				"command resetchannel [#channel]            //removes the overrides of a channel",
				"command resetallchannels                   //removes every channel override",
				"command reset yesimsure                    //enables everything and removes all overrides",
			},
			category:  CategoryAdministrative,
			permanent: true,
		},
		e: e,
	}
}

func (c *commandAdminCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	if req.IsDirectMessage() {
		return "", replyError(ErrInvalidUsage, tmplNotInGuild)
	}
	if len(req.Args) == 0 || strings.ToLower(req.Args[0]) == commandArgList {
		return c.list(req.GuildID), nil
	}

	blacklist := c.e.blacklist
	switch strings.ToLower(req.Args[0]) {
	case commandArgResetChannel:
		channelID := req.ChannelID
		if len(req.Args) > 1 {
			id, err := c.channelArg(req.GuildID, req.Args[1])
			if err != nil {
				return "", err
			}
			channelID = id
		}
		if err := blacklist.DeleteOverridesInChannel(ctx, req.GuildID, channelID); err != nil {
			return "", ioError(err, tmplWriteFailed)
		}
		return c.e.templates.Get(tmplBlacklistResetChannel, channelMention(channelID)), nil
	case commandArgResetAllChannels:
		if err := blacklist.DeleteAllOverrides(ctx, req.GuildID); err != nil {
			return "", ioError(err, tmplWriteFailed)
		}
		return c.e.templates.Get(tmplBlacklistResetAll), nil
	case commandArgReset:
		if !confirmedReset(req.Args, 1) {
			return c.e.templates.Get(tmplBlacklistResetConfirm), nil
		}
		if err := blacklist.DeleteGuild(ctx, req.GuildID); err != nil {
			return "", ioError(err, tmplWriteFailed)
		}
		return c.e.templates.Get(tmplBlacklistReset), nil
	}

	if len(req.Args) < 2 {
		return "", invalidUsage()
	}

	name := strings.ToLower(stripPrefix(req.Prefix, req.Args[0]))
	if name != AllCommands {
		cmd, ok := c.e.registry.Resolve(name)
		if !ok {
			return "", replyError(ErrNotFound, tmplBlacklistNotFound, name)
		}
		if !cmd.CanBeDisabled() {
			return "", replyError(ErrInvalidUsage, tmplBlacklistNotDisableable, cmd.Name())
		}
		name = cmd.Name()
	}

	channelID := GuildWideChannel
	if len(req.Args) > 2 && strings.ToLower(req.Args[2]) != commandArgGuild {
		id, err := c.channelArg(req.GuildID, req.Args[2])
		if err != nil {
			return "", err
		}
		channelID = id
	}

	switch strings.ToLower(req.Args[1]) {
	case commandArgDisable:
		if err := blacklist.InsertOrUpdate(ctx, req.GuildID, name, channelID, true); err != nil {
			return "", ioError(err, tmplWriteFailed)
		}
		return c.e.templates.Get(tmplBlacklistDisabled, name), nil
	case commandArgEnable:
		var err error
		if channelID == GuildWideChannel {
			err = blacklist.Delete(ctx, req.GuildID, name, GuildWideChannel)
		} else {
			err = blacklist.InsertOrUpdate(ctx, req.GuildID, name, channelID, false)
		}
		if err != nil {
			return "", ioError(err, tmplWriteFailed)
		}
		return c.e.templates.Get(tmplBlacklistEnabled, name), nil
	default:
		return "", invalidUsage()
	}
}

// channelArg resolves a channel mention (or ID) to a channel in the
// guild
func (c *commandAdminCommand) channelArg(guildID string, arg string) (string, error) {
	id := mentionToID(arg)
	if id == "" || strings.HasPrefix(arg, "<@") {
		return "", replyError(ErrNotFound, tmplBlacklistUnknownChannel)
	}
	session := c.e.discord.session
	if session == nil {
		return "", replyError(ErrNotFound, tmplBlacklistUnknownChannel)
	}
	ch, err := session.Channel(id)
	if err != nil || ch == nil || ch.GuildID != guildID {
		return "", replyError(ErrNotFound, tmplBlacklistUnknownChannel)
	}
	return ch.ID, nil
}

// list renders the guild's overrides, one line per command and state
func (c *commandAdminCommand) list(guildID string) string {
	entries := c.e.blacklist.Entries(guildID)
	if len(entries) == 0 {
		return c.e.templates.Get(tmplBlacklistEmpty)
	}

	var (
		sb       strings.Builder
		disabled []string
		enabled  []string
		current  string
	)
	flush := func() {
		if len(disabled) > 0 {
			sb.WriteString(
				c.e.templates.Get(
					tmplBlacklistEntryChannels,
					emojiDisabled,
					current,
					stateDisabled,
					strings.Join(disabled, " | "),
				),
			)
			sb.WriteString("\n")
		}
		if len(enabled) > 0 {
			sb.WriteString(
				c.e.templates.Get(
					tmplBlacklistEntryChannels,
					emojiEnabled,
					current,
					stateEnabled,
					strings.Join(enabled, " | "),
				),
			)
			sb.WriteString("\n")
		}
		disabled, enabled = nil, nil
	}

	sb.WriteString(c.e.templates.Get(tmplBlacklistHeader))
	sb.WriteString("\n")
	for _, entry := range entries {
		if entry.Command != current {
			flush()
			current = entry.Command
		}
		if entry.IsGuildWide() {
			emoji, state := emojiEnabled, stateEnabled
			if entry.Blacklisted {
				emoji, state = emojiDisabled, stateDisabled
			}
			sb.WriteString(c.e.templates.Get(tmplBlacklistEntryGuild, emoji, entry.Command, state))
			sb.WriteString("\n")
			continue
		}
		if entry.Blacklisted {
			disabled = append(disabled, channelMention(entry.ChannelID))
		} else {
			enabled = append(enabled, channelMention(entry.ChannelID))
		}
	}
	flush()
	return strings.TrimRight(sb.String(), "\n")
}
