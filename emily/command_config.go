package emily

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"
)

const (
	configArgPage      = "page"
	configArgTags      = "tags"
	configArgTag       = "tag"
	configArgReset     = "reset"
	configConfirmReset = "yesimsure"

	configKeyWidth    = 24
	embedFieldsPerRow = 3
)

// configCommand views and changes guild settings
type configCommand struct {
	commandInfo
	e *Emily
}

// configState is the state of a paginated settings listing
type configState struct {
	page            *PaginationInfo
	guildName       string
	prefix          string
	tag             string
	includeInternal bool
}

func newConfigCommand(e *Emily) *configCommand {
	return &configCommand{
		commandInfo: commandInfo{
			name:        "config",
			aliases:     []string{"setting", "cfg"},
			description: "Gets/sets the configuration of the bot",
			usage: []string{
				"config                    //overview",
				"config page <number>      //show page <number>",
				"config tags               //see what tags exist",
				"config tag <tagname>      //show settings with tagname",
				"config <property>         //check details of property",
				"config <property> <value> //sets property",
				"config reset <property>   //resets property to its default",
				"config reset yesimsure    //resets the configuration to the default settings",
			},
			category:  CategoryAdministrative,
			permanent: true,
		},
		e: e,
	}
}

func (c *configCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	if req.IsDirectMessage() {
		return "", replyError(ErrInvalidUsage, tmplNotInGuild)
	}
	includeInternal := req.Rank.IsAtLeast(RankBotAdmin)

	if len(req.Args) == 0 {
		return c.list(ctx, req, "", 1, includeInternal)
	}

	switch strings.ToLower(req.Args[0]) {
	case configArgPage:
		// unparseable pages open the first page, and list clamps the rest
		page := 1
		if len(req.Args) > 1 {
			if n, err := strconv.Atoi(req.Args[1]); err == nil {
				page = n
			}
		}
		return c.list(ctx, req, "", page, includeInternal)
	case configArgTags:
		return c.e.templates.Get(tmplConfigTags, req.Prefix) + "\n" +
			makeTable(c.e.settings.Tags(), configKeyWidth, embedFieldsPerRow), nil
	case configArgTag:
		if len(req.Args) < 2 {
			return "", invalidUsage()
		}
		tag := strings.ToLower(req.Args[1])
		if !slices.Contains(c.e.settings.Tags(), tag) {
			return "", replyError(ErrNotFound, tmplNotFound)
		}
		return c.list(ctx, req, tag, 1, includeInternal)
	case configArgReset:
		return c.reset(ctx, req, includeInternal)
	}

	key := strings.ToLower(req.Args[0])
	def, ok := c.e.settings.Definition(key)
	if !ok {
		return "", replyError(ErrNotFound, tmplConfigKeyNotExists)
	}
	if def.Internal && !includeInternal {
		return "", replyError(ErrPermissionDenied, tmplConfigKeyReadOnly)
	}

	if len(req.Args) == 1 {
		return c.e.templates.Get(
			tmplConfigDetail,
			key,
			c.e.settings.DisplayValue(req.GuildID, key),
			def.Default,
			def.Description,
			req.Prefix,
			key,
			def.Default,
		), nil
	}

	value, err := c.e.settings.Set(ctx, req.GuildID, key, strings.Join(req.Args[1:], " "))
	if err != nil {
		return "", err
	}
	if key == SettingBotListen && value == botListenMine {
		c.e.reply(ctx, req, c.e.templates.Get(tmplConfigListenMine))
	}
	return c.e.templates.Get(tmplConfigKeyModified), nil
}

// confirmedReset reports whether args[i] is the reset confirmation,
// in any case
func confirmedReset(args []string, i int) bool {
	return len(args) > i && strings.EqualFold(args[i], configConfirmReset)
}

// reset handles `config reset <key>` and `config reset yesimsure`
func (c *configCommand) reset(
	ctx context.Context,
	req *CommandRequest,
	includeInternal bool,
) (string, error) {
	if len(req.Args) < 2 {
		return c.e.templates.Get(tmplConfigResetWarning), nil
	}
	if confirmedReset(req.Args, 1) {
		if err := c.e.settings.ResetAll(ctx, req.GuildID); err != nil {
			return "", err
		}
		return c.e.templates.Get(tmplConfigResetSuccess), nil
	}

	key := strings.ToLower(req.Args[1])
	def, ok := c.e.settings.Definition(key)
	if !ok {
		return "", replyError(ErrNotFound, tmplConfigKeyNotExists)
	}
	if def.Internal && !includeInternal {
		return "", replyError(ErrPermissionDenied, tmplConfigKeyReadOnly)
	}
	if err := c.e.settings.Reset(ctx, req.GuildID, key); err != nil {
		return "", err
	}
	return c.e.templates.Get(tmplConfigResetKey, key, def.Default), nil
}

// list sends a page of settings, optionally filtered by tag. Where
// embeds are allowed, a multi-page listing gets previous/next
// reactions. Otherwise, the page is rendered as text.
func (c *configCommand) list(
	ctx context.Context,
	req *CommandRequest,
	tag string,
	page int,
	includeInternal bool,
) (string, error) {
	settings := c.settingsFor(req.GuildID, tag, includeInternal)
	pageSize := c.e.config.Listeners.PageSize
	state := &configState{
		page:            NewPaginationInfo(page, MaxPageFor(len(settings), pageSize), req.GuildID),
		guildName:       req.GuildID,
		prefix:          req.Prefix,
		tag:             tag,
		includeInternal: includeInternal,
	}
	if g, ok := c.e.guilds.Get(req.GuildID); ok && g.Name != "" {
		state.guildName = g.Name
	}

	if !c.e.discord.canEmbed(req.GuildID, req.ChannelID) {
		return c.text(state, settings), nil
	}
	// extra pages are only reachable through reactions
	if state.page.MaxPage() > 1 && !c.e.discord.canInteract(req.GuildID, req.ChannelID) {
		return c.text(state, settings), nil
	}

	m := &OutboundMessage{
		ChannelID: req.ChannelID,
		Embed:     c.embed(state, settings),
	}
	if state.page.MaxPage() == 1 {
		c.e.outbox.Push(ctx, m)
		return "", nil
	}

	l := NewReactionListener(
		req.Author.ID,
		listenerKindConfig,
		c.e.config.Listeners.Expiry,
		state,
	)
	l.RegisterReaction(emojiPrevious, actionPrevious)
	l.RegisterReaction(emojiNext, actionNext)
	c.e.sendInteractive(ctx, m, l)
	return "", nil
}

func (c *configCommand) settingsFor(
	guildID string,
	tag string,
	includeInternal bool,
) []SettingValue {
	all := c.e.settings.Settings(guildID, includeInternal)
	if tag == "" {
		return all
	}
	var filtered []SettingValue
	for _, s := range all {
		if slices.Contains(s.Tags, tag) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// embed renders the current page of settings as embed fields
func (c *configCommand) embed(state *configState, settings []SettingValue) *discordgo.MessageEmbed {
	page := state.page.CurrentPage()
	maxPage := state.page.MaxPage()
	start, end := pageBounds(page, c.e.config.Listeners.PageSize, len(settings))

	msg := embed.NewEmbed().
		SetColor(embedColor).
		SetTitle(c.e.templates.Get(tmplConfigTitle, state.guildName, page, maxPage)).
		SetDescription(c.e.templates.Get(tmplConfigDescription, state.prefix)).
		SetFooter(c.e.templates.Get(tmplConfigFooter, page, maxPage))
	for _, s := range settings[start:end] {
		msg.AddField(s.Key, c.e.settings.DisplayValue(state.page.GuildID, s.Key))
	}
	if (end-start)%embedFieldsPerRow == 2 {
		msg.AddField("\u200b", "\u200b")
	}
	msg.InlineAllFields()
	return msg.MessageEmbed
}

// text renders the current page of settings as a code block. Modified
// settings are marked with an asterisk.
func (c *configCommand) text(state *configState, settings []SettingValue) string {
	page := state.page.CurrentPage()
	maxPage := state.page.MaxPage()
	start, end := pageBounds(page, c.e.config.Listeners.PageSize, len(settings))

	var sb strings.Builder
	sb.WriteString(c.e.templates.Get(tmplConfigTitle, state.guildName, page, maxPage))
	sb.WriteString("\n")
	var rows strings.Builder
	for _, s := range settings[start:end] {
		marker := " "
		if s.Modified {
			marker = "*"
		}
		rows.WriteString(
			fmt.Sprintf(
				"%s%-*s:  %s\n",
				marker,
				configKeyWidth,
				s.Key,
				c.e.settings.DisplayValue(state.page.GuildID, s.Key),
			),
		)
	}
	sb.WriteString(codeBlock(rows.String()))
	sb.WriteString(c.e.templates.Get(tmplConfigDescription, state.prefix))
	return sb.String()
}

// HandleReaction moves a settings listing to the previous or next page
func (c *configCommand) HandleReaction(
	_ context.Context,
	l *ReactionListener,
	action string,
) (bool, error) {
	state, ok := l.State.(*configState)
	if !ok {
		return true, errors.New("config listener has no config state")
	}

	var changed bool
	switch action {
	case actionPrevious:
		changed = state.page.PreviousPage()
	case actionNext:
		changed = state.page.NextPage()
	}
	if !changed {
		return false, nil
	}

	settings := c.settingsFor(state.page.GuildID, state.tag, state.includeInternal)
	return false, c.e.discord.edit(l.ChannelID, l.MessageID, "", c.embed(state, settings))
}
