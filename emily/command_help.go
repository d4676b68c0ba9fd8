package emily

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	embed "github.com/clinet/discordgo-embed"
)

const (
	helpArgFull       = "full"
	helpColumnWidth   = 16
	helpColumnsPerRow = 3
)

// helpCommand lists the commands available to the caller, or shows the
// usage of a single command
type helpCommand struct {
	commandInfo
	e *Emily
}

// helpState is the state of an interactive help message, where each
// category is a page selected by its emoji
type helpState struct {
	mu         sync.Mutex
	prefix     string
	active     string
	categories []CommandCategory
	commands   map[string][]Command
}

func newHelpCommand(e *Emily) *helpCommand {
	return &helpCommand{
		commandInfo: commandInfo{
			name:        "help",
			aliases:     []string{"?", "halp", "helpme", "h", "commands"},
			description: "An attempt to help out",
			usage: []string{
				"help                //shows commands grouped by category, navigable by reactions",
				"help full           //index of all commands",
				"help <command>      //usage for that command",
			},
			category:  CategoryInformative,
			permanent: true,
		},
		e: e,
	}
}

func (c *helpCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	full := false
	if len(req.Args) > 0 {
		if strings.ToLower(req.Args[0]) != helpArgFull {
			return c.commandDetail(req)
		}
		full = true
	}

	listed := c.e.registry.ListedFor(req.Rank)
	var categories []CommandCategory
	for _, cat := range commandCategories {
		if len(listed[cat.Name]) > 0 {
			categories = append(categories, cat)
		}
	}

	if !full && !req.IsDirectMessage() &&
		!c.e.settings.GetBool(req.GuildID, SettingHelpInPM) &&
		c.e.discord.canInteract(req.GuildID, req.ChannelID) && len(categories) > 0 {
		state := &helpState{
			prefix:     req.Prefix,
			active:     categories[0].Name,
			categories: categories,
			commands:   listed,
		}
		l := NewReactionListener(
			req.Author.ID,
			listenerKindHelp,
			c.e.config.Listeners.Expiry,
			state,
		)
		for _, cat := range categories {
			l.RegisterReaction(cat.Emoji, cat.Name)
		}
		c.e.sendInteractive(
			ctx,
			&OutboundMessage{
				ChannelID: req.ChannelID,
				Embed:     c.embed(state),
			},
			l,
		)
		return "", nil
	}

	listing := c.listing(req.Prefix, categories, listed)
	if !req.IsDirectMessage() && c.e.settings.GetBool(req.GuildID, SettingHelpInPM) {
		c.e.outbox.Push(
			ctx,
			&OutboundMessage{
				UserID:  req.Author.ID,
				Content: listing,
			},
		)
		return c.e.templates.Get(tmplHelpSentPrivate), nil
	}
	return listing, nil
}

// commandDetail renders the aliases, description and usage of the
// command named by the first argument
func (c *helpCommand) commandDetail(req *CommandRequest) (string, error) {
	cmd, ok := c.e.registry.Resolve(stripPrefix(req.Prefix, req.Args[0]))
	if !ok || (!cmd.IsListed() && !req.Rank.IsAtLeast(cmd.Category().MinRank)) {
		return "", replyError(ErrNotFound, tmplHelpUnknown)
	}

	names := append([]string{cmd.Name()}, cmd.Aliases()...)

	var sb strings.Builder
	sb.WriteString(c.e.templates.Get(tmplHelpCommandTitle, cmd.Name()))
	sb.WriteString("\n")
	sb.WriteString(c.e.templates.Get(tmplHelpAliases))
	sb.WriteString("\n")
	sb.WriteString(makeTable(prefixed(req.Prefix, names), helpColumnWidth, helpColumnsPerRow))
	sb.WriteString(cmd.Description())
	sb.WriteString("\n")
	if usage := cmd.Usage(); len(usage) > 0 {
		sb.WriteString(c.e.templates.Get(tmplHelpUsage))
		sb.WriteString("\n```php\n")
		for _, line := range usage {
			sb.WriteString(req.Prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("```")
	}
	return sb.String(), nil
}

// listing renders every category as a text table
func (c *helpCommand) listing(
	prefix string,
	categories []CommandCategory,
	listed map[string][]Command,
) string {
	var sb strings.Builder
	sb.WriteString(c.e.templates.Get(tmplHelpListHeader))
	sb.WriteString("\n")
	for _, cat := range categories {
		sb.WriteString(fmt.Sprintf("%s **%s**\n", cat.Emoji, cat.DisplayName))
		sb.WriteString(
			makeTable(
				prefixed(prefix, commandNames(listed[cat.Name])),
				helpColumnWidth,
				helpColumnsPerRow,
			),
		)
	}
	sb.WriteString(c.e.templates.Get(tmplHelpFullFooter, prefix))
	return sb.String()
}

// embed renders the active category of an interactive help message.
// The caller must hold state.mu, or own state exclusively.
func (c *helpCommand) embed(state *helpState) *discordgo.MessageEmbed {
	nav := make([]string, 0, len(state.categories))
	for _, cat := range state.categories {
		label := cat.Emoji + " " + cat.DisplayName
		if cat.Name == state.active {
			label = "__**" + label + "**__"
		}
		nav = append(nav, label)
	}

	table := makeTable(
		prefixed(state.prefix, commandNames(state.commands[state.active])),
		helpColumnWidth,
		helpColumnsPerRow,
	)
	return embed.NewEmbed().
		SetColor(embedColor).
		SetTitle(c.e.templates.Get(tmplHelpHeader, state.prefix)).
		SetDescription(strings.Join(nav, " | ") + "\n\n" + table).
		SetFooter(c.e.templates.Get(tmplHelpFooter, state.prefix)).
		MessageEmbed
}

// HandleReaction switches an interactive help message to the category
// whose emoji was clicked
func (c *helpCommand) HandleReaction(
	_ context.Context,
	l *ReactionListener,
	action string,
) (bool, error) {
	state, ok := l.State.(*helpState)
	if !ok {
		return true, errors.New("help listener has no help state")
	}

	state.mu.Lock()
	if state.active == action {
		state.mu.Unlock()
		return false, nil
	}
	state.active = action
	msgEmbed := c.embed(state)
	state.mu.Unlock()

	return false, c.e.discord.edit(l.ChannelID, l.MessageID, "", msgEmbed)
}
