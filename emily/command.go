package emily

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// AllCommands is the pseudo-command name which targets every command
// that can be disabled
const AllCommands = "all-commands"

// CommandCategory groups commands in help listings, and sets the minimum
// rank needed to run them
type CommandCategory struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Emoji       string `json:"emoji"`
	MinRank     Rank   `json:"min_rank"`
}

var (
	CategoryInformative = CommandCategory{
		Name:        "informative",
		DisplayName: "Informative",
		Emoji:       "❓",
		MinRank:     RankGuest,
	}
	CategoryMusic = CommandCategory{
		Name:        "music",
		DisplayName: "Music",
		Emoji:       "🎵",
		MinRank:     RankUser,
	}
	CategoryAdministrative = CommandCategory{
		Name:        "administrative",
		DisplayName: "Administration",
		Emoji:       "🔧",
		MinRank:     RankGuildAdmin,
	}
	CategoryBotAdministration = CommandCategory{
		Name:        "bot_administration",
		DisplayName: "Bot administration",
		Emoji:       "⚙️",
		MinRank:     RankBotAdmin,
	}

	// commandCategories are in display order
	commandCategories = []CommandCategory{
		CategoryInformative,
		CategoryMusic,
		CategoryAdministrative,
		CategoryBotAdministration,
	}
)

// Command is a prefix command. Implementations must be safe for
// concurrent use, as a single instance handles every invocation.
type Command interface {
	// Name is the canonical, lowercase command name
	Name() string
	Aliases() []string
	Description() string
	Usage() []string
	Category() CommandCategory

	// CanBeDisabled reports whether guild admins may blacklist the command
	CanBeDisabled() bool

	// IsListed reports whether the command is shown in help listings
	IsListed() bool

	// Execute runs the command. A non-empty return value is sent as a
	// reply. An empty value means the command sent its own response,
	// or has nothing to say.
	Execute(ctx context.Context, req *CommandRequest) (string, error)
}

// CommandRequest is a single command invocation
type CommandRequest struct {
	Message   *discordgo.Message
	Author    *discordgo.User
	GuildID   string
	ChannelID string

	// Prefix is the command prefix in effect for the channel
	Prefix string

	// Invoked is the name or alias used to invoke the command
	Invoked string
	Args    []string
	Rank    Rank
}

// IsDirectMessage reports whether the command was sent in a DM
func (r *CommandRequest) IsDirectMessage() bool {
	return r.GuildID == ""
}

// commandInfo holds the static properties of a command, and implements
// every Command method except Execute
type commandInfo struct {
	name        string
	aliases     []string
	description string
	usage       []string
	category    CommandCategory
	permanent   bool
	unlisted    bool
}

func (c commandInfo) Name() string {
	return c.name
}

func (c commandInfo) Aliases() []string {
	return c.aliases
}

func (c commandInfo) Description() string {
	return c.description
}

func (c commandInfo) Usage() []string {
	return c.usage
}

func (c commandInfo) Category() CommandCategory {
	return c.category
}

func (c commandInfo) CanBeDisabled() bool {
	return !c.permanent
}

func (c commandInfo) IsListed() bool {
	return !c.unlisted
}

// Registry maps command names and aliases to commands. After Freeze,
// it's read-only and safe for concurrent reads without locking.
type Registry struct {
	commands map[string]Command
	lookup   map[string]Command
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{
		commands: map[string]Command{},
		lookup:   map[string]Command{},
	}
}

// Register adds a command. It fails with ErrCommandConflict if the name
// or any alias is already taken (case-insensitive), or is reserved. On
// failure, the registry is unchanged.
func (r *Registry) Register(cmd Command) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name()))
	if name == "" {
		return fmt.Errorf("%w: command name is empty", ErrInvalidUsage)
	}

	keys := make([]string, 0, len(cmd.Aliases())+1)
	keys = append(keys, name)
	for _, alias := range cmd.Aliases() {
		keys = append(keys, strings.ToLower(strings.TrimSpace(alias)))
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: %q has an empty alias", ErrInvalidUsage, name)
		}
		if key == AllCommands {
			return fmt.Errorf("%w: %q is reserved", ErrCommandConflict, key)
		}
		if existing, ok := r.lookup[key]; ok {
			return fmt.Errorf(
				"%w: %q (from %q) is already used by %q",
				ErrCommandConflict,
				key,
				name,
				existing.Name(),
			)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf(
				"%w: %q is declared twice by %q",
				ErrCommandConflict,
				key,
				name,
			)
		}
		seen[key] = struct{}{}
	}

	for _, key := range keys {
		r.lookup[key] = cmd
	}
	r.commands[name] = cmd
	return nil
}

// Freeze makes the registry read-only
func (r *Registry) Freeze() {
	r.frozen = true
}

// Resolve returns the command with the given name or alias
func (r *Registry) Resolve(token string) (Command, bool) {
	cmd, ok := r.lookup[strings.ToLower(token)]
	return cmd, ok
}

// Commands returns every registered command, sorted by name
func (r *Registry) Commands() []Command {
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	sort.Slice(
		cmds, func(i, j int) bool {
			return cmds[i].Name() < cmds[j].Name()
		},
	)
	return cmds
}

// Len returns the number of registered commands (not counting aliases)
func (r *Registry) Len() int {
	return len(r.commands)
}

// ListedFor returns the listed commands available at the given rank,
// grouped by category name, each group sorted by name
func (r *Registry) ListedFor(rank Rank) map[string][]Command {
	grouped := map[string][]Command{}
	for _, c := range r.Commands() {
		if !c.IsListed() || !rank.IsAtLeast(c.Category().MinRank) {
			continue
		}
		grouped[c.Category().Name] = append(grouped[c.Category().Name], c)
	}
	return grouped
}
