package emily

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCommand struct {
	commandInfo
	reply string
	err   error
	calls int
}

func (s *stubCommand) Execute(_ context.Context, _ *CommandRequest) (string, error) {
	s.calls++
	return s.reply, s.err
}

func newStubCommand(name string, aliases ...string) *stubCommand {
	return &stubCommand{
		commandInfo: commandInfo{
			name:        name,
			aliases:     aliases,
			description: "stub " + name,
			category:    CategoryInformative,
		},
		reply: name + " ran",
	}
}

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStubCommand("ping", "p", "PONG")))
	require.NoError(t, r.Register(newStubCommand("help", "h")))

	for _, token := range []string{"ping", "PING", "p", "pong", "Pong"} {
		cmd, ok := r.Resolve(token)
		require.Truef(t, ok, "expected %q to resolve", token)
		assert.Equal(t, "ping", cmd.Name())
	}

	_, ok := r.Resolve("nope")
	assert.False(t, ok)

	assert.Equal(t, 2, r.Len())
	cmds := r.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "help", cmds[0].Name())
	assert.Equal(t, "ping", cmds[1].Name())
}

func TestRegistry_Conflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStubCommand("ping", "p")))

	err := r.Register(newStubCommand("pong", "P"))
	assert.ErrorIs(t, err, ErrCommandConflict)

	err = r.Register(newStubCommand("Ping"))
	assert.ErrorIs(t, err, ErrCommandConflict)

	err = r.Register(newStubCommand("dup", "d", "D"))
	assert.ErrorIs(t, err, ErrCommandConflict)

	err = r.Register(newStubCommand(AllCommands))
	assert.ErrorIs(t, err, ErrCommandConflict)

	err = r.Register(newStubCommand(" "))
	assert.ErrorIs(t, err, ErrInvalidUsage)

	// failed registrations leave nothing behind
	_, ok := r.Resolve("pong")
	assert.False(t, ok)
	_, ok = r.Resolve("dup")
	assert.False(t, ok)
	_, ok = r.Resolve("d")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Freeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStubCommand("ping")))
	r.Freeze()

	err := r.Register(newStubCommand("help"))
	assert.ErrorIs(t, err, ErrRegistryFrozen)
	_, ok := r.Resolve("ping")
	assert.True(t, ok)
}

func TestRegistry_ListedFor(t *testing.T) {
	r := NewRegistry()

	ping := newStubCommand("ping")
	hidden := newStubCommand("secret")
	hidden.unlisted = true
	admin := newStubCommand("command")
	admin.category = CategoryAdministrative
	root := newStubCommand("restart")
	root.category = CategoryBotAdministration

	for _, c := range []Command{ping, hidden, admin, root} {
		require.NoError(t, r.Register(c))
	}

	guest := r.ListedFor(RankGuest)
	assert.Len(t, guest, 1)
	require.Len(t, guest[CategoryInformative.Name], 1)
	assert.Equal(t, "ping", guest[CategoryInformative.Name][0].Name())

	guildAdmin := r.ListedFor(RankGuildAdmin)
	assert.Len(t, guildAdmin, 2)
	assert.Len(t, guildAdmin[CategoryAdministrative.Name], 1)

	botAdmin := r.ListedFor(RankBotAdmin)
	assert.Len(t, botAdmin, 3)

	assert.Empty(t, r.ListedFor(RankBanned))
}

func TestCommandInfo(t *testing.T) {
	c := newStubCommand("ping")
	assert.True(t, c.CanBeDisabled())
	assert.True(t, c.IsListed())

	c.permanent = true
	c.unlisted = true
	assert.False(t, c.CanBeDisabled())
	assert.False(t, c.IsListed())
}

func TestCommandRequest_IsDirectMessage(t *testing.T) {
	assert.True(t, (&CommandRequest{}).IsDirectMessage())
	assert.False(t, (&CommandRequest{GuildID: "g"}).IsDirectMessage())
}
