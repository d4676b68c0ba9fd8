package emily

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	musicArgCurrent = "current"
	musicArgSkip    = "skip"
	musicArgStop    = "stop"
	musicArgLeave   = "leave"
	musicArgJoin    = "join"
	musicArgRandom  = "random"
	musicArgQueue   = "queue"
	musicArgVolume  = "volume"

	musicQueueShown = 10
)

// musicCommand controls the guild's music player
type musicCommand struct {
	commandInfo
	e *Emily
}

func newMusicCommand(e *Emily) *musicCommand {
	return &musicCommand{
		commandInfo: commandInfo{
			name:        "music",
			aliases:     []string{"m"},
			description: "Music controls",
			usage: []string{
				"music              //shows the currently playing song",
				"music current      //shows the currently playing song",
				"music join         //joins your voice channel",
				"music leave        //leaves the voice channel",
				"music random       //queues a random song from the playlist",
				"music queue        //shows the queue",
				"music skip         //skips the current song",
				"music stop         //stops playing and clears the queue",
				"music volume [0-100] //shows or sets the volume",
			},
			category: CategoryMusic,
		},
		e: e,
	}
}

func (c *musicCommand) Execute(ctx context.Context, req *CommandRequest) (string, error) {
	if req.IsDirectMessage() {
		return "", replyError(ErrInvalidUsage, tmplNotInGuild)
	}

	player := c.e.players.Get(
		req.GuildID,
		c.e.settings.GetInt(req.GuildID, SettingMusicVolume),
	)

	action := musicArgCurrent
	if len(req.Args) > 0 {
		action = strings.ToLower(req.Args[0])
	}

	switch action {
	case musicArgCurrent:
		return c.current(player)
	case musicArgJoin:
		return c.join(req, player)
	case musicArgLeave:
		return c.leave(req, player)
	case musicArgRandom:
		return c.random(ctx, player)
	case musicArgQueue:
		return c.queue(player)
	case musicArgSkip:
		return c.skip(ctx, player)
	case musicArgStop:
		if c.e.settings.GetBool(req.GuildID, SettingMusicClearAdminOnly) &&
			!req.Rank.IsAtLeast(RankGuildAdmin) {
			return "", replyError(ErrPermissionDenied, tmplNoPermission)
		}
		player.Stop()
		return c.e.templates.Get(tmplMusicStopped), nil
	case musicArgVolume:
		return c.volume(req, player)
	default:
		return "", invalidUsage()
	}
}

func (c *musicCommand) current(player *MusicPlayer) (string, error) {
	song, startedAt, ok := player.NowPlaying()
	if !ok {
		return c.e.templates.Get(tmplMusicNotPlaying), nil
	}
	return c.e.templates.Get(
		tmplMusicNowPlaying,
		song.DisplayName(),
		formatTrackTime(time.Since(startedAt)),
		formatTrackTime(time.Duration(song.Duration)*time.Second),
	), nil
}

// join connects to the caller's voice channel, which must be the
// guild's music channel
func (c *musicCommand) join(req *CommandRequest, player *MusicPlayer) (string, error) {
	session := c.e.discord.session
	if session == nil {
		return "", fmt.Errorf("%w: no discord session", ErrInternal)
	}
	vs, err := session.UserVoiceState(req.GuildID, req.Author.ID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", replyError(ErrInvalidUsage, tmplMusicNotInVoice)
	}

	musicChannel := c.e.settings.Get(req.GuildID, SettingMusicChannel)
	if !c.e.discord.channelMatches(vs.ChannelID, musicChannel) {
		return "", replyError(ErrInvalidUsage, tmplMusicWrongChannel, musicChannel)
	}

	if err = session.JoinVoice(req.GuildID, vs.ChannelID); err != nil {
		return "", ioError(err, tmplCommandError)
	}
	player.setVoiceChannelID(vs.ChannelID)

	name := vs.ChannelID
	if ch, chErr := session.Channel(vs.ChannelID); chErr == nil && ch != nil {
		name = ch.Name
	}
	return c.e.templates.Get(tmplMusicJoined, name), nil
}

func (c *musicCommand) leave(req *CommandRequest, player *MusicPlayer) (string, error) {
	if player.VoiceChannelID() == "" {
		return c.e.templates.Get(tmplMusicNotPlaying), nil
	}
	if session := c.e.discord.session; session != nil {
		if err := session.LeaveVoice(req.GuildID); err != nil {
			return "", ioError(err, tmplCommandError)
		}
	}
	c.e.players.Remove(req.GuildID)
	return c.e.templates.Get(tmplMusicLeft), nil
}

// random queues a random song from the playlist, and starts playing it
// if nothing else is
func (c *musicCommand) random(ctx context.Context, player *MusicPlayer) (string, error) {
	if c.e.config.Music.Directory == "" {
		return "", replyError(ErrNotFound, tmplMusicNoDirectory)
	}
	song, err := c.e.randomSong(ctx)
	switch {
	case errors.Is(err, ErrPlaylistEmpty):
		return "", replyError(ErrNotFound, tmplMusicPlaylistEmpty)
	case err != nil:
		return "", ioError(err, tmplCommandError)
	}
	if _, err = c.e.songPath(song); err != nil {
		contextLoggerOr(ctx, c.e.logger).WarnContext(
			ctx,
			"song file is missing",
			"song", song,
			tint.Err(err),
		)
		return "", replyError(ErrNotFound, tmplMusicFileNotFound, song.Filename)
	}

	player.Enqueue(song)
	if _, _, playing := player.NowPlaying(); playing {
		return c.e.templates.Get(tmplMusicQueued, song.DisplayName()), nil
	}
	if _, err = c.playNext(ctx, player); err != nil {
		return "", err
	}
	return c.current(player)
}

func (c *musicCommand) queue(player *MusicPlayer) (string, error) {
	queue := player.Queue()
	if len(queue) == 0 {
		return c.e.templates.Get(tmplMusicQueueEmpty), nil
	}
	var sb strings.Builder
	for i, song := range queue {
		if i == musicQueueShown {
			sb.WriteString(fmt.Sprintf("... and %d more\n", len(queue)-i))
			break
		}
		sb.WriteString(fmt.Sprintf("%2d. %s\n", i+1, song.DisplayName()))
	}
	return codeBlock(sb.String()), nil
}

// skip ends the current song, and starts the next queued song if
// there is one
func (c *musicCommand) skip(ctx context.Context, player *MusicPlayer) (string, error) {
	skipped, err := player.Skip()
	if err != nil {
		return c.e.templates.Get(tmplMusicNotPlaying), nil
	}
	out := c.e.templates.Get(tmplMusicSkipped, skipped.DisplayName())
	if _, err = c.playNext(ctx, player); err == nil {
		next, _ := c.current(player)
		out += "\n" + next
	}
	return out, nil
}

// playNext starts the next queued song, and records when it was played
func (c *musicCommand) playNext(ctx context.Context, player *MusicPlayer) (Song, error) {
	song, err := player.PlayNext()
	if err != nil {
		return song, err
	}
	if err = c.e.markPlayed(ctx, &song, time.Now()); err != nil {
		contextLoggerOr(ctx, c.e.logger).WarnContext(
			ctx,
			"error updating last played time",
			"song", song,
			tint.Err(err),
		)
	}
	return song, nil
}

func (c *musicCommand) volume(req *CommandRequest, player *MusicPlayer) (string, error) {
	if len(req.Args) < 2 {
		return c.e.templates.Get(tmplMusicVolume, player.Volume()), nil
	}
	v, err := strconv.Atoi(req.Args[1])
	if err != nil || v < 0 || v > 100 {
		return "", replyError(ErrInvalidUsage, tmplMusicVolumeInvalid)
	}
	player.SetVolume(v)
	return c.e.templates.Get(tmplMusicVolumeChanged, v), nil
}

// formatTrackTime formats a duration as m:ss
func formatTrackTime(d time.Duration) string {
	d = d.Round(time.Second)
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
