package emily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// randomSongCandidates is how many of the least recently played songs
// a random pick is made from
const randomSongCandidates = 50

var (
	ErrNoTrackPlaying  = errors.New("no track is currently playing")
	ErrNoTracksInQueue = errors.New("no tracks in queue")
	ErrPlaylistEmpty   = errors.New("no playable songs in the playlist")
)

// Song is an entry in the playlist. Files are resolved relative to
// MusicConfig.Directory.
//
//nolint:lll // struct tags can't be split
type Song struct {
	RowID
	Filename     string `json:"filename" gorm:"uniqueIndex;not null"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	YoutubeTitle string `json:"youtube_title"`

	// Duration in seconds
	Duration int64 `json:"duration"`

	// LastPlayed is a unix timestamp, 0 if never played
	LastPlayed int64 `json:"last_played" gorm:"index;not null;default:0"`

	// Banned songs are never picked
	Banned bool `json:"banned" gorm:"not null;default:false"`
	Timestamps
}

func (Song) TableName() string {
	return "playlist"
}

// DisplayName returns "artist - title" when both are known, falling
// back to the youtube title, then the file name
func (s Song) DisplayName() string {
	if strings.TrimSpace(s.Artist) != "" && strings.TrimSpace(s.Title) != "" {
		return s.Artist + " - " + s.Title
	}
	if s.YoutubeTitle != "" {
		return s.YoutubeTitle
	}
	return s.Filename
}

func (s Song) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String("filename", s.Filename),
	)
}

// randomSong picks a random song from the least recently played,
// non-banned songs
func (e *Emily) randomSong(ctx context.Context) (Song, error) {
	var songs []Song
	err := e.db.WithContext(ctx).
		Where("banned = ?", false).
		Order("last_played ASC").
		Limit(randomSongCandidates).
		Find(&songs).Error
	if err != nil {
		return Song{}, fmt.Errorf("%w: error reading playlist: %w", ErrTransientIO, err)
	}
	if len(songs) == 0 {
		return Song{}, ErrPlaylistEmpty
	}
	return songs[rand.IntN(len(songs))], nil
}

// markPlayed records that the song started playing at t
func (e *Emily) markPlayed(ctx context.Context, song *Song, t time.Time) error {
	_, err := e.writeDB.Update(ctx, song, "last_played", t.Unix())
	return err
}

// songPath returns the path of the song's file in the music directory,
// or an error if the file doesn't exist
func (e *Emily) songPath(song Song) (string, error) {
	dir := e.config.Music.Directory
	if dir == "" {
		return "", errors.New("no music directory configured")
	}
	path := song.Filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// MusicPlayer is the music state of a single guild: the voice channel
// it's connected to, the current song and the queue. Audio isn't
// streamed; the player only tracks what would be playing.
type MusicPlayer struct {
	mu        sync.Mutex
	guildID   string
	channelID string
	current   *Song
	startedAt time.Time
	queue     []Song
	volume    int
}

// NowPlaying returns the current song and when it started
func (p *MusicPlayer) NowPlaying() (Song, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Song{}, time.Time{}, false
	}
	return *p.current, p.startedAt, true
}

// Enqueue adds a song to the end of the queue
func (p *MusicPlayer) Enqueue(song Song) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, song)
}

// PlayNext replaces the current song with the next one in the queue
func (p *MusicPlayer) PlayNext() (Song, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		p.current = nil
		p.startedAt = time.Time{}
		return Song{}, ErrNoTracksInQueue
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.current = &next
	p.startedAt = time.Now()
	return next, nil
}

// Skip ends the current song, returning it
func (p *MusicPlayer) Skip() (Song, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Song{}, ErrNoTrackPlaying
	}
	skipped := *p.current
	p.current = nil
	p.startedAt = time.Time{}
	return skipped, nil
}

// Stop ends the current song and clears the queue
func (p *MusicPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.startedAt = time.Time{}
	p.queue = nil
}

// Queue returns the queued songs, next first
func (p *MusicPlayer) Queue() []Song {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Song(nil), p.queue...)
}

func (p *MusicPlayer) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *MusicPlayer) SetVolume(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

// VoiceChannelID returns the voice channel the player is connected to
func (p *MusicPlayer) VoiceChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelID
}

func (p *MusicPlayer) setVoiceChannelID(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelID = channelID
}

// MusicPlayers holds a MusicPlayer per guild
type MusicPlayers struct {
	mu      sync.Mutex
	players map[string]*MusicPlayer
	logger  *slog.Logger
}

func newMusicPlayers(logger *slog.Logger) *MusicPlayers {
	if logger == nil {
		logger = slog.Default()
	}
	return &MusicPlayers{
		players: map[string]*MusicPlayer{},
		logger:  logger,
	}
}

// Get returns the guild's player, creating it with the given volume if
// it doesn't exist
func (m *MusicPlayers) Get(guildID string, volume int) *MusicPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[guildID]
	if !ok {
		p = &MusicPlayer{guildID: guildID, volume: volume}
		m.players[guildID] = p
		m.logger.Debug("created music player", "guild_id", guildID)
	}
	return p
}

// Lookup returns the guild's player, if it has one
func (m *MusicPlayers) Lookup(guildID string) (*MusicPlayer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[guildID]
	return p, ok
}

// Remove stops and removes the guild's player
func (m *MusicPlayers) Remove(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[guildID]; ok {
		p.Stop()
		delete(m.players, guildID)
	}
}

// GuildIDs returns the sorted IDs of guilds whose player is connected
// to a voice channel
func (m *MusicPlayers) GuildIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.players))
	for id, p := range m.players {
		if p.VoiceChannelID() != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of guilds with a player
func (m *MusicPlayers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}
