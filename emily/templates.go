package emily

import (
	"fmt"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	tmplNoPermission  = "no_permission"
	tmplCommandError  = "command_error"
	tmplInvalidUse    = "command_invalid_use"
	tmplNotFound      = "command_not_found"
	tmplWriteFailed   = "command_write_failed"
	tmplNotInGuild    = "command_guild_only"
	tmplBotPaused     = "bot_paused"
	tmplBotResumed    = "bot_resumed"
	tmplBotRestarting = "bot_restarting"

	tmplHelpUnknown      = "command_help_donno"
	tmplHelpSentPrivate  = "command_help_send_private"
	tmplHelpHeader       = "command_help_header"
	tmplHelpFooter       = "command_help_footer"
	tmplHelpFullFooter   = "command_help_full_footer"
	tmplHelpCommandTitle = "command_help_command_title"
	tmplHelpListHeader   = "command_help_list_header"
	tmplHelpAliases      = "command_help_accessible_through"
	tmplHelpUsage        = "command_help_usage"

	tmplConfigKeyNotExists = "command_config_key_not_exists"
	tmplConfigKeyReadOnly  = "command_config_key_read_only"
	tmplConfigKeyModified  = "command_config_key_modified"
	tmplConfigKeyInvalid   = "command_config_key_invalid_value"
	tmplConfigResetSuccess = "command_config_reset_success"
	tmplConfigResetKey     = "command_config_reset_key"
	tmplConfigResetWarning = "command_config_reset_warning"
	tmplConfigListenMine   = "command_config_bot_listen_mine"
	tmplConfigTitle        = "command_config_title"
	tmplConfigDescription  = "command_config_description"
	tmplConfigFooter       = "command_config_footer"
	tmplConfigDetail       = "command_config_detail"
	tmplConfigTags         = "command_config_tags"

	tmplBlacklistEmpty           = "command_blacklist_command_empty"
	tmplBlacklistHeader          = "command_blacklist_header"
	tmplBlacklistNotFound        = "command_blacklist_command_not_found"
	tmplBlacklistNotDisableable  = "command_blacklist_not_blacklistable"
	tmplBlacklistDisabled        = "command_blacklist_command_disabled"
	tmplBlacklistEnabled         = "command_blacklist_command_enabled"
	tmplBlacklistResetChannel    = "command_blacklist_reset_channel"
	tmplBlacklistResetAll        = "command_blacklist_reset_all_channels"
	tmplBlacklistReset           = "command_blacklist_reset"
	tmplBlacklistResetConfirm    = "command_blacklist_reset_warning"
	tmplBlacklistUnknownChannel  = "command_blacklist_unknown_channel"
	tmplBlacklistEntryGuild      = "command_blacklist_entry_guild"
	tmplBlacklistEntryChannels   = "command_blacklist_entry_channels"
	tmplMusicNotPlaying          = "command_music_not_playing"
	tmplMusicNowPlaying          = "command_music_now_playing"
	tmplMusicSkipped             = "command_music_skipped"
	tmplMusicStopped             = "command_music_stopped"
	tmplMusicLeft                = "command_music_left"
	tmplMusicJoined              = "command_music_joined"
	tmplMusicNotInVoice          = "command_music_not_in_voice"
	tmplMusicQueueEmpty          = "command_music_queue_empty"
	tmplMusicQueued              = "command_music_queued"
	tmplMusicVolume              = "command_music_volume"
	tmplMusicVolumeChanged       = "command_music_volume_changed"
	tmplMusicVolumeInvalid       = "command_music_volume_invalid"
	tmplMusicPlaylistEmpty       = "command_music_playlist_empty"
	tmplMusicFileNotFound        = "command_music_file_not_found"
	tmplMusicNoDirectory         = "command_music_no_directory"
	tmplMusicWrongChannel        = "command_music_wrong_channel"
	tmplPing                     = "command_ping_reply"
	tmplStatusCollecting         = "command_botstatus_failed"
	tmplReloadDone               = "command_reload_done"
	tmplUnknownCommandSuggestion = "command_unknown"
)

// defaultTemplates are the built-in English messages. Keys are also used
// as catalog message references; the values are fmt-style formats.
var defaultTemplates = map[string]string{
	tmplNoPermission:  "You don't have permission to use that command!",
	tmplCommandError:  "Something went wrong while running that command. The error has been logged.",
	tmplInvalidUse:    "That's not how you use this command. Try `help <command>`.",
	tmplNotFound:      "I couldn't find that.",
	tmplWriteFailed:   "I couldn't save that change, please try again later.",
	tmplNotInGuild:    "This command only works in a server.",
	tmplBotPaused:     "I'm paused. Only bot admins can use commands until I'm resumed.",
	tmplBotResumed:    "I'm back! Commands are enabled again.",
	tmplBotRestarting: "Shutting down, see you soon.",

	tmplHelpUnknown:      "I don't know that command, sorry.",
	tmplHelpSentPrivate:  "I've sent you a private message with the list of commands.",
	tmplHelpHeader:       "Help overview | without reactions use `%shelp full`",
	tmplHelpFooter:       "for more details about a command use `%shelp <command>`\nuse the reactions below to switch between the pages",
	tmplHelpFullFooter:   "for more details about a command use **%shelp <command>**",
	tmplHelpCommandTitle: ":information_source: Help > %s :information_source:",
	tmplHelpListHeader:   "I know the following commands:",
	tmplHelpAliases:      ":keyboard: Accessible through:",
	tmplHelpUsage:        "Usages:",

	tmplConfigKeyNotExists: "That setting doesn't exist. Use `config` to see all settings.",
	tmplConfigKeyReadOnly:  "That setting is read-only.",
	tmplConfigKeyModified:  "The setting has been modified!",
	tmplConfigKeyInvalid:   "That's not a valid value for `%s`: %s",
	tmplConfigResetSuccess: "All settings have been reset to their default values.",
	tmplConfigResetKey:     "`%s` has been reset to its default value `%s`.",
	tmplConfigResetWarning: "This resets **all** settings. If you're sure, use `config reset yesimsure`.",
	tmplConfigListenMine:   ":warning: I will only listen in the configured `bot_channel`. If you rename the channel you might not be able to reach me anymore. Mention me with `config bot_listen all` to undo this.",
	tmplConfigTitle:        "Current settings for %s [%d / %d]",
	tmplConfigDescription:  "To see more details about a setting:\n`%scfg settingname`",
	tmplConfigFooter:       "Page %d / %d | Press the buttons for other pages",
	tmplConfigTags:         "Settings can be filtered by tag with `%scfg tag <tagname>`:",
	tmplConfigDetail:       "Config help for **%s**\n\nCurrent value: \"**%s**\"\nDefault value: \"**%s**\"\n\nDescription:\n%s\nTo set it back to default: `%scfg %s %s`",

	tmplBlacklistEmpty:          "There are no commands restricted in this server.",
	tmplBlacklistHeader:         "The following commands are restricted:",
	tmplBlacklistNotFound:       "I couldn't find the command `%s`.",
	tmplBlacklistNotDisableable: "The command `%s` can't be disabled.",
	tmplBlacklistDisabled:       "The command `%s` has been disabled!",
	tmplBlacklistEnabled:        "The command `%s` has been enabled!",
	tmplBlacklistResetChannel:   "All overrides for %s have been removed.",
	tmplBlacklistResetAll:       "All channel overrides have been removed.",
	tmplBlacklistReset:          "All commands are enabled again and all overrides have been removed.",
	tmplBlacklistResetConfirm:   "This enables all commands and removes every override. If you're sure, use `command reset yesimsure`.",
	tmplBlacklistUnknownChannel: "I can't find that channel.",
	tmplBlacklistEntryGuild:     "%s `%s` is %s in the whole server",
	tmplBlacklistEntryChannels:  "%s `%s` is %s in: %s",

	tmplMusicNotPlaying:    "Nothing is playing right now.",
	tmplMusicNowPlaying:    ":notes: Now playing: **%s** (%s / %s)",
	tmplMusicSkipped:       "Skipped **%s**.",
	tmplMusicStopped:       "Stopped playing music and cleared the queue.",
	tmplMusicLeft:          "I left the voice channel.",
	tmplMusicJoined:        "Joined voice channel **%s**.",
	tmplMusicNotInVoice:    "You need to be in a voice channel for that.",
	tmplMusicQueueEmpty:    "The queue is empty.",
	tmplMusicQueued:        "Added **%s** to the queue.",
	tmplMusicVolume:        "The volume is currently **%d**.",
	tmplMusicVolumeChanged: "The volume is now **%d**.",
	tmplMusicVolumeInvalid: "The volume must be a number between 0 and 100.",
	tmplMusicPlaylistEmpty: "There's nothing in the playlist I can play.",
	tmplMusicFileNotFound:  "I couldn't find `%s` in the music directory.",
	tmplMusicNoDirectory:   "No music directory has been configured.",
	tmplMusicWrongChannel:  "Music commands only work in %s.",

	tmplPing:                     ":ping_pong: Pong! Gateway latency: %s",
	tmplStatusCollecting:         "I couldn't collect host statistics.",
	tmplReloadDone:               "Reloaded configuration.",
	tmplUnknownCommandSuggestion: "Unknown command. Use `%shelp` to see what I can do.",
}

// Templates renders user-facing messages from a message catalog
type Templates struct {
	printer *message.Printer
	known   map[string]struct{}
}

// NewTemplates builds a catalog from the default templates, plus
// any overrides, and returns a Templates rendering for the given language.
func NewTemplates(tag language.Tag, overrides map[string]string) (
	*Templates,
	error,
) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	t := &Templates{known: make(map[string]struct{}, len(defaultTemplates))}

	for key, msg := range defaultTemplates {
		if err := b.SetString(language.English, key, msg); err != nil {
			return nil, fmt.Errorf("error adding template %q: %w", key, err)
		}
		t.known[key] = struct{}{}
	}
	for key, msg := range overrides {
		if err := b.SetString(tag, key, msg); err != nil {
			return nil, fmt.Errorf("error adding template %q: %w", key, err)
		}
		t.known[key] = struct{}{}
	}
	t.printer = message.NewPrinter(tag, message.Catalog(b))
	return t, nil
}

// Get renders the template with the given key. Unknown keys are
// returned as-is.
func (t *Templates) Get(key string, args ...any) string {
	if _, ok := t.known[key]; !ok {
		return key
	}
	return t.printer.Sprintf(key, args...)
}

// Has reports whether a template with the given key exists
func (t *Templates) Has(key string) bool {
	_, ok := t.known[key]
	return ok
}

// Keys returns the sorted template keys
func (t *Templates) Keys() []string {
	keys := make([]string, 0, len(t.known))
	for k := range t.known {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render renders the template referenced by a ReplyError
func (t *Templates) Render(e *ReplyError) string {
	return t.Get(e.Key, e.Args...)
}
