// Package emily implements a Discord bot driven by prefix commands
// (ex: `!help`, or `@emily help`).
//
// Messages are parsed by a Dispatcher, which resolves the command from
// the Registry, checks the caller's Rank and the guild's command
// overrides, and runs it. Replies go through an Outbox, which sends them
// in priority order under a rate limit. Interactive messages (help
// navigation, paginated settings) register a ReactionListener, so the
// caller can page through them with emoji reactions.
//
// Key components:
//
//   - Emily: owns the database, caches, Discord session and admin API.
//   - Registry and Command: the command set, frozen after startup.
//   - BlacklistResolver: guild-wide and per-channel command overrides.
//   - GuildSettings: per-guild settings, such as the command prefix.
//   - RankResolver: maps a user to guest, user, guild admin or bot admin.
//   - Templates: localized reply text.
//   - MusicPlayers: per-guild playlist state.
//   - API: a gin server for administering the bot.
//
// Data is stored with GORM in sqlite or PostgreSQL. When multiple
// instances share a PostgreSQL database, cache changes are announced
// with LISTEN/NOTIFY.
package emily
