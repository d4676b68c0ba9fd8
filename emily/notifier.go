package emily

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

// notifyChannel is a postgres LISTEN/NOTIFY channel
type notifyChannel string

const (
	notifyRuntimeConfig notifyChannel = "emily_reload_runtime_config"
	notifyBlacklist     notifyChannel = "emily_reload_blacklist"
	notifyGuildSettings notifyChannel = "emily_reload_guild_settings"
	notifyStop          notifyChannel = "emily_stop"
)

var notifyChannels = []notifyChannel{
	notifyRuntimeConfig,
	notifyBlacklist,
	notifyGuildSettings,
	notifyStop,
}

// payloads are the sender's ID and an optional guild ID, separated by
// an ASCII record separator
const recordSeparator = "\x1e"

var (
	dbNotifierSendTimeout = 15 * time.Second
	dbNotifierRetryDelay  = 5 * time.Second
)

// DBNotifier tells every bot instance sharing the database that cached
// state changed. Senders act on their own notifications locally where
// needed, so remote copies carrying their own ID are ignored.
type DBNotifier interface {
	ID() string

	ReloadRuntimeConfig(ctx context.Context) bool
	ReloadBlacklist(ctx context.Context, guildID string) bool
	ReloadGuildSettings(ctx context.Context, guildID string) bool

	// Stop asks the other instances to shut down
	Stop(ctx context.Context) bool

	// Listen delivers other instances' notifications until ctx is done
	Listen(ctx context.Context) error
}

func newDBNotifier(e *Emily) (DBNotifier, error) {
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(loggerNameKey, "db_notifier", "notifier_id", id)

	switch e.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{id: id, e: e, logger: logger}, nil
	case dbTypePostgres:
		return &pgNotifier{id: id, e: e, logger: logger}, nil
	}
	return nil, fmt.Errorf("no notifier for database type %q", e.config.DatabaseType)
}

// deliverNotification routes a notification to the goroutine that acts
// on it. Sends give up after dbNotifierSendTimeout.
func (e *Emily) deliverNotification(
	ctx context.Context,
	logger *slog.Logger,
	channel notifyChannel,
	guildID string,
) bool {
	switch channel {
	case notifyRuntimeConfig:
		return forward(ctx, logger, e.triggerRuntimeConfigRefreshCh, true)
	case notifyBlacklist:
		return forward(ctx, logger, e.triggerBlacklistReloadCh, guildID)
	case notifyGuildSettings:
		return forward(ctx, logger, e.triggerGuildSettingsReloadCh, guildID)
	case notifyStop:
		return forward(ctx, logger, e.signalStop, struct{}{})
	}
	logger.WarnContext(ctx, "unknown notification channel", "channel", channel)
	return false
}

func forward[T any](ctx context.Context, logger *slog.Logger, ch chan<- T, v T) bool {
	timer := time.NewTimer(dbNotifierSendTimeout)
	defer timer.Stop()

	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		logger.WarnContext(ctx, "context done before notification was delivered", tint.Err(ctx.Err()))
	case <-timer.C:
		logger.WarnContext(ctx, "timed out delivering notification")
	}
	return false
}

// localNotifier serves a single sqlite-backed instance. Guild caches
// are updated in place by their writers and there's nobody else to
// stop, so only runtime config reloads have anything to do.
type localNotifier struct {
	id     string
	e      *Emily
	logger *slog.Logger
}

func (l *localNotifier) ID() string {
	return l.id
}

func (l *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return l.e.deliverNotification(ctx, l.logger, notifyRuntimeConfig, "")
}

func (l *localNotifier) ReloadBlacklist(context.Context, string) bool {
	return true
}

func (l *localNotifier) ReloadGuildSettings(context.Context, string) bool {
	return true
}

func (l *localNotifier) Stop(context.Context) bool {
	return true
}

func (l *localNotifier) Listen(context.Context) error {
	return nil
}

// pgNotifier fans notifications out to every instance through
// pg_notify, and LISTENs for theirs on a dedicated pgx connection
type pgNotifier struct {
	id     string
	e      *Emily
	logger *slog.Logger
}

func (p *pgNotifier) ID() string {
	return p.id
}

func (p *pgNotifier) publish(ctx context.Context, channel notifyChannel, guildID string) bool {
	payload := encodeNotification(p.id, guildID)
	err := p.e.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)", string(channel), payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "pg_notify failed", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.DebugContext(ctx, "sent notification", "channel", channel, "guild_id", guildID)
	return true
}

func (p *pgNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.publish(ctx, notifyRuntimeConfig, "")
	return p.e.deliverNotification(ctx, p.logger, notifyRuntimeConfig, "") && sent
}

func (p *pgNotifier) ReloadBlacklist(ctx context.Context, guildID string) bool {
	return p.publish(ctx, notifyBlacklist, guildID)
}

func (p *pgNotifier) ReloadGuildSettings(ctx context.Context, guildID string) bool {
	return p.publish(ctx, notifyGuildSettings, guildID)
}

func (p *pgNotifier) Stop(ctx context.Context) bool {
	return p.publish(ctx, notifyStop, "")
}

// Listen subscribes to every notify channel on one connection and
// reconnects after errors until ctx is done
func (p *pgNotifier) Listen(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.e.config.Database)
	if err != nil {
		return fmt.Errorf("error creating listener pool: %w", err)
	}
	defer pool.Close()

	for ctx.Err() == nil {
		if err = p.listen(ctx, pool); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "notification listener failed, retrying", tint.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryDelay):
			}
		}
	}
	return nil
}

func (p *pgNotifier) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, ch := range notifyChannels {
		if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{string(ch)}.Sanitize()); err != nil {
			return fmt.Errorf("LISTEN %s: %w", ch, err)
		}
	}
	p.logger.InfoContext(ctx, "listening for notifications", "channels", notifyChannels)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		sender, guildID := decodeNotification(n.Payload)
		if sender == p.id {
			continue
		}
		logger := p.logger.With("channel", n.Channel, "sender", sender, "guild_id", guildID)
		logger.InfoContext(ctx, "received notification")
		p.e.deliverNotification(ctx, logger, notifyChannel(n.Channel), guildID)
	}
}

func encodeNotification(sender, guildID string) string {
	return sender + recordSeparator + guildID
}

func decodeNotification(payload string) (sender, guildID string) {
	sender, guildID, _ = strings.Cut(payload, recordSeparator)
	return sender, guildID
}
