package emily

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	listenerKindHelp   = "help"
	listenerKindConfig = "config"

	emojiPrevious = "⏮"
	emojiNext     = "⏭"

	actionPrevious = "previous"
	actionNext     = "next"
)

// ReactionListener is a short-lived callback bound to a sent message. It
// handles reactions from a single user (the owner) until it expires or
// its handler reports it's done.
type ReactionListener struct {
	OwnerID   string
	GuildID   string
	ChannelID string
	MessageID string

	// Kind selects the ReactionHandler which handles the listener's actions
	Kind string

	CreatedAt time.Time
	ExpiresAt time.Time

	// State is handler-specific, ex: *PaginationInfo
	State any

	actions map[string]string
	emojis  []string

	// handleMu serializes handler calls for this listener
	handleMu sync.Mutex
}

// NewReactionListener returns a listener for ownerID which expires
// after ttl. Message fields are set when it's added to a registry.
func NewReactionListener(
	ownerID string,
	kind string,
	ttl time.Duration,
	state any,
) *ReactionListener {
	now := time.Now()
	return &ReactionListener{
		OwnerID:   ownerID,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		State:     state,
		actions:   map[string]string{},
	}
}

// RegisterReaction maps an emoji to an action tag. Emojis are added to
// the message in registration order.
func (l *ReactionListener) RegisterReaction(emoji string, action string) {
	if _, exists := l.actions[emoji]; !exists {
		l.emojis = append(l.emojis, emoji)
	}
	l.actions[emoji] = action
}

// Emojis returns the registered emojis, in registration order
func (l *ReactionListener) Emojis() []string {
	return append([]string(nil), l.emojis...)
}

// Action returns the action tag for an emoji
func (l *ReactionListener) Action(emoji string) (string, bool) {
	a, ok := l.actions[emoji]
	return a, ok
}

// Expired reports whether the listener has expired at t
func (l *ReactionListener) Expired(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}

// ReactionHandler handles an action on a listener. If done is true, the
// listener is removed.
type ReactionHandler interface {
	HandleReaction(
		ctx context.Context,
		l *ReactionListener,
		action string,
	) (done bool, err error)
}

// ReactionHandlerFunc adapts a function to a ReactionHandler
type ReactionHandlerFunc func(
	ctx context.Context,
	l *ReactionListener,
	action string,
) (bool, error)

func (f ReactionHandlerFunc) HandleReaction(
	ctx context.Context,
	l *ReactionListener,
	action string,
) (bool, error) {
	return f(ctx, l, action)
}

// ListenerInfo describes an active listener
type ListenerInfo struct {
	OwnerID   string    `json:"owner_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReactionListeners is a registry of reaction listeners, keyed by guild
// and message ID
type ReactionListeners struct {
	mu        sync.Mutex
	listeners map[string]map[string]*ReactionListener
	handlers  map[string]ReactionHandler
	logger    *slog.Logger
	now       func() time.Time
}

func newReactionListeners(logger *slog.Logger) *ReactionListeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionListeners{
		listeners: map[string]map[string]*ReactionListener{},
		handlers:  map[string]ReactionHandler{},
		logger:    logger,
		now:       time.Now,
	}
}

// SetHandler sets the handler for listeners of the given kind
func (r *ReactionListeners) SetHandler(kind string, h ReactionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Add binds the listener to a sent message, and registers it. The
// message must have been acknowledged by Discord (it needs a real ID).
func (r *ReactionListeners) Add(l *ReactionListener, msg *discordgo.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("listener message has no ID")
	}
	l.GuildID = msg.GuildID
	l.ChannelID = msg.ChannelID
	l.MessageID = msg.ID

	r.mu.Lock()
	defer r.mu.Unlock()
	messages, ok := r.listeners[l.GuildID]
	if !ok {
		messages = map[string]*ReactionListener{}
		r.listeners[l.GuildID] = messages
	}
	messages[l.MessageID] = l
	r.logger.Debug(
		"added reaction listener",
		"guild_id", l.GuildID,
		"message_id", l.MessageID,
		"kind", l.Kind,
		"expires_at", l.ExpiresAt,
	)
	return nil
}

// Get returns the active listener for a message. Expired listeners are
// removed and not returned.
func (r *ReactionListeners) Get(guildID string, messageID string) (
	*ReactionListener,
	bool,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(guildID, messageID)
}

func (r *ReactionListeners) get(guildID string, messageID string) (
	*ReactionListener,
	bool,
) {
	l, ok := r.listeners[guildID][messageID]
	if !ok {
		return nil, false
	}
	if l.Expired(r.now()) {
		r.remove(guildID, messageID)
		return nil, false
	}
	return l, true
}

// Remove removes the listener for a message, if one exists
func (r *ReactionListeners) Remove(guildID string, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(guildID, messageID)
}

func (r *ReactionListeners) remove(guildID string, messageID string) {
	messages, ok := r.listeners[guildID]
	if !ok {
		return
	}
	delete(messages, messageID)
	if len(messages) == 0 {
		delete(r.listeners, guildID)
	}
}

// Handle dispatches a reaction to the message's listener. Reactions on
// unknown messages, expired listeners, reactions from anyone but the
// owner and unregistered emojis are ignored. The returned bool reports
// whether a handler was called.
func (r *ReactionListeners) Handle(
	ctx context.Context,
	reaction *discordgo.MessageReaction,
) (bool, error) {
	r.mu.Lock()
	l, ok := r.get(reaction.GuildID, reaction.MessageID)
	var handler ReactionHandler
	if ok {
		handler = r.handlers[l.Kind]
	}
	r.mu.Unlock()

	if !ok || reaction.UserID != l.OwnerID {
		return false, nil
	}

	action, ok := l.Action(reaction.Emoji.Name)
	if !ok {
		action, ok = l.Action(reaction.Emoji.APIName())
	}
	if !ok || handler == nil {
		return false, nil
	}

	l.handleMu.Lock()
	done, err := handler.HandleReaction(ctx, l, action)
	l.handleMu.Unlock()

	if err != nil {
		contextLoggerOr(ctx, r.logger).ErrorContext(
			ctx,
			"error handling reaction",
			"kind", l.Kind,
			"action", action,
			"message_id", l.MessageID,
			tint.Err(err),
		)
	}
	if done {
		r.Remove(l.GuildID, l.MessageID)
	}
	return true, err
}

// Sweep removes expired listeners, returning the number removed
func (r *ReactionListeners) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed int
	for guildID, messages := range r.listeners {
		for messageID, l := range messages {
			if l.Expired(now) {
				delete(messages, messageID)
				removed++
			}
		}
		if len(messages) == 0 {
			delete(r.listeners, guildID)
		}
	}
	return removed
}

// Run sweeps expired listeners every interval, until ctx is cancelled
func (r *ReactionListeners) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("listener sweeper stopped")
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("removed expired reaction listeners", "count", n)
			}
		}
	}
}

// Len returns the number of registered listeners, including expired
// listeners which haven't been swept
func (r *ReactionListeners) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, messages := range r.listeners {
		n += len(messages)
	}
	return n
}

// Snapshot returns the active listeners, oldest first
func (r *ReactionListeners) Snapshot() []ListenerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var infos []ListenerInfo
	for _, messages := range r.listeners {
		for _, l := range messages {
			if l.Expired(now) {
				continue
			}
			infos = append(
				infos, ListenerInfo{
					OwnerID:   l.OwnerID,
					GuildID:   l.GuildID,
					ChannelID: l.ChannelID,
					MessageID: l.MessageID,
					Kind:      l.Kind,
					CreatedAt: l.CreatedAt,
					ExpiresAt: l.ExpiresAt,
				},
			)
		}
	}
	sort.Slice(
		infos, func(i, j int) bool {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		},
	)
	return infos
}
