package emily

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	ErrOutboxMessageTooOld = errors.New("message too old")
	ErrOutboxStopped       = errors.New("outbox stopped")
)

// OutboundMessage is a message waiting to be sent, to either a channel
// or a user (via DM)
type OutboundMessage struct {
	ChannelID string
	UserID    string
	Content   string
	Embed     *discordgo.MessageEmbed
	ReplyTo   *discordgo.MessageReference

	// Reactions are added to the sent message, in order
	Reactions []string

	// Priority messages are sent before others, and are the last to be
	// dropped when the outbox is full
	Priority  bool
	CreatedAt time.Time

	// OnSent is called after Discord acknowledges the message, with the
	// message it returned
	OnSent func(msg *discordgo.Message)

	// OnError is called if the message is dropped or fails to send
	OnError func(err error)

	index int
}

func (m *OutboundMessage) Age() time.Duration {
	return time.Since(m.CreatedAt)
}

func (m *OutboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", m.ChannelID),
		slog.String("user_id", m.UserID),
		slog.Bool("priority", m.Priority),
		slog.Bool("embed", m.Embed != nil),
		slog.Int("reactions", len(m.Reactions)),
		slog.String("content", truncate(m.Content, 50)),
		slog.Time("created_at", m.CreatedAt),
	)
}

func (m *OutboundMessage) fail(err error) {
	if m.OnError != nil {
		m.OnError(err)
	}
}

// messageSender delivers outbound messages
type messageSender interface {
	send(ctx context.Context, m *OutboundMessage) (*discordgo.Message, error)
}

// Outbox is a bounded priority queue of outbound messages, drained by a
// single rate-limited worker
type Outbox struct {
	queue   *outboxQueue
	config  *OutboxConfig
	logger  *slog.Logger
	mu      sync.Mutex
	limiter *rate.Limiter
	sender  messageSender
	notify  chan struct{}
}

func NewOutbox(
	config *OutboxConfig,
	sender messageSender,
	logger *slog.Logger,
) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{
		queue:   &outboxQueue{},
		config:  config,
		logger:  logger,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		notify:  make(chan struct{}, 1),
	}
	heap.Init(o.queue)
	return o
}

// Clear discards every queued message
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range *o.queue {
		m.fail(ErrOutboxStopped)
	}
	o.queue = &outboxQueue{}
	heap.Init(o.queue)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// oldestNonPriority finds the index of the oldest message in the queue
// where OutboundMessage.Priority is false. If none are found, the
// returned boolean is false.
func (o *Outbox) oldestNonPriority() (int, bool) {
	idx := -1
	for i, m := range *o.queue {
		if m.Priority {
			continue
		}
		if idx == -1 || m.CreatedAt.Before((*o.queue)[idx].CreatedAt) {
			idx = i
		}
	}
	return idx, idx != -1
}

// Push queues a message. When the outbox is full, the oldest
// non-priority message is dropped to make room. If there are only
// priority messages, the oldest of those is dropped instead.
func (o *Outbox) Push(ctx context.Context, m *OutboundMessage) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	logger := contextLoggerOr(ctx, o.logger)

	o.mu.Lock()
	if o.config.Size > 0 && o.queue.Len() >= o.config.Size {
		var dropped *OutboundMessage
		if idx, found := o.oldestNonPriority(); found {
			dropped = heap.Remove(o.queue, idx).(*OutboundMessage)
		} else {
			dropped = o.queue.oldest()
			heap.Remove(o.queue, dropped.index)
		}
		logger.WarnContext(
			ctx,
			"outbox full, dropped oldest message",
			"dropped", dropped,
			"max_size", o.config.Size,
		)
		defer dropped.fail(errors.New("outbox full"))
	}
	heap.Push(o.queue, m)
	size := o.queue.Len()
	o.mu.Unlock()

	logger.DebugContext(ctx, "queued message", "message", m, "queue_size", size)
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Pop returns the next message which isn't past the configured max age.
// Expired messages are discarded. Returns nil if the queue is empty.
func (o *Outbox) Pop() *OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	for o.queue.Len() > 0 {
		m := heap.Pop(o.queue).(*OutboundMessage)
		if o.config.MaxAge > 0 && m.Age() > o.config.MaxAge {
			o.logger.Warn(
				"discarded old message",
				"message", m,
				"max_age", o.config.MaxAge,
			)
			m.fail(ErrOutboxMessageTooOld)
			continue
		}
		return m
	}
	return nil
}

// Run sends queued messages until ctx is cancelled
func (o *Outbox) Run(ctx context.Context) {
	o.logger.InfoContext(ctx, "outbox worker started")
	for {
		if ctx.Err() != nil {
			o.logger.InfoContext(ctx, "outbox worker stopped")
			return
		}

		m := o.Pop()
		if m == nil {
			select {
			case <-ctx.Done():
			case <-o.notify:
			case <-time.After(o.config.SleepEmpty):
			}
			continue
		}

		if err := o.limiter.Wait(ctx); err != nil {
			m.fail(err)
			continue
		}
		o.deliver(ctx, m)
	}
}

// deliver sends the message and runs its callbacks. A panic in OnSent
// is recovered so it can't stop the worker.
func (o *Outbox) deliver(ctx context.Context, m *OutboundMessage) {
	logger := o.logger.With("message", m)
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "recovered panic delivering message", "panic", p)
		}
	}()

	msg, err := o.sender.send(ctx, m)
	if err != nil {
		logger.ErrorContext(ctx, "error sending message", tint.Err(err))
		m.fail(err)
		return
	}
	if m.OnSent != nil {
		m.OnSent(msg)
	}
}

// outboxQueue implements heap.Interface. Priority messages sort first,
// then oldest first.
type outboxQueue []*OutboundMessage

func (pq outboxQueue) Len() int {
	return len(pq)
}

func (pq outboxQueue) Less(i, j int) bool {
	left := pq[i]
	right := pq[j]
	if left.Priority != right.Priority {
		return left.Priority
	}
	return left.CreatedAt.Before(right.CreatedAt)
}

func (pq outboxQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *outboxQueue) Push(x any) {
	n := len(*pq)
	item := x.(*OutboundMessage)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *outboxQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

func (pq outboxQueue) oldest() *OutboundMessage {
	var oldest *OutboundMessage
	for _, m := range pq {
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	return oldest
}
