// Package bus carries risk events between the scoring pipeline and its
// consumers. Delivery is at-most-once on both transports.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var errBusClosed = errors.New("event bus is closed")

// newMessage wraps a payload in the envelope both transports put on the wire.
func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// ChannelBus is the in-process transport. Each subscription gets its own
// buffered inbox and delivery goroutine so one slow consumer cannot stall
// the others.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string][]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id      string
	bus     *ChannelBus
	key     string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates an in-process bus. bufferSize is the per-subscriber
// inbox depth.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string][]*channelSubscription),
	}
}

// Publish fans a message out to every subscriber of the tenant's topic,
// including wildcard subscribers, without blocking the caller.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" || tenantID == domain.TenantWildcard {
		return fmt.Errorf("%w: a concrete tenantID is required", domain.ErrInvalidInput)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	subs := b.targetsLocked(tenantID, topic)
	b.mu.RUnlock()

	msg := newMessage(tenantID, topic, payload)
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			// Subscriber inbox full. Risk signals are advisory so we drop
			// rather than block the scoring path, but it is worth a log line.
			slog.Warn("dropping message for slow subscriber",
				"topic", topic, "tenant_id", tenantID, "subscription_id", sub.id)
		}
	}
	return nil
}

// Subscribe registers a handler for a tenant's topic. The handler runs on a
// dedicated goroutine until Unsubscribe, context cancellation, or Close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		bus:     b,
		key:     subKey(tenantID, topic),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subs[sub.key] = append(b.subs[sub.key], sub)

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if msg == nil {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("subscriber handler failed",
					"topic", s.topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Request publishes and waits for a single reply on an ephemeral reply
// topic. The responder is expected to publish to msg.Metadata["replyTo"].
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	replyTopic := topic + ".reply." + uuid.New().String()
	replyCh := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publishRequest(ctx, tenantID, topic, replyTopic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("request on %s timed out", topic)
	}
}

func (b *ChannelBus) publishRequest(ctx context.Context, tenantID, topic, replyTopic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	subs := b.targetsLocked(tenantID, topic)
	b.mu.RUnlock()

	msg := newMessage(tenantID, topic, payload)
	msg.Metadata["replyTo"] = replyTopic
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
		}
	}
	return nil
}

// Ping reports whether the bus is accepting messages.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close cancels every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subs = make(map[string][]*channelSubscription)
	return nil
}

func subKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// targetsLocked collects the tenant's subscribers plus any wildcard
// subscribers for the topic. Callers must hold at least a read lock. The
// returned slice is freshly allocated so it stays valid after unlock.
func (b *ChannelBus) targetsLocked(tenantID, topic string) []*channelSubscription {
	direct := b.subs[subKey(tenantID, topic)]
	global := b.subs[subKey(domain.TenantWildcard, topic)]
	if len(global) == 0 {
		return direct
	}
	targets := make([]*channelSubscription, 0, len(direct)+len(global))
	targets = append(targets, direct...)
	return append(targets, global...)
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.key]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
