package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSBus is the cross-process transport. Subjects are prefixed per tenant
// so one tenant's consumers never see another's risk events.
type NATSBus struct {
	mu   sync.RWMutex
	conn *nats.Conn
	subs map[string]*natsSubscription
	cfg  domain.EventBusConfig
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS with reconnect handling and retries the
// initial dial, since the broker often comes up after us in compose
// environments.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	conn, err := dialNATS(cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("nats connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
		cfg:  cfg,
	}, nil
}

func dialNATS(cfg domain.EventBusConfig) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	opts := []nats.Option{
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("nats async error", "error", err, "subject", sub.Subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		slog.Warn("nats dial failed",
			"attempt", attempt, "max_attempts", cfg.NATSMaxReconnects, "error", err)
		time.Sleep(wait)
	}
	return nil, fmt.Errorf("nats unreachable after %d attempts: %w", cfg.NATSMaxReconnects, err)
}

// Publish sends a message to the tenant-scoped subject for the topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" || tenantID == domain.TenantWildcard {
		return fmt.Errorf("%w: a concrete tenantID is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return b.conn.Publish(subjectFor(tenantID, topic), data)
}

// Subscribe registers a handler for the tenant's topic. The tenant is the
// leading subject token, so domain.TenantWildcard maps straight onto a NATS
// single-token wildcard and receives the topic for every tenant.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	subject := subjectFor(tenantID, topic)
	natsSub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("malformed message on subject", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("subscriber handler failed",
				"subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Request performs request-reply through NATS, honoring the context
// deadline when one is set.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	reply, err := b.conn.Request(subjectFor(tenantID, topic), data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", topic, err)
	}

	var replyMsg domain.Message
	if err := json.Unmarshal(reply.Data, &replyMsg); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	return replyMsg.Payload, nil
}

// Ping flushes pending writes to verify the connection is live.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
	}
	b.subs = make(map[string]*natsSubscription)
	b.conn.Close()
	return nil
}

// Topic constants already carry the kestrel namespace, so the subject only
// adds the tenant segment.
func subjectFor(tenantID, topic string) string {
	return fmt.Sprintf("%s.%s", tenantID, topic)
}

// Stats exposes connection counters for the health endpoint.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
