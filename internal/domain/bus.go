package domain

import (
	"context"
)

// TenantWildcard subscribes across all tenants. Publishing under the
// wildcard is not allowed; messages always carry a concrete tenant.
const TenantWildcard = "*"

// EventBus moves risk events between the analysis pipeline and its
// consumers. Every call takes a tenantID; messages never cross tenants.
type EventBus interface {
	// Publish sends a message to the tenant's topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for the tenant's topic. Passing
	// TenantWildcard as the tenantID receives the topic for every tenant.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a single reply.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages. A non-nil error is logged by
// the transport; it does not trigger redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope both transports put on the wire.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active topic subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig selects and configures the bus transport.
type EventBusConfig struct {
	// Type is "channel" (in-process) or "nats".
	Type string

	// ChannelBufferSize is the per-subscriber inbox depth for the channel
	// transport.
	ChannelBufferSize int

	// NATS settings.
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the analysis and verification pipelines.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicRiskScored          = "kestrel.risk.scored"
	TopicAlert               = "kestrel.alert"
	TopicDecision            = "kestrel.verification.decision"
	TopicWorkflowExpired     = "kestrel.workflow.expired"
	TopicComplianceViolation = "kestrel.compliance.violation"
)
