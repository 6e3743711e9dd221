package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the batch pipeline.
const (
	TopicBatchSubmitted = "kestrel.batch.submitted"
	TopicRunCompleted   = "kestrel.run.completed"
	TopicVerdictFlagged = "kestrel.verdict.flagged"
)

// BatchSubmittedEvent is published when a batch is staged for analysis.
type BatchSubmittedEvent struct {
	BatchID string         `json:"batchId"`
	Mode    EvaluationMode `json:"mode"`
	TraceID string         `json:"traceId,omitempty"`
}

// RunCompletedEvent is published after a staged batch has been analyzed.
type RunCompletedEvent struct {
	RunID   string  `json:"runId"`
	BatchID string  `json:"batchId"`
	Summary Summary `json:"summary"`
	Error   string  `json:"error,omitempty"`
}

// VerdictFlaggedEvent is published for each anomalous verdict of a run.
type VerdictFlaggedEvent struct {
	RunID   string  `json:"runId"`
	Verdict Verdict `json:"verdict"`
}
