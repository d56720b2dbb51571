// Package broker wraps the partitioned message log the pipeline publishes
// to and consumes from. Messages are keyed so that per-device (raw
// telemetry) and per-alarm (lifecycle) ordering holds within a partition.
package broker

import (
	"context"
	"log/slog"
)

type Message struct {
	Key  string
	Body []byte
}

// TopicMessageHandler processes one message. A returned error means the
// authoritative state was not updated: the offset stays uncommitted and the
// message is delivered again, so handlers must be safe to re-run.
type TopicMessageHandler func(ctx context.Context, msg Message, log *slog.Logger) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
	PublishBatch(ctx context.Context, topic string, msgs []Message) error
	Close() error
}

type Subscriber interface {
	RegisterTopicMessageHandler(topic string, handler TopicMessageHandler)
}
