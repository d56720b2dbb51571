package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaMinBytes = 10_000     // 10KB
	kafkaMaxBytes = 10_000_000 // 10MB

	handlerRetryInterval = 5 * time.Second
)

type Config struct {
	Brokers []string
	GroupID string
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(config Config) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 5 * time.Millisecond,
			Async:        false,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
	})
}

func (p *KafkaPublisher) PublishBatch(ctx context.Context, topic string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, kafka.Message{
			Topic: topic,
			Key:   []byte(m.Key),
			Value: m.Body,
		})
	}

	return p.writer.WriteMessages(ctx, messages...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer runs one consumer-group reader per registered topic. The
// group may have multiple instances; each owns a disjoint set of partitions.
type KafkaConsumer struct {
	config   Config
	handlers map[string]TopicMessageHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaConsumer(config Config) *KafkaConsumer {
	return &KafkaConsumer{
		config:   config,
		handlers: map[string]TopicMessageHandler{},
	}
}

func (c *KafkaConsumer) RegisterTopicMessageHandler(topic string, handler TopicMessageHandler) {
	c.handlers[topic] = handler
}

func (c *KafkaConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for topic, handler := range c.handlers {
		c.wg.Add(1)
		go c.consume(ctx, topic, handler)
	}
}

func (c *KafkaConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *KafkaConsumer) consume(ctx context.Context, topic string, handler TopicMessageHandler) {
	defer c.wg.Done()

	log := logging.GetFromContext(ctx).With(slog.String("topic", topic), slog.String("group", c.config.GroupID))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		Topic:    topic,
		MinBytes: kafkaMinBytes,
		MaxBytes: kafkaMaxBytes,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to fetch message", "err", err.Error())
			continue
		}

		// a failed handler is retried in place rather than committed,
		// so the authoritative state change is never silently lost
		for {
			err = handler(ctx, Message{Key: string(msg.Key), Body: msg.Value}, log)
			if err == nil {
				break
			}

			log.Error("message handler failed, will retry", "key", string(msg.Key), "err", err.Error())

			select {
			case <-ctx.Done():
				return
			case <-time.After(handlerRetryInterval):
			}
		}

		err = reader.CommitMessages(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to commit offset", "err", err.Error())
		}
	}
}

// EnsureTopics creates any missing topics so consumers can join before the
// first message is produced.
func EnsureTopics(ctx context.Context, brokers []string, partitions int, topics ...string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	for _, topic := range topics {
		err = ctrlConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}

	return nil
}
