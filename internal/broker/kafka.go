package broker

import (
	"context"
	"fmt"
	"time"

	"order-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const eventTypeHeader = "event_type"

// Producer publishes to a single Kafka topic.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer, logger: util.GetLogger().Named("kafka")}
}

// Publish writes one message. Messages with the same key land on the same
// partition, so events of one order stay ordered.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	err := p.writer.WriteMessages(ctx, toKafka(msg))
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event",
		zap.ByteString("key", msg.Key),
		zap.String("type", msg.Type))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

func toKafka(msg Message) kafka.Message {
	return kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: []kafka.Header{{Key: eventTypeHeader, Value: []byte(msg.Type)}},
		Time:    time.Now(),
	}
}

func fromKafka(msg kafka.Message) Message {
	out := Message{Key: msg.Key, Value: msg.Value}
	for _, h := range msg.Headers {
		if h.Key == eventTypeHeader {
			out.Type = string(h.Value)
		}
	}
	return out
}

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader  messageReader
	topic   string
	backoff Backoff
	logger  *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(reader, topic, DefaultBackoff)
}

func newConsumer(reader messageReader, topic string, backoff Backoff) *Consumer {
	return &Consumer{
		reader:  reader,
		topic:   topic,
		backoff: backoff,
		logger:  util.GetLogger().Named("kafka"),
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// StartConsuming fetches messages until ctx is done. FetchMessage advances the
// group cursor past a message whether or not it is committed, so a failed
// message is retried in place with backoff; nothing after it is fetched or
// committed until the handler accepts it.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		if err := c.handle(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

// handle runs handler until it succeeds. It only fails when ctx is done.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	for attempt := 0; ; attempt++ {
		err := handler(ctx, fromKafka(msg))
		if err == nil {
			return nil
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Warn("Error handling message, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
