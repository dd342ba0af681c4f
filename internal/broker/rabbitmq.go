package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"order-engine/internal/util"

	amqp "github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitMQ publishes events to a topic exchange and consumes them from a
// durable queue bound to it. Routing keys are the lower-cased event type.
type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	mu       sync.Mutex
	exchange string
	queue    string
	backoff  Backoff
	logger   *zap.Logger
}

// NewRabbitMQ dials the broker and declares the exchange and queue.
func NewRabbitMQ(url, exchange, queue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, "#", exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		queue:    queue,
		backoff:  DefaultBackoff,
		logger:   util.GetLogger().Named("rabbitmq"),
	}, nil
}

func routingKey(eventType string) string {
	return strings.ToLower(eventType)
}

// Publish sends a persistent message. amqp channels are not safe for concurrent publishing.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.channel.Publish(r.exchange, routingKey(msg.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         msg.Type,
		MessageId:    string(msg.Key),
		Body:         msg.Value,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// StartConsuming delivers queue messages to handler. Handled messages are
// acked; failed ones are requeued after a backoff that grows with each
// consecutive failure, so a handler that keeps failing cannot spin.
func (r *RabbitMQ) StartConsuming(ctx context.Context, handler MessageHandler) error {
	r.mu.Lock()
	deliveries, err := r.channel.Consume(r.queue, "", false, false, false, false, nil)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	r.logger.Info("Starting RabbitMQ consumer", zap.String("queue", r.queue))

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := r.handleDelivery(ctx, d, handler, failures); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				continue
			}
			failures = 0
		}
	}
}

// handleDelivery acks d on success. On failure it waits out the backoff for
// the given number of prior consecutive failures, then nacks with requeue.
func (r *RabbitMQ) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler, failures int) error {
	msg := Message{Key: []byte(d.MessageId), Type: d.Type, Value: d.Body}
	err := handler(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			r.logger.Error("Error acking message", zap.Error(ackErr))
		}
		return nil
	}

	delay := r.backoff.Delay(failures)
	r.logger.Error("Error handling message, requeueing",
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Bool("redelivered", d.Redelivered),
		zap.Duration("backoff", delay),
		zap.Error(err))
	_ = sleep(ctx, delay)

	if nackErr := d.Nack(false, true); nackErr != nil {
		r.logger.Error("Error nacking message", zap.Error(nackErr))
	}
	return err
}

// Close closes the RabbitMQ connection and channel.
func (r *RabbitMQ) Close() error {
	var errs []string
	if err := r.channel.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.conn.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("rabbitmq close: %s", strings.Join(errs, "; "))
	}
	return nil
}
