package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-engine/internal/models"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	publisher Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(publisher Publisher) *EventPublisher {
	return &EventPublisher{publisher: publisher}
}

func (ep *EventPublisher) publish(ctx context.Context, key, eventType string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return ep.publisher.Publish(ctx, Message{Key: []byte(key), Type: eventType, Value: body})
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.publish(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.publish(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.publish(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishOrdersTransferred publishes OrdersTransferred event, keyed by the receiving customer.
func (ep *EventPublisher) PublishOrdersTransferred(ctx context.Context, event *models.OrdersTransferredEvent) error {
	return ep.publish(ctx, fmt.Sprintf("customer-%d", event.ToCustomerID), event.EventType, event)
}

// DecodeBase reads the envelope fields shared by every event.
func DecodeBase(value []byte) (models.BaseEvent, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(value, &base); err != nil {
		return base, fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	return base, nil
}
