package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrdersTransferred  = "ORDERS_TRANSFERRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published after an order and its reservations commit
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	CustomerID  int64           `json:"customer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published after a cancellation and its restock commit
type OrderCancelledEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	FromStatus Status          `json:"from_status"`
	Items      []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on forward transitions (ship, deliver)
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	FromStatus Status `json:"from_status"`
	ToStatus   Status `json:"to_status"`
}

// OrdersTransferredEvent published after a bulk customer reassignment
type OrdersTransferredEvent struct {
	BaseEvent
	FromCustomerID int64 `json:"from_customer_id"`
	ToCustomerID   int64 `json:"to_customer_id"`
	Count          int64 `json:"count"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ItemData converts persisted items to their event form.
func ItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, it := range items {
		out = append(out, OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return out
}
