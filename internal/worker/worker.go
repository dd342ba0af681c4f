package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-engine/internal/broker"
	"order-engine/internal/models"
	"order-engine/internal/util"

	"go.uber.org/zap"
)

// EventLedger remembers which events were already applied.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// StockRefresher re-reads products from the source of truth into the mirror.
type StockRefresher interface {
	RefreshStock(ctx context.Context, productIDs ...int64) error
}

// StockProjectionWorker keeps the stock mirror in step with committed orders.
// It only reads the database; a lost or late event leaves a stale snapshot
// until its TTL expires, never a wrong reservation.
type StockProjectionWorker struct {
	source broker.Source
	ledger EventLedger
	stock  StockRefresher
	logger *zap.Logger
}

// NewStockProjectionWorker creates a new projection worker
func NewStockProjectionWorker(source broker.Source, ledger EventLedger, stock StockRefresher) *StockProjectionWorker {
	return &StockProjectionWorker{
		source: source,
		ledger: ledger,
		stock:  stock,
		logger: util.GetLogger().Named("stock-projection"),
	}
}

// Start starts the worker
func (w *StockProjectionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock projection worker")
	return w.source.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *StockProjectionWorker) Stop() error {
	w.logger.Info("Stopping stock projection worker")
	return w.source.Close()
}

// HandleMessage applies one event. Malformed events are dropped; refresh
// failures are returned so the broker redelivers.
func (w *StockProjectionWorker) HandleMessage(ctx context.Context, msg broker.Message) error {
	base, err := broker.DecodeBase(msg.Value)
	if err != nil || base.EventID == "" {
		util.EventsProcessedTotal.WithLabelValues(msg.Type, "malformed").Inc()
		w.logger.Warn("Dropping malformed event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	done, err := w.ledger.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", base.EventID, err)
	}
	if done {
		util.EventsProcessedTotal.WithLabelValues(base.EventType, "duplicate").Inc()
		return nil
	}

	productIDs, err := affectedProducts(base.EventType, msg.Value)
	if err != nil {
		util.EventsProcessedTotal.WithLabelValues(base.EventType, "malformed").Inc()
		w.logger.Warn("Dropping undecodable event",
			zap.String("event_id", base.EventID),
			zap.String("event_type", base.EventType),
			zap.Error(err))
		return nil
	}

	if len(productIDs) > 0 {
		if err := w.stock.RefreshStock(ctx, productIDs...); err != nil {
			util.EventsProcessedTotal.WithLabelValues(base.EventType, "error").Inc()
			return fmt.Errorf("refresh stock for event %s: %w", base.EventID, err)
		}
	}

	if err := w.ledger.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		return fmt.Errorf("mark event %s: %w", base.EventID, err)
	}

	util.EventsProcessedTotal.WithLabelValues(base.EventType, "applied").Inc()
	w.logger.Debug("Event applied",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.Int("products", len(productIDs)))
	return nil
}

// affectedProducts lists the products whose stock an event changed.
func affectedProducts(eventType string, value []byte) ([]int64, error) {
	var items []models.OrderItemData

	switch eventType {
	case models.EventTypeOrderCreated:
		var event models.OrderCreatedEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return nil, err
		}
		items = event.Items
	case models.EventTypeOrderCancelled:
		var event models.OrderCancelledEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return nil, err
		}
		items = event.Items
	default:
		return nil, nil
	}

	seen := make(map[int64]bool, len(items))
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	return ids, nil
}
