package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/store"
	"order-engine/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Release policies for restocking a product that no longer exists.
const (
	ReleasePolicyStrict  = "strict"
	ReleasePolicyLenient = "lenient"
)

// ErrDataIntegrity marks a restock that found no product row under the strict policy.
var ErrDataIntegrity = errors.New("data integrity violation")

// EventPublisher publishes domain events after a unit has committed.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrdersTransferred(ctx context.Context, event *models.OrdersTransferredEvent) error
}

// Options holds the business policies of the orchestrator.
type Options struct {
	// ReleasePolicy is ReleasePolicyStrict or ReleasePolicyLenient.
	ReleasePolicy string
	// AllowCancelShipped permits Shipped -> Cancelled.
	AllowCancelShipped bool
}

// DefaultOptions returns strict restocking with shipped orders cancellable.
func DefaultOptions() Options {
	return Options{ReleasePolicy: ReleasePolicyStrict, AllowCancelShipped: true}
}

// OrderHeader is the caller-supplied part of a new order.
type OrderHeader struct {
	CustomerID int64     `json:"customer_id" validate:"gt=0"`
	OrderDate  time.Time `json:"order_date"`
}

// LineItem is one requested line of a new order.
type LineItem struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Orchestrator coordinates orders and stock as atomic units.
type Orchestrator struct {
	store     *store.Store
	inventory *InventoryClient
	events    EventPublisher
	opts      Options
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	store *store.Store,
	inventory *InventoryClient,
	events EventPublisher,
	opts Options,
) *Orchestrator {
	if opts.ReleasePolicy == "" {
		opts.ReleasePolicy = ReleasePolicyStrict
	}
	return &Orchestrator{
		store:     store,
		inventory: inventory,
		events:    events,
		opts:      opts,
		validate:  validator.New(),
		logger:    util.GetLogger().Named("orchestrator"),
	}
}

// CreateOrder inserts the header, every item and every stock reservation as one
// unit. The first product without enough stock aborts and rolls back everything.
func (o *Orchestrator) CreateOrder(ctx context.Context, header OrderHeader, items []LineItem) (int64, error) {
	const op = "CreateOrder"
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateOrder")
	defer span.End()

	if err := o.validateOrder(header, items); err != nil {
		util.OrdersFailedTotal.WithLabelValues(KindValidation.String()).Inc()
		return 0, err
	}

	orderDate := header.OrderDate
	if orderDate.IsZero() {
		orderDate = time.Now().UTC()
	}

	lines := make([]models.OrderItem, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		subtotal := models.LineSubtotal(it.Quantity, it.UnitPrice)
		lines = append(lines, models.OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Subtotal:  subtotal,
		})
		total = total.Add(subtotal)
	}

	order := &models.Order{
		CustomerID:  header.CustomerID,
		OrderDate:   orderDate,
		TotalAmount: total,
		Status:      models.StatusPending,
	}

	start := time.Now()
	err := o.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		exists, err := store.CustomerExists(ctx, q, order.CustomerID)
		if err != nil {
			return storageFault(op, order.CustomerID, err)
		}
		if !exists {
			return customerNotFound(op, order.CustomerID)
		}

		orderID, err := store.CreateOrder(ctx, q, order)
		if err != nil {
			return storageFault(op, 0, err)
		}

		for i := range lines {
			lines[i].OrderID = orderID
			if err := store.AddOrderItem(ctx, q, &lines[i]); err != nil {
				return storageFault(op, lines[i].ProductID, err)
			}

			reserved, err := store.TryReserve(ctx, q, lines[i].ProductID, lines[i].Quantity)
			if err != nil {
				util.InventoryReservationsFailed.WithLabelValues("error").Inc()
				return storageFault(op, lines[i].ProductID, err)
			}
			if !reserved {
				util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
				return insufficientStock(op, lines[i].ProductID)
			}
		}
		return nil
	})
	util.TransactionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		err = classify(op, 0, err)
		o.fail(span, op, err, zap.Int64("customer_id", order.CustomerID))
		return 0, err
	}

	util.OrdersCreatedTotal.Inc()
	span.SetAttributes(attribute.Int64("order.id", order.ID), attribute.Int("order.items", len(lines)))
	o.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("customer_id", order.CustomerID),
		zap.String("total_amount", total.StringFixed(2)),
		zap.Int("items", len(lines)))

	o.refreshMirror(ctx, lines)
	o.publish(ctx, models.EventTypeOrderCreated, func() error {
		return o.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			TotalAmount: order.TotalAmount,
			Items:       models.ItemData(lines),
		})
	})

	return order.ID, nil
}

// CancelOrder moves an eligible order to Cancelled and restocks every line, atomically.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	const op = "CancelOrder"
	ctx, span := util.StartSpan(ctx, "Orchestrator.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	if orderID <= 0 {
		return false, validationError(op, "order id must be positive")
	}

	var (
		from  models.Status
		items []models.OrderItem
	)
	start := time.Now()
	err := o.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		status, err := o.loadStatus(ctx, q, op, orderID)
		if err != nil {
			return err
		}
		if err := o.checkCancellable(op, orderID, status); err != nil {
			return err
		}

		// status first: a concurrent cancel blocks here and then sees no Pending/Shipped row
		if err := store.SetOrderStatus(ctx, q, orderID, status, models.StatusCancelled); err != nil {
			return o.transitionError(ctx, q, op, orderID, err)
		}

		items, err = store.ListOrderItems(ctx, q, orderID)
		if err != nil {
			return storageFault(op, orderID, err)
		}

		for _, item := range items {
			released, err := store.Release(ctx, q, item.ProductID, item.Quantity)
			if err != nil {
				return storageFault(op, item.ProductID, err)
			}
			if released {
				continue
			}
			if o.opts.ReleasePolicy == ReleasePolicyLenient {
				util.ReleasesDroppedTotal.Inc()
				o.logger.Warn("Dropping restock for missing product",
					zap.Int64("order_id", orderID),
					zap.Int64("product_id", item.ProductID),
					zap.Int("quantity", item.Quantity))
				continue
			}
			return storageFault(op, item.ProductID,
				fmt.Errorf("restock of missing product %d: %w", item.ProductID, ErrDataIntegrity))
		}

		from = status
		return nil
	})
	util.TransactionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		err = classify(op, orderID, err)
		o.fail(span, op, err, zap.Int64("order_id", orderID))
		return false, err
	}

	util.OrdersCancelledTotal.Inc()
	o.logger.Info("Order cancelled and restocked",
		zap.Int64("order_id", orderID),
		zap.String("from_status", from.String()),
		zap.Int("items", len(items)))

	o.refreshMirror(ctx, items)
	o.publish(ctx, models.EventTypeOrderCancelled, func() error {
		return o.events.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderCancelled),
			OrderID:    orderID,
			FromStatus: from,
			Items:      models.ItemData(items),
		})
	})

	return true, nil
}

// TransferOrders reassigns every order of fromCustomerID to toCustomerID and
// returns how many moved. Zero is a valid outcome.
func (o *Orchestrator) TransferOrders(ctx context.Context, fromCustomerID, toCustomerID int64) (int64, error) {
	const op = "TransferOrders"
	ctx, span := util.StartSpan(ctx, "Orchestrator.TransferOrders")
	defer span.End()

	if fromCustomerID <= 0 || toCustomerID <= 0 {
		return 0, validationError(op, "customer ids must be positive")
	}

	var count int64
	start := time.Now()
	err := o.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		exists, err := store.CustomerExists(ctx, q, toCustomerID)
		if err != nil {
			return storageFault(op, toCustomerID, err)
		}
		if !exists {
			return customerNotFound(op, toCustomerID)
		}

		count, err = store.ReassignOrders(ctx, q, fromCustomerID, toCustomerID)
		if err != nil {
			return storageFault(op, fromCustomerID, err)
		}
		return nil
	})
	util.TransactionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		err = classify(op, toCustomerID, err)
		o.fail(span, op, err,
			zap.Int64("from_customer_id", fromCustomerID),
			zap.Int64("to_customer_id", toCustomerID))
		return 0, err
	}

	util.OrdersTransferredTotal.Add(float64(count))
	span.SetAttributes(attribute.Int64("orders.transferred", count))
	o.logger.Info("Orders transferred",
		zap.Int64("from_customer_id", fromCustomerID),
		zap.Int64("to_customer_id", toCustomerID),
		zap.Int64("count", count))

	if count > 0 {
		o.publish(ctx, models.EventTypeOrdersTransferred, func() error {
			return o.events.PublishOrdersTransferred(ctx, &models.OrdersTransferredEvent{
				BaseEvent:      newBaseEvent(models.EventTypeOrdersTransferred),
				FromCustomerID: fromCustomerID,
				ToCustomerID:   toCustomerID,
				Count:          count,
			})
		})
	}

	return count, nil
}

// ShipOrder moves a Pending order to Shipped.
func (o *Orchestrator) ShipOrder(ctx context.Context, orderID int64) error {
	return o.advance(ctx, "ShipOrder", orderID, models.StatusShipped)
}

// DeliverOrder moves a Shipped order to Delivered.
func (o *Orchestrator) DeliverOrder(ctx context.Context, orderID int64) error {
	return o.advance(ctx, "DeliverOrder", orderID, models.StatusDelivered)
}

func (o *Orchestrator) advance(ctx context.Context, op string, orderID int64, to models.Status) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator."+op)
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	if orderID <= 0 {
		return validationError(op, "order id must be positive")
	}

	var from models.Status
	err := o.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		status, err := o.loadStatus(ctx, q, op, orderID)
		if err != nil {
			return err
		}
		if err := store.SetOrderStatus(ctx, q, orderID, status, to); err != nil {
			return o.transitionError(ctx, q, op, orderID, err)
		}
		from = status
		return nil
	})
	if err != nil {
		err = classify(op, orderID, err)
		o.fail(span, op, err, zap.Int64("order_id", orderID))
		return err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(to.String()).Inc()
	o.logger.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	o.publish(ctx, models.EventTypeOrderStatusChanged, func() error {
		return o.events.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:    orderID,
			FromStatus: from,
			ToStatus:   to,
		})
	})
	return nil
}

// GetOrder retrieves an order and its items
func (o *Orchestrator) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	const op = "GetOrder"
	db := o.store.GetDB()

	order, err := store.GetOrderByID(ctx, db, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, orderNotFound(op, orderID)
	}
	if err != nil {
		return nil, nil, storageFault(op, orderID, err)
	}

	items, err := store.ListOrderItems(ctx, db, orderID)
	if err != nil {
		return nil, nil, storageFault(op, orderID, err)
	}
	return order, items, nil
}

// GetStock returns the current stock of a product.
func (o *Orchestrator) GetStock(ctx context.Context, productID int64) (int, error) {
	const op = "GetStock"
	if productID <= 0 {
		return 0, validationError(op, "product id must be positive")
	}

	stock, err := o.inventory.GetStock(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, productNotFound(op, productID)
	}
	if err != nil {
		return 0, storageFault(op, productID, err)
	}
	return stock, nil
}

// Ping checks the backing store.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

func (o *Orchestrator) validateOrder(header OrderHeader, items []LineItem) error {
	const op = "CreateOrder"
	if err := o.validate.Struct(header); err != nil {
		return validationError(op, "invalid header: %s", describeValidation(err))
	}
	if len(items) == 0 {
		return validationError(op, "order must contain at least one item")
	}
	for i, it := range items {
		if err := o.validate.Struct(it); err != nil {
			return validationError(op, "invalid item %d: %s", i, describeValidation(err))
		}
		if it.UnitPrice.IsNegative() {
			return validationError(op, "invalid item %d: unit price must not be negative", i)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s must be %s %s", fe.Field(), fe.Tag(), fe.Param()))
	}
	return strings.Join(parts, "; ")
}

func (o *Orchestrator) loadStatus(ctx context.Context, q store.Querier, op string, orderID int64) (models.Status, error) {
	status, err := store.GetOrderStatus(ctx, q, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return "", orderNotFound(op, orderID)
	}
	if err != nil {
		return "", storageFault(op, orderID, err)
	}
	return status, nil
}

func (o *Orchestrator) checkCancellable(op string, orderID int64, status models.Status) error {
	switch {
	case status == models.StatusCancelled:
		return &Error{Kind: KindAlreadyCancelled, Op: op, ID: orderID,
			Msg: fmt.Sprintf("order %d is already cancelled", orderID)}
	case status == models.StatusShipped && !o.opts.AllowCancelShipped:
		return &Error{Kind: KindInvalidStateTransition, Op: op, ID: orderID,
			Msg: fmt.Sprintf("order %d has shipped and cannot be cancelled", orderID)}
	case !status.CanTransitionTo(models.StatusCancelled):
		return &Error{Kind: KindInvalidStateTransition, Op: op, ID: orderID,
			Msg: fmt.Sprintf("order %d is %s and cannot be cancelled", orderID, status)}
	}
	return nil
}

// transitionError classifies a failed conditional status write. A conflict
// means another unit moved the order first; its new status decides the kind.
func (o *Orchestrator) transitionError(ctx context.Context, q store.Querier, op string, orderID int64, err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		return invalidTransition(op, orderID, err)
	case errors.Is(err, store.ErrStatusConflict):
		current, rerr := o.loadStatus(ctx, q, op, orderID)
		if rerr != nil {
			return rerr
		}
		if current == models.StatusCancelled && op == "CancelOrder" {
			return &Error{Kind: KindAlreadyCancelled, Op: op, ID: orderID, Err: err}
		}
		return invalidTransition(op, orderID, err)
	}
	return storageFault(op, orderID, err)
}

func (o *Orchestrator) fail(span trace.Span, op string, err error, fields ...zap.Field) {
	kind := KindOf(err)
	util.OrdersFailedTotal.WithLabelValues(kind.String()).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())

	fields = append(fields, zap.String("operation", op), zap.String("kind", kind.String()), zap.Error(err))
	if kind == KindStorageFault {
		o.logger.Error("Unit rolled back", fields...)
		return
	}
	o.logger.Info("Unit rejected", fields...)
}

// refreshMirror re-reads the stock of every product in items into the mirror
// after a commit. A failure only leaves a snapshot stale until its TTL.
func (o *Orchestrator) refreshMirror(ctx context.Context, items []models.OrderItem) {
	if o.inventory == nil {
		return
	}
	seen := make(map[int64]bool, len(items))
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	if err := o.inventory.RefreshStock(ctx, ids...); err != nil {
		o.logger.Warn("Failed to refresh stock mirror", zap.Int64s("product_ids", ids), zap.Error(err))
	}
}

// publish runs a post-commit publish. Failures are logged; the unit has already committed.
func (o *Orchestrator) publish(ctx context.Context, eventType string, fn func() error) {
	if o.events == nil {
		return
	}
	if err := fn(); err != nil {
		util.EventPublishFailuresTotal.WithLabelValues(eventType).Inc()
		o.logger.Error("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
