package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-engine/internal/models"
)

const orderColumns = "id, customer_id, order_date, total_amount, status, created_at, updated_at"

// CreateOrder inserts an order header and returns its generated ID.
// The ID is usable immediately to attach items in the same transaction.
func CreateOrder(ctx context.Context, q Querier, order *models.Order) (int64, error) {
	query := q.Rebind(`
		INSERT INTO orders (customer_id, order_date, total_amount, status)
		VALUES (?, ?, ?, ?)
		RETURNING id`)

	var id int64
	if err := q.GetContext(ctx, &id, query,
		order.CustomerID, order.OrderDate, order.TotalAmount, order.Status.String()); err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}
	order.ID = id
	return id, nil
}

// AddOrderItem inserts a line item bound to an existing, possibly uncommitted, order.
func AddOrderItem(ctx context.Context, q Querier, item *models.OrderItem) error {
	query := q.Rebind(`
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)

	if err := q.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal); err != nil {
		return fmt.Errorf("failed to insert item for product %d: %w", item.ProductID, err)
	}
	return nil
}

// GetOrderStatus returns the status of an order, or ErrNotFound.
func GetOrderStatus(ctx context.Context, q Querier, orderID int64) (models.Status, error) {
	var status string
	err := q.GetContext(ctx, &status, q.Rebind("SELECT status FROM orders WHERE id = ?"), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return models.Status(status), nil
}

// SetOrderStatus moves an order from one status to another. The state machine
// is checked first, then the write is conditioned on the order still being in
// from, so two racing transitions cannot both apply.
func SetOrderStatus(ctx context.Context, q Querier, orderID int64, from, to models.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("order %d %s -> %s: %w", orderID, from, to, ErrInvalidTransition)
	}

	res, err := q.ExecContext(ctx,
		q.Rebind("UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?"),
		to.String(), orderID, from.String())
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %d no longer %s: %w", orderID, from, ErrStatusConflict)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func GetOrderByID(ctx context.Context, q Querier, id int64) (*models.Order, error) {
	var order models.Order
	err := q.GetContext(ctx, &order,
		q.Rebind("SELECT "+orderColumns+" FROM orders WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByCustomerID retrieves orders for a customer, newest first
func GetOrdersByCustomerID(ctx context.Context, q Querier, customerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := q.SelectContext(ctx, &orders,
		q.Rebind("SELECT "+orderColumns+" FROM orders WHERE customer_id = ? ORDER BY id DESC"), customerID)
	return orders, err
}

// ListOrderItems retrieves all items for an order
func ListOrderItems(ctx context.Context, q Querier, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.SelectContext(ctx, &items,
		q.Rebind("SELECT id, order_id, product_id, quantity, unit_price, subtotal FROM order_items WHERE order_id = ? ORDER BY id"),
		orderID)
	return items, err
}

// ReassignOrders moves every order of one customer to another and returns how many moved.
func ReassignOrders(ctx context.Context, q Querier, fromCustomerID, toCustomerID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		q.Rebind("UPDATE orders SET customer_id = ?, updated_at = CURRENT_TIMESTAMP WHERE customer_id = ?"),
		toCustomerID, fromCustomerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign orders: %w", err)
	}
	return res.RowsAffected()
}
