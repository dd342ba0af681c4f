package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TryReserve decrements stock by quantity only if enough is available.
// The check and the write are one statement, so concurrent reservations
// can never take stock below zero. Returns false when nothing was reserved.
func TryReserve(ctx context.Context, q Querier, productID int64, quantity int) (bool, error) {
	res, err := q.ExecContext(ctx,
		q.Rebind("UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?"),
		quantity, productID, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release increments stock by quantity (compensation).
// Returns false when the product row no longer exists.
func Release(ctx context.Context, q Querier, productID int64, quantity int) (bool, error) {
	res, err := q.ExecContext(ctx,
		q.Rebind("UPDATE products SET stock = stock + ? WHERE id = ?"),
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("failed to release stock for product %d: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetStock reads the current stock of a product. Reservation logic never uses it.
func GetStock(ctx context.Context, q Querier, productID int64) (int, error) {
	var stock int
	err := q.GetContext(ctx, &stock, q.Rebind("SELECT stock FROM products WHERE id = ?"), productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return stock, err
}
