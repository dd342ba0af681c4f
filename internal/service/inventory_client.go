package service

import (
	"context"
	"errors"
	"fmt"

	"order-engine/internal/store"
	"order-engine/internal/util"

	"go.uber.org/zap"
)

// StockCache is a best-effort mirror of product stock. Reservations never read it.
type StockCache interface {
	GetStock(ctx context.Context, productID int64) (int, bool, error)
	SetStock(ctx context.Context, productID int64, stock int) error
	SetStocks(ctx context.Context, stocks map[int64]int) error
	DeleteStock(ctx context.Context, productID int64) error
}

// InventoryClient serves stock reads from the mirror with the store as source of truth.
type InventoryClient struct {
	store  *store.Store
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryClient creates a new inventory client. cache may be nil.
func NewInventoryClient(store *store.Store, cache StockCache) *InventoryClient {
	return &InventoryClient{
		store:  store,
		cache:  cache,
		logger: util.GetLogger().Named("inventory"),
	}
}

// GetStock returns the stock of a product, preferring a mirrored snapshot.
// An unknown product yields an error wrapping store.ErrNotFound.
func (ic *InventoryClient) GetStock(ctx context.Context, productID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.GetStock")
	defer span.End()

	if ic.cache != nil {
		stock, ok, err := ic.cache.GetStock(ctx, productID)
		switch {
		case err != nil:
			util.StockCacheRequestsTotal.WithLabelValues("error").Inc()
			ic.logger.Warn("Stock mirror read failed, falling back to DB",
				zap.Int64("product_id", productID),
				zap.Error(err))
		case ok:
			util.StockCacheRequestsTotal.WithLabelValues("hit").Inc()
			return stock, nil
		default:
			util.StockCacheRequestsTotal.WithLabelValues("miss").Inc()
		}
	}

	stock, err := store.GetStock(ctx, ic.store.GetDB(), productID)
	if err != nil {
		return 0, err
	}

	if ic.cache != nil {
		if err := ic.cache.SetStock(ctx, productID, stock); err != nil {
			ic.logger.Warn("Failed to mirror stock",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
	return stock, nil
}

// RefreshStock re-reads the given products from the store and overwrites their snapshots.
func (ic *InventoryClient) RefreshStock(ctx context.Context, productIDs ...int64) error {
	if ic.cache == nil {
		return nil
	}

	for _, id := range productIDs {
		stock, err := store.GetStock(ctx, ic.store.GetDB(), id)
		if errors.Is(err, store.ErrNotFound) {
			if err := ic.cache.DeleteStock(ctx, id); err != nil {
				return fmt.Errorf("drop snapshot of product %d: %w", id, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read stock of product %d: %w", id, err)
		}
		if err := ic.cache.SetStock(ctx, id, stock); err != nil {
			return fmt.Errorf("mirror stock of product %d: %w", id, err)
		}
	}
	return nil
}

// SyncInventoryToRedis mirrors every product's stock.
func (ic *InventoryClient) SyncInventoryToRedis(ctx context.Context) error {
	if ic.cache == nil {
		return nil
	}
	ic.logger.Info("Starting inventory sync to Redis")

	products, err := ic.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	stocks := make(map[int64]int, len(products))
	for _, p := range products {
		stocks[p.ID] = p.Stock
	}
	if err := ic.cache.SetStocks(ctx, stocks); err != nil {
		return fmt.Errorf("failed to mirror stock: %w", err)
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(products)))
	return nil
}
