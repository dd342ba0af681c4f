package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/redisclient"
	"order-engine/internal/store"
	"order-engine/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishOrdersTransferred(ctx context.Context, event *models.OrdersTransferredEvent) error {
	return m.Called(ctx, event).Error(0)
}

// acceptAll lets every publish succeed.
func (m *mockPublisher) acceptAll() *mockPublisher {
	m.On("PublishOrderCreated", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishOrderCancelled", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishOrderStatusChanged", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("PublishOrdersTransferred", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

type harness struct {
	orch  *Orchestrator
	store *store.Store
	pub   *mockPublisher
}

func newHarness(t *testing.T, opts Options, pub *mockPublisher) *harness {
	t.Helper()
	return newHarnessOn(t, openSQLite(t), nil, opts, pub)
}

// newPostgresHarness runs against the database named by ORDER_ENGINE_POSTGRES_URL,
// emptied first. The tests using it are skipped when the variable is unset.
func newPostgresHarness(t *testing.T) *harness {
	t.Helper()
	dsn := os.Getenv("ORDER_ENGINE_POSTGRES_URL")
	if dsn == "" {
		t.Skip("Integration test - requires database (set ORDER_ENGINE_POSTGRES_URL)")
	}
	s, err := store.NewStore(store.DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.GetDB().Exec(
		"TRUNCATE order_items, orders, products, customers, processed_events RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return newHarnessOn(t, s, nil, DefaultOptions(), nil)
}

func openSQLite(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(store.DriverSQLite, filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMirror(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisclient.NewFromRedis(rdb, time.Minute)
}

func newHarnessOn(t *testing.T, s *store.Store, mirror StockCache, opts Options, pub *mockPublisher) *harness {
	t.Helper()
	if pub == nil {
		pub = new(mockPublisher).acceptAll()
	}
	return &harness{
		orch:  NewOrchestrator(s, NewInventoryClient(s, mirror), pub, opts),
		store: s,
		pub:   pub,
	}
}

func (h *harness) customer(t *testing.T, email string) int64 {
	t.Helper()
	c := &models.Customer{Name: email, Email: email}
	require.NoError(t, h.store.CreateCustomer(context.Background(), c))
	return c.ID
}

func (h *harness) product(t *testing.T, sku string, stock int) int64 {
	t.Helper()
	p := &models.Product{SKU: sku, Name: sku, Price: decimal.RequireFromString("10.00"), Stock: stock}
	require.NoError(t, h.store.CreateProduct(context.Background(), p))
	return p.ID
}

func (h *harness) stock(t *testing.T, productID int64) int {
	t.Helper()
	n, err := store.GetStock(context.Background(), h.store.GetDB(), productID)
	require.NoError(t, err)
	return n
}

func (h *harness) status(t *testing.T, orderID int64) models.Status {
	t.Helper()
	st, err := store.GetOrderStatus(context.Background(), h.store.GetDB(), orderID)
	require.NoError(t, err)
	return st
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.store.GetDB().Get(&n, "SELECT COUNT(*) FROM orders"))
	return n
}

func line(productID int64, qty int, price string) LineItem {
	return LineItem{ProductID: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func TestCreateOrderReservesStockAndComputesTotal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	p1 := h.product(t, "SKU-1", 10)
	p2 := h.product(t, "SKU-2", 5)

	orderID, err := h.orch.CreateOrder(ctx, OrderHeader{CustomerID: customerID},
		[]LineItem{line(p1, 3, "2.50"), line(p2, 5, "1.10")})
	require.NoError(t, err)
	assert.NotZero(t, orderID)

	assert.Equal(t, 7, h.stock(t, p1))
	assert.Equal(t, 0, h.stock(t, p2))

	order, items, err := h.orch.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Equal(t, customerID, order.CustomerID)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("13.00")), order.TotalAmount.String())
	require.Len(t, items, 2)
	assert.True(t, items[0].Subtotal.Equal(decimal.RequireFromString("7.50")))

	h.pub.AssertCalled(t, "PublishOrderCreated", mock.Anything,
		mock.MatchedBy(func(e *models.OrderCreatedEvent) bool {
			return e.OrderID == orderID && len(e.Items) == 2 && e.EventID != ""
		}))
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, DefaultOptions(), new(mockPublisher))
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)

	tests := []struct {
		name   string
		header OrderHeader
		items  []LineItem
	}{
		{"no items", OrderHeader{CustomerID: customerID}, nil},
		{"missing customer", OrderHeader{}, []LineItem{line(productID, 1, "1")}},
		{"zero quantity", OrderHeader{CustomerID: customerID}, []LineItem{line(productID, 0, "1")}},
		{"negative quantity", OrderHeader{CustomerID: customerID}, []LineItem{line(productID, -2, "1")}},
		{"missing product", OrderHeader{CustomerID: customerID}, []LineItem{line(0, 1, "1")}},
		{"negative price", OrderHeader{CustomerID: customerID}, []LineItem{line(productID, 1, "-0.01")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.CreateOrder(ctx, tt.header, tt.items)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}

	assert.Equal(t, 10, h.stock(t, productID))
	assert.Zero(t, h.orderCount(t))
	h.pub.AssertNotCalled(t, "PublishOrderCreated", mock.Anything, mock.Anything)
}

func TestCreateOrderUnknownCustomer(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	productID := h.product(t, "SKU-1", 10)

	_, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: 99}, []LineItem{line(productID, 1, "1")})
	assert.ErrorIs(t, err, ErrCustomerNotFound)
	assert.Equal(t, 10, h.stock(t, productID))
	assert.Zero(t, h.orderCount(t))
}

func TestCreateOrderInsufficientStockRollsBackEverything(t *testing.T) {
	h := newHarness(t, DefaultOptions(), new(mockPublisher))
	customerID := h.customer(t, "a@example.com")
	p1 := h.product(t, "SKU-1", 10)
	p2 := h.product(t, "SKU-2", 1)

	_, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID},
		[]LineItem{line(p1, 4, "1"), line(p2, 2, "1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	pid, ok := InsufficientProduct(err)
	assert.True(t, ok)
	assert.Equal(t, p2, pid)

	assert.Equal(t, 10, h.stock(t, p1))
	assert.Equal(t, 1, h.stock(t, p2))
	assert.Zero(t, h.orderCount(t))

	var items int
	require.NoError(t, h.store.GetDB().Get(&items, "SELECT COUNT(*) FROM order_items"))
	assert.Zero(t, items)
	h.pub.AssertNotCalled(t, "PublishOrderCreated", mock.Anything, mock.Anything)
}

func TestCreateOrderSameProductOnTwoLines(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 5)

	_, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID},
		[]LineItem{line(productID, 3, "1"), line(productID, 3, "1")})
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 5, h.stock(t, productID))
}

func TestCreateOrderUnknownProductRollsBack(t *testing.T) {
	h := newHarness(t, DefaultOptions(), new(mockPublisher))
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)

	_, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID},
		[]LineItem{line(productID, 4, "1"), line(9999, 1, "1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.Equal(t, KindStorageFault, KindOf(err))

	assert.Equal(t, 10, h.stock(t, productID))
	assert.Zero(t, h.orderCount(t))

	var items int
	require.NoError(t, h.store.GetDB().Get(&items, "SELECT COUNT(*) FROM order_items"))
	assert.Zero(t, items)
	h.pub.AssertNotCalled(t, "PublishOrderCreated", mock.Anything, mock.Anything)
}

func TestCreateOrderSucceedsWhenPublishFails(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishOrderCreated", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	h := newHarness(t, DefaultOptions(), pub)
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 5)

	orderID, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID},
		[]LineItem{line(productID, 1, "1")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, h.status(t, orderID))
	pub.AssertExpectations(t)
}

func TestConcurrentCreateOrderNeverOversells(t *testing.T) {
	concurrentCreateNeverOversells(t, newHarness(t, DefaultOptions(), nil))
}

func TestConcurrentCreateOrderNeverOversellsPostgres(t *testing.T) {
	concurrentCreateNeverOversells(t, newPostgresHarness(t))
}

func concurrentCreateNeverOversells(t *testing.T, h *harness) {
	customerID := h.customer(t, "a@example.com")
	const quantity = 4
	productID := h.product(t, "SKU-1", quantity)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID},
				[]LineItem{line(productID, quantity, "1")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, workers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrInsufficientStock)
	}
	assert.Equal(t, 0, h.stock(t, productID))
	assert.Equal(t, 1, h.orderCount(t))
}

func (h *harness) placeOrder(t *testing.T, customerID int64, items ...LineItem) int64 {
	t.Helper()
	id, err := h.orch.CreateOrder(context.Background(), OrderHeader{CustomerID: customerID}, items)
	require.NoError(t, err)
	return id
}

func TestCancelOrderRestocksAndIsNotRepeatable(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	p1 := h.product(t, "SKU-1", 10)
	p2 := h.product(t, "SKU-2", 10)
	orderID := h.placeOrder(t, customerID, line(p1, 4, "1"), line(p2, 6, "1"))

	ok, err := h.orch.CancelOrder(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusCancelled, h.status(t, orderID))
	assert.Equal(t, 10, h.stock(t, p1))
	assert.Equal(t, 10, h.stock(t, p2))

	ok, err = h.orch.CancelOrder(ctx, orderID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, 10, h.stock(t, p1))

	h.pub.AssertCalled(t, "PublishOrderCancelled", mock.Anything,
		mock.MatchedBy(func(e *models.OrderCancelledEvent) bool {
			return e.OrderID == orderID && e.FromStatus == models.StatusPending && len(e.Items) == 2
		}))
}

func TestCancelOrderNotFound(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)

	ok, err := h.orch.CancelOrder(context.Background(), 12345)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.orch.CancelOrder(context.Background(), 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancelDeliveredOrderIsRejected(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)
	orderID := h.placeOrder(t, customerID, line(productID, 2, "1"))

	require.NoError(t, h.orch.ShipOrder(ctx, orderID))
	require.NoError(t, h.orch.DeliverOrder(ctx, orderID))

	ok, err := h.orch.CancelOrder(ctx, orderID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.NotErrorIs(t, err, ErrAlreadyCancelled)
	assert.Equal(t, models.StatusDelivered, h.status(t, orderID))
	assert.Equal(t, 8, h.stock(t, productID))
}

func TestCancelShippedOrderFollowsPolicy(t *testing.T) {
	for _, allow := range []bool{true, false} {
		opts := DefaultOptions()
		opts.AllowCancelShipped = allow

		h := newHarness(t, opts, nil)
		ctx := context.Background()
		customerID := h.customer(t, "a@example.com")
		productID := h.product(t, "SKU-1", 10)
		orderID := h.placeOrder(t, customerID, line(productID, 3, "1"))
		require.NoError(t, h.orch.ShipOrder(ctx, orderID))

		ok, err := h.orch.CancelOrder(ctx, orderID)
		if allow {
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 10, h.stock(t, productID))
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidStateTransition)
		assert.Equal(t, models.StatusShipped, h.status(t, orderID))
		assert.Equal(t, 7, h.stock(t, productID))
	}
}

func TestConcurrentCancelRestocksOnce(t *testing.T) {
	concurrentCancelRestocksOnce(t, newHarness(t, DefaultOptions(), nil))
}

func TestConcurrentCancelRestocksOncePostgres(t *testing.T) {
	concurrentCancelRestocksOnce(t, newPostgresHarness(t))
}

func concurrentCancelRestocksOnce(t *testing.T, h *harness) {
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)
	orderID := h.placeOrder(t, customerID, line(productID, 6, "1"))

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		cancelled int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.orch.CancelOrder(context.Background(), orderID)
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyCancelled)
				return
			}
			mu.Lock()
			if ok {
				cancelled++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 10, h.stock(t, productID))
}

// dropProduct deletes a product that order lines still reference.
func dropProduct(t *testing.T, s *store.Store, productID int64) {
	t.Helper()
	db := s.GetDB()
	_, err := db.Exec("PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM products WHERE id = ?", productID)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
}

func TestCancelOrderStrictReleaseRollsBack(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	customerID := h.customer(t, "a@example.com")
	kept := h.product(t, "SKU-1", 10)
	gone := h.product(t, "SKU-2", 10)
	orderID := h.placeOrder(t, customerID, line(kept, 2, "1"), line(gone, 2, "1"))
	dropProduct(t, h.store, gone)

	ok, err := h.orch.CancelOrder(context.Background(), orderID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.ErrorIs(t, err, ErrDataIntegrity)

	assert.Equal(t, models.StatusPending, h.status(t, orderID))
	assert.Equal(t, 8, h.stock(t, kept))
}

func TestCancelOrderLenientReleaseSkipsMissingProduct(t *testing.T) {
	opts := DefaultOptions()
	opts.ReleasePolicy = ReleasePolicyLenient
	h := newHarness(t, opts, nil)
	customerID := h.customer(t, "a@example.com")
	kept := h.product(t, "SKU-1", 10)
	gone := h.product(t, "SKU-2", 10)
	orderID := h.placeOrder(t, customerID, line(kept, 2, "1"), line(gone, 2, "1"))
	dropProduct(t, h.store, gone)

	ok, err := h.orch.CancelOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusCancelled, h.status(t, orderID))
	assert.Equal(t, 10, h.stock(t, kept))
}

func TestTransferOrders(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	from := h.customer(t, "from@example.com")
	to := h.customer(t, "to@example.com")
	productID := h.product(t, "SKU-1", 10)
	for i := 0; i < 3; i++ {
		h.placeOrder(t, from, line(productID, 1, "1"))
	}

	n, err := h.orch.TransferOrders(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	orders, err := store.GetOrdersByCustomerID(ctx, h.store.GetDB(), to)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	n, err = h.orch.TransferOrders(ctx, from, to)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.orch.TransferOrders(ctx, to, to)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	h.pub.AssertNumberOfCalls(t, "PublishOrdersTransferred", 2)
}

func TestTransferOrdersUnknownTarget(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	from := h.customer(t, "from@example.com")
	productID := h.product(t, "SKU-1", 10)
	orderID := h.placeOrder(t, from, line(productID, 1, "1"))

	n, err := h.orch.TransferOrders(ctx, from, 999)
	assert.ErrorIs(t, err, ErrCustomerNotFound)
	assert.Zero(t, n)

	order, _, err := h.orch.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, from, order.CustomerID)

	_, err = h.orch.TransferOrders(ctx, 0, from)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestShipAndDeliver(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)
	orderID := h.placeOrder(t, customerID, line(productID, 1, "1"))

	assert.ErrorIs(t, h.orch.DeliverOrder(ctx, orderID), ErrInvalidStateTransition)

	require.NoError(t, h.orch.ShipOrder(ctx, orderID))
	assert.ErrorIs(t, h.orch.ShipOrder(ctx, orderID), ErrInvalidStateTransition)

	require.NoError(t, h.orch.DeliverOrder(ctx, orderID))
	assert.Equal(t, models.StatusDelivered, h.status(t, orderID))

	assert.ErrorIs(t, h.orch.ShipOrder(ctx, 4242), ErrOrderNotFound)

	h.pub.AssertCalled(t, "PublishOrderStatusChanged", mock.Anything,
		mock.MatchedBy(func(e *models.OrderStatusChangedEvent) bool {
			return e.FromStatus == models.StatusShipped && e.ToStatus == models.StatusDelivered
		}))
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)

	_, _, err := h.orch.GetOrder(context.Background(), 77)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetStockUsesMirror(t *testing.T) {
	s := openSQLite(t)
	mirror := newMirror(t)
	inventory := NewInventoryClient(s, mirror)

	p := &models.Product{SKU: "SKU-1", Name: "one", Price: decimal.NewFromInt(1), Stock: 6}
	require.NoError(t, s.CreateProduct(context.Background(), p))

	stock, err := inventory.GetStock(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stock)

	cached, ok, err := mirror.GetStock(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 6, cached)

	_, err = inventory.GetStock(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mirror.SetStock(context.Background(), p.ID, 1))
	require.NoError(t, inventory.SyncInventoryToRedis(context.Background()))
	cached, _, err = mirror.GetStock(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, cached)
}

func TestOrchestratorGetStock(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	ctx := context.Background()
	productID := h.product(t, "SKU-1", 8)

	stock, err := h.orch.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, stock)

	_, err = h.orch.GetStock(ctx, 9999)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Equal(t, KindProductNotFound, KindOf(err))

	_, err = h.orch.GetStock(ctx, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMirrorFollowsCommittedStock(t *testing.T) {
	mirror := newMirror(t)
	h := newHarnessOn(t, openSQLite(t), mirror, DefaultOptions(), nil)
	ctx := context.Background()
	customerID := h.customer(t, "a@example.com")
	productID := h.product(t, "SKU-1", 10)

	// warm the snapshot so a stale value would be served without a refresh
	stock, err := h.orch.GetStock(ctx, productID)
	require.NoError(t, err)
	require.Equal(t, 10, stock)

	orderID := h.placeOrder(t, customerID, line(productID, 3, "1"))
	cached, ok, err := mirror.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, cached)

	stock, err = h.orch.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 7, stock)

	_, err = h.orch.CancelOrder(ctx, orderID)
	require.NoError(t, err)
	cached, _, err = mirror.GetStock(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 10, cached)
}

func TestErrorKinds(t *testing.T) {
	err := insufficientStock("CreateOrder", 9)
	assert.Equal(t, "CreateOrder: insufficient stock for product 9", err.Error())
	assert.Equal(t, KindInsufficientStock, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	wrapped := classify("CancelOrder", 1, errors.New("disk full"))
	assert.ErrorIs(t, wrapped, ErrStorageFault)
	assert.Same(t, err, classify("x", 0, err))
}
