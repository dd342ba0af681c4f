package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"order-engine/internal/models"
	"order-engine/internal/service"
	"order-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const idempotencyTTL = 24 * time.Hour

// Engine is the order engine as seen by the HTTP layer.
type Engine interface {
	CreateOrder(ctx context.Context, header service.OrderHeader, items []service.LineItem) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
	TransferOrders(ctx context.Context, fromCustomerID, toCustomerID int64) (int64, error)
	ShipOrder(ctx context.Context, orderID int64) error
	DeliverOrder(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error)
	GetStock(ctx context.Context, productID int64) (int, error)
	Ping(ctx context.Context) error
}

// IdempotencyStore maps client request keys to the orders they created.
type IdempotencyStore interface {
	GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error)
	RememberOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error
}

// Handler contains HTTP handlers
type Handler struct {
	engine      Engine
	idempotency IdempotencyStore
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. idempotency may be nil.
func NewHandler(engine Engine, idempotency IdempotencyStore) *Handler {
	return &Handler{
		engine:      engine,
		idempotency: idempotency,
		logger:      util.GetLogger().Named("http"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(loggingMiddleware(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)
		v1.POST("/customers/:id/transfer", h.transferOrders)
		v1.GET("/products/:id/stock", h.getStock)
	}
}

type createOrderRequest struct {
	CustomerID int64              `json:"customer_id"`
	OrderDate  time.Time          `json:"order_date"`
	Items      []service.LineItem `json:"items"`
}

type transferRequest struct {
	ToCustomerID int64 `json:"to_customer_id"`
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the database answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.engine.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unavailable",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	key := c.GetHeader("Idempotency-Key")
	if key != "" && h.idempotency != nil {
		orderID, ok, err := h.idempotency.GetIdempotentOrder(ctx, key)
		if err != nil {
			h.logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			c.JSON(http.StatusOK, gin.H{"order_id": orderID, "replayed": true})
			return
		}
	}

	orderID, err := h.engine.CreateOrder(ctx,
		service.OrderHeader{CustomerID: req.CustomerID, OrderDate: req.OrderDate}, req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if key != "" && h.idempotency != nil {
		if err := h.idempotency.RememberOrder(ctx, key, orderID, idempotencyTTL); err != nil {
			h.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id": orderID,
		"status":   models.StatusPending,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, items, err := h.engine.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	cancelled, err := h.engine.CancelOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "cancelled": cancelled})
}

func (h *Handler) shipOrder(c *gin.Context) {
	h.advance(c, h.engine.ShipOrder, models.StatusShipped)
}

func (h *Handler) deliverOrder(c *gin.Context) {
	h.advance(c, h.engine.DeliverOrder, models.StatusDelivered)
}

func (h *Handler) advance(c *gin.Context, fn func(context.Context, int64) error, to models.Status) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), orderID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": to})
}

func (h *Handler) transferOrders(c *gin.Context) {
	fromID, ok := pathID(c)
	if !ok {
		return
	}

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	n, err := h.engine.TransferOrders(c.Request.Context(), fromID, req.ToCustomerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transferred": n})
}

func (h *Handler) getStock(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	stock, err := h.engine.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": stock})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindOrderNotFound, service.KindCustomerNotFound, service.KindProductNotFound:
		return http.StatusNotFound
	case service.KindInsufficientStock, service.KindInvalidStateTransition, service.KindAlreadyCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)

	body := gin.H{"error": kind.String()}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["message"] = "internal error"
	} else {
		body["message"] = err.Error()
	}
	if productID, ok := service.InsufficientProduct(err); ok {
		body["product_id"] = productID
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
