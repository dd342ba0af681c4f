package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders committed with their stock reserved",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected or rolled back order operations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrdersTransferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_transferred_total",
		Help: "Total number of orders reassigned between customers",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of forward status transitions",
	}, []string{"to"})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ReleasesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_releases_dropped_total",
		Help: "Restocks skipped because the product no longer exists",
	})

	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_transaction_duration_seconds",
		Help:    "Latency of transactional order operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	EventPublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_publish_failures_total",
		Help: "Total number of post-commit events that could not be published",
	}, []string{"event_type"})

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total number of events handled by the stock projection",
	}, []string{"event_type", "result"})

	StockCacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_requests_total",
		Help: "Stock mirror lookups by outcome",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
