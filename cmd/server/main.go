package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-engine/config"
	"order-engine/internal/api"
	"order-engine/internal/broker"
	"order-engine/internal/redisclient"
	"order-engine/internal/service"
	"order-engine/internal/store"
	"order-engine/internal/util"
	"order-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order engine",
		zap.String("env", cfg.Server.Env),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("broker", cfg.Broker.Kind))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("order-engine", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	var (
		stockCache  service.StockCache
		idempotency api.IdempotencyStore
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StockTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		stockCache = redisClient
		idempotency = redisClient
		logger.Info("Redis connected")
	}

	publisher, source, err := openBroker(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize broker", zap.Error(err))
	}
	defer publisher.Close()

	inventoryClient := service.NewInventoryClient(db, stockCache)
	orchestrator := service.NewOrchestrator(db, inventoryClient, broker.NewEventPublisher(publisher), service.Options{
		ReleasePolicy:      cfg.Business.ReleasePolicy,
		AllowCancelShipped: cfg.Business.AllowCancelShipped,
	})

	ctx := context.Background()
	if err := inventoryClient.SyncInventoryToRedis(ctx); err != nil {
		logger.Warn("Failed to sync inventory to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var projection *worker.StockProjectionWorker
	if source != nil && stockCache == nil {
		// nothing to project into
		_ = source.Close()
		source = nil
	}
	if source != nil {
		projection = worker.NewStockProjectionWorker(source, db, inventoryClient)
		go func() {
			if err := projection.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Stock projection worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, idempotency)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if projection != nil {
		if err := projection.Stop(); err != nil {
			logger.Warn("Error stopping stock projection worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// openBroker returns the event publisher and, when one exists, the source the
// stock projection consumes from.
func openBroker(cfg *config.Config) (broker.Publisher, broker.Source, error) {
	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		return producer, consumer, nil
	case config.BrokerRabbitMQ:
		publisher, err := broker.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue)
		if err != nil {
			return nil, nil, err
		}
		consumer, err := broker.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue)
		if err != nil {
			publisher.Close()
			return nil, nil, err
		}
		return publisher, consumer, nil
	}
	return broker.NopPublisher{}, nil, nil
}
