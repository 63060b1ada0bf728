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

	"event-payments/config"
	"event-payments/internal/api"
	"event-payments/internal/broker"
	"event-payments/internal/gateway"
	"event-payments/internal/gateway/formpay"
	"event-payments/internal/gateway/mock"
	"event-payments/internal/gateway/tokenpay"
	"event-payments/internal/redisclient"
	"event-payments/internal/service"
	"event-payments/internal/store"
	"event-payments/internal/util"
	"event-payments/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting event payments service")

	tp, err := util.InitTracer("event-payments", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	price, err := decimal.NewFromString(cfg.Business.EventPrice)
	if err != nil {
		logger.Fatal("Invalid EVENT_PRICE", zap.String("value", cfg.Business.EventPrice), zap.Error(err))
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.RunMigrations {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	paymentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
	defer paymentProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	logger.Info("Kafka producers initialized")

	gateways := newGatewayRegistry(cfg.Gateway)

	discountEngine := service.NewDiscountEngine(db)
	orchestrator := service.NewPaymentOrchestrator(service.PaymentDeps{
		Payments:  db,
		Discounts: discountEngine,
		Gateways:  gateways,
		Events:    db,
		Attendees: db,
		Users:     db,
		Locker:    redisClient,
		Publisher: broker.NewEventPublisher(paymentProducer),
	}, service.PaymentConfig{
		DefaultPrice:   price,
		Currency:       cfg.Business.Currency,
		CallbackURL:    cfg.Business.CallbackURL,
		GatewayTimeout: cfg.Gateway.Timeout,
		VerifyLockTTL:  cfg.Business.VerifyLockTTL,
	})

	notifier := service.NewPaymentNotifier(db, db, broker.NewNotificationPublisher(notificationProducer))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(paymentConsumer, notifier)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		orchestrator,
		discountEngine,
		api.NewRateLimiter(redisClient, cfg.Business.RateLimitPerMinute),
		map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	)
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newGatewayRegistry registers every configured adapter. The mock adapter is
// always available and becomes primary when the requested provider is not.
func newGatewayRegistry(cfg config.GatewayConfig) *gateway.Registry {
	logger := util.GetLogger()
	client := &http.Client{Timeout: cfg.Timeout}

	registry := gateway.NewRegistry()
	registry.Register(mock.New(mock.Config{
		SuccessRate: cfg.MockSuccessRate,
		Latency:     cfg.MockLatency,
	}))

	if cfg.FormPayBaseURL != "" && cfg.FormPayAPIKey != "" {
		registry.Register(formpay.New(formpay.Config{
			BaseURL:           cfg.FormPayBaseURL,
			APIKey:            cfg.FormPayAPIKey,
			ConversionDivisor: cfg.FormPayConversionDivisor,
			Timeout:           cfg.Timeout,
		}, client))
	}

	if cfg.TokenPayBaseURL != "" {
		registry.Register(tokenpay.New(tokenpay.Config{
			BaseURL:    cfg.TokenPayBaseURL,
			MerchantID: cfg.TokenPayMerchantID,
			Timeout:    cfg.Timeout,
		}, client))
	}

	if err := registry.SetPrimary(cfg.Provider); err != nil {
		logger.Warn("Configured payment gateway unavailable, using mock",
			zap.String("provider", cfg.Provider),
			zap.Strings("registered", registry.Names()),
			zap.Error(err))
		_ = registry.SetPrimary(mock.Name)
	}

	logger.Info("Payment gateways registered",
		zap.Strings("names", registry.Names()),
		zap.String("provider", cfg.Provider))
	return registry
}
