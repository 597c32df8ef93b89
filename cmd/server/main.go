package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/gateway"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Checkout.CartTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	notifications := broker.NewNotificationPublisher(producer)

	registry := gateway.NewRegistry(
		gateway.NewCOD(),
		gateway.NewStripe(gateway.StripeConfig{
			SecretKey:       cfg.Stripe.SecretKey,
			WebhookSecret:   cfg.Stripe.WebhookSecret,
			BaseURL:         cfg.Stripe.BaseURL,
			AllowUnverified: cfg.Checkout.AllowUnverifiedWebhooks,
		}),
		gateway.NewPayPal(gateway.PayPalConfig{
			ClientID:        cfg.PayPal.ClientID,
			Secret:          cfg.PayPal.Secret,
			BaseURL:         cfg.PayPal.BaseURL,
			WebhookID:       cfg.PayPal.WebhookID,
			AllowUnverified: cfg.Checkout.AllowUnverifiedWebhooks,
		}),
	)

	paymentService := service.NewPaymentService(db, registry, cfg.Checkout.Currency)
	orderAggregate := service.NewOrderAggregate(db)
	cartService := service.NewCartService(redisClient, db, db)
	checkoutService := service.NewCheckoutService(db, orderAggregate, cartService, paymentService)
	orderService := service.NewOrderService(db)
	webhookProcessor := service.NewWebhookProcessor(db, paymentService, registry)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	outboxWorker := worker.NewOutboxWorker(db, notifications, cfg.Checkout.OutboxPollInterval)
	go func() {
		if err := outboxWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Outbox worker error: %v", err)
		}
	}()

	webhookSweeper := worker.NewWebhookSweeper(webhookProcessor, cfg.Checkout.WebhookSweepInterval)
	go func() {
		if err := webhookSweeper.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Webhook sweeper error: %v", err)
		}
	}()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkoutService, orderService, cartService, webhookProcessor, paymentService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	notificationWorker.Stop()

	log.Println("Server exited")
}
