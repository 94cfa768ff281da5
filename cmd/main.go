/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * the reconciliation scheduler, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for approval rate limiting.
 * - github.com/shopspring/decimal: Materiality threshold parsing.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/chainclient, pkg/paymentclient, pkg/fdsclient: Clients for the blockchain adapter,
 *   payment gateway, and fraud detection service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hanachain/donation-service/internal/api"
	"github.com/hanachain/donation-service/internal/app"
	"github.com/hanachain/donation-service/internal/config"
	"github.com/hanachain/donation-service/internal/store"
	"github.com/hanachain/donation-service/pkg/chainclient"
	"github.com/hanachain/donation-service/pkg/fdsclient"
	"github.com/hanachain/donation-service/pkg/paymentclient"
	"github.com/hanachain/donation-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if cfg.IsProduction() && strings.TrimSpace(cfg.WebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook secret must be configured in production\" env=PAYMENT_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s environment=%s", cfg.ServerPort, cfg.Environment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind a pooler.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish donation and campaign events.
	// If the broker is unavailable at boot the service degrades to a no-op producer
	// rather than refusing to start.
	var eventProducer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the external service clients.
	chainClient := chainclient.NewClient(cfg.ChainAPIBaseURL, cfg.ChainAPIKey)
	paymentGateway := paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPISecret)
	fraudScorer := fdsclient.NewClient(cfg.FdsAPIBaseURL)

	// Redis backs the approval rate limiter. Missing or unreachable Redis should not
	// prevent the service from booting; approval rate limiting will degrade.
	var rateLimiter app.RateLimiter
	if cfg.ApprovalRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; approval rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; approval rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; approval rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					rateLimiter = app.NewRedisApprovalRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	materiality, err := decimal.NewFromString(cfg.SyncMaterialityThreshold)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"materiality threshold parse failed\" value=%s err=%v", cfg.SyncMaterialityThreshold, err)
	}

	// Initialize the data access layer and the core application service.
	repository := store.NewPostgresRepository(dbpool)

	donationService := app.NewService(app.ServiceParams{
		Repo:          repository,
		ChainClient:   chainClient,
		Gateway:       paymentGateway,
		FraudScorer:   fraudScorer,
		EventProducer: eventProducer,
		RateLimiter:   rateLimiter,

		TokenDecimals:         cfg.TokenDecimals,
		MaterialityThreshold:  materiality,
		ConfirmationTimeout:   time.Duration(cfg.ConfirmationTimeoutSecs) * time.Second,
		RegistrationRetryWait: time.Duration(cfg.RegistrationRetryDelaySecs) * time.Second,
		FdsTimeout:            time.Duration(cfg.FdsTimeoutSecs) * time.Second,
		ApprovalWindow:        time.Duration(cfg.ApprovalWindowMinutes) * time.Minute,
		ApprovalRateLimit:     cfg.ApprovalRateLimitPerMinute,
		ApprovalRateWindow:    time.Duration(cfg.ApprovalRateWindowSecs) * time.Second,
		FullSyncInterval:      time.Duration(cfg.FullSyncIntervalMins) * time.Minute,
	})

	// Wire up the payment event consumer: payment gateway status updates arrive over
	// RabbitMQ as well as the HTTP webhook, and both paths converge on ProcessPayment.
	paymentConsumer := app.NewPaymentEventConsumer(donationService)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	paymentBindings := map[string]func([]byte) bool{
		"payment.status.paid":      paymentConsumer.HandleMessage,
		"payment.status.failed":    paymentConsumer.HandleMessage,
		"payment.status.cancelled": paymentConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(rabbitmq.DonationEventsExchange, cfg.PaymentEventQueue, paymentBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
	}

	// Start the reconciliation scheduler.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(donationService, slogger, cfg)
	scheduler.Start()

	// Initialize the API handlers and router.
	donationHandlers := api.NewDonationHandlers(donationService)
	webhookHandlers := api.NewWebhookHandlers(donationService, cfg.WebhookSecret, cfg.IsProduction())
	router := api.DonationRoutes(donationHandlers, webhookHandlers, cfg)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Wait for any in-flight cron jobs to finish.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
