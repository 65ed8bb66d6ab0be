package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/catalog"
	"github.com/bookstore/services/storefront/internal/config"
	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/entitlement"
	"github.com/bookstore/services/storefront/internal/events"
	grpcserver "github.com/bookstore/services/storefront/internal/grpc"
	"github.com/bookstore/services/storefront/internal/httpapi"
	"github.com/bookstore/services/storefront/internal/integrity"
	"github.com/bookstore/services/storefront/internal/payment"
	"github.com/bookstore/services/storefront/internal/purchase"
	"github.com/bookstore/services/storefront/internal/ratelimit"
	"github.com/bookstore/services/storefront/internal/repo"
	"github.com/bookstore/services/storefront/internal/storage"
	"github.com/bookstore/services/storefront/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Storefront service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN, logger.NewNamed(log, "gorm"))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize repositories
	books := repo.NewBookRepository(database, log)
	ledger := repo.NewOrderRepository(database, log)
	reviews := repo.NewReviewRepository(database, log)

	// Connect to RabbitMQ; events are dropped when no broker is configured
	var bus events.Bus = events.Nop{}
	if cfg.RabbitMQURL != "" {
		log.Info("Connecting to RabbitMQ")
		publisher, err := events.NewPublisher(cfg.RabbitMQURL, logger.NewNamed(log, "events"))
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		bus = publisher
	} else {
		log.Warn("RABBITMQ_URL not set, domain events disabled")
	}
	defer bus.Close()
	emitter := events.NewEmitter(bus, logger.NewNamed(log, "events"))

	// Connect to object storage
	log.Info("Connecting to MinIO", zap.String("endpoint", cfg.MinioEndpoint))
	store, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatal("Failed to connect to MinIO", zap.Error(err))
	}

	// Rate limiters need Redis; without it requests are never throttled
	var purchaseLimiter, callbackLimiter ratelimit.Limiter = ratelimit.Unlimited{}, ratelimit.Unlimited{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		limiterLog := logger.NewNamed(log, "ratelimit")
		if purchaseLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "storefront:ratelimit:purchase", cfg.PurchaseRateLimit, cfg.RateLimitWindow, limiterLog); err != nil {
			log.Fatal("Failed to create purchase rate limiter", zap.Error(err))
		}
		if callbackLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "storefront:ratelimit:callback", cfg.CallbackRateLimit, cfg.RateLimitWindow, limiterLog); err != nil {
			log.Fatal("Failed to create callback rate limiter", zap.Error(err))
		}
	} else {
		log.Warn("REDIS_ADDR not set, rate limiting disabled")
	}

	// Payment gateway; purchases are refused while it is not configured
	var gateway payment.Gateway
	if cfg.PaymentsEnabled() {
		rzp, err := payment.NewRazorpayGateway(payment.RazorpayConfig{
			KeyID:     cfg.RazorpayKeyID,
			KeySecret: cfg.RazorpayKeySecret,
			BaseURL:   cfg.RazorpayBaseURL,
			Timeout:   cfg.RazorpayTimeout,
		}, logger.NewNamed(log, "payment"))
		if err != nil {
			log.Fatal("Failed to create payment gateway", zap.Error(err))
		}
		gateway = rzp
	} else {
		log.Warn("Razorpay keys not set, purchases disabled")
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal("Failed to initialize token verifier", zap.Error(err))
	}

	resolver := entitlement.NewResolver(ledger, reviews)
	catalogService := catalog.NewService(
		books, ledger, reviews, resolver,
		integrity.NewChecker(books, log),
		store, emitter,
		catalog.Settings{ReadURLExpiry: cfg.ReadURLExpiry},
		logger.NewNamed(log, "catalog"),
	)
	purchaseService := purchase.NewService(books, ledger, gateway, purchaseLimiter, emitter, purchase.Settings{
		Currency:    cfg.Currency,
		CompanyName: cfg.CompanyName,
		CallbackURL: cfg.PublicBaseURL + "/books/payment/callback",
	}, logger.NewNamed(log, "purchase"))
	callbacks := purchase.NewCallbackHandler(ledger, books, gateway, emitter, logger.NewNamed(log, "payment-callback"))

	healthServer := grpcserver.NewHealthServer(database, bus, store, log)

	// Create gRPC server
	grpcServer := grpcserver.NewServer(healthServer, log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}
	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: httpapi.NewRouter(httpapi.Options{
			Catalog:           catalogService,
			Purchases:         purchaseService,
			Callbacks:         callbacks,
			Tokens:            tokens,
			CallbackLimiter:   callbackLimiter,
			MaxUploadBytes:    cfg.MaxUploadBytes,
			TrustProxyHeaders: cfg.TrustProxyHeaders,
			Health:            healthServer.Status,
			Logger:            logger.NewNamed(log, "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	// Let in-flight events reach the broker before it is closed
	emitter.Wait()

	log.Info("Server stopped")
}
