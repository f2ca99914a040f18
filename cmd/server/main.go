package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/cfg"
	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	conf := cfg.LoadConfig()
	logger := log.New(os.Stdout, "[settlement] ", log.LstdFlags|log.Lmicroseconds)

	if len(conf.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters long")
	}
	minAmount, err := ledger.ParseAmount(conf.LedgerMinAmount)
	if err != nil {
		logger.Fatalf("invalid LEDGER_MIN_AMOUNT: %v", err)
	}

	db := mustConnectDB(conf)
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("failed to access sql DB: %v", err)
	}
	defer sqlDB.Close()
	if err := db.AutoMigrate(&settlement.Task{}); err != nil {
		logger.Fatalf("failed to migrate: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	var redisClient *redis.Client
	if conf.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       0,
		})
		if err := redisClient.Ping(startCtx).Err(); err != nil {
			logger.Fatalf("failed to connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	mongoClient, err := mongo.Connect(startCtx, options.Client().ApplyURI(conf.MongoURI))
	if err != nil {
		logger.Fatalf("failed to connect mongo: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Printf("mongo disconnect error: %v", err)
		}
	}()
	auditColl := mongoClient.Database(conf.MongoDatabase).Collection(conf.MongoCollection)
	if err := audit.EnsureIndexes(startCtx, auditColl); err != nil {
		logger.Printf("audit index: %v", err)
	}

	brokers := splitCSV(conf.KafkaBrokers)
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS must be set")
	}
	producer := settlement.NewKafkaNotifier(brokers, conf.KafkaTopic)
	defer producer.Close()

	ledgerClient, err := ledger.Dial(startCtx, ledger.Config{
		RPCURL:          conf.LedgerRPCURL,
		ContractAddress: conf.LedgerContract,
		ChainID:         conf.LedgerChainID,
		ConfirmTimeout:  conf.LedgerConfirmTimeout,
		MinAmountWei:    minAmount,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to connect ledger: %v", err)
	}
	defer ledgerClient.Close()
	ledgers := ledger.NewProvider(ledgerClient, ledger.NewKeystoreWallets(conf.LedgerKeystoreDir))

	repo := settlement.NewRepository(db)
	service := settlement.NewService(repo, settlement.Options{
		Retry:            settlement.RetryPolicy{MaxAttempts: conf.RetryAttempts, Backoff: conf.RetryBackoff},
		MinAmountWei:     minAmount,
		CurrencyLabel:    conf.LedgerCurrency,
		IntentStaleAfter: conf.IntentStaleAfter,
		Logger:           logger,
		Notifier:         producer,
		Journal:          audit.NewMongoJournal(auditColl),
	})

	httpMux := http.NewServeMux()
	authenticator := settlement.NewAuthenticator([]byte(conf.JWTSecret), redisClient)
	handler := settlement.NewHandler(service, authenticator, ledgers, logger)
	handler.RegisterHandlers(httpMux)
	httpServer := &http.Server{
		Addr:              ":" + pickPort(conf.HTTPPort, "8084"),
		Handler:           applyHTTPMiddleware(httpMux, conf, redisClient, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+pickPort(conf.GrpcPort, "9094"))
	if err != nil {
		logger.Fatalf("failed to listen on gRPC port: %v", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(settlement.OperatorInterceptor(authenticator)))
	settlement.RegisterSettlementServer(grpcServer, settlement.NewGrpcHandler(service, ledgers, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	go func() {
		logger.Printf("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		logger.Printf("gRPC server listening on %s", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Println("shutdown signal received")
	case err := <-errCh:
		logger.Printf("server error: %v", err)
	}

	healthServer.Shutdown()
	// in-flight sagas finish their ledger calls before the listeners close
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.LedgerConfirmTimeout+10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
	logger.Println("settlement service stopped")
}

func mustConnectDB(conf cfg.Config) *gorm.DB {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		conf.DBHost,
		conf.DBPort,
		conf.DBUser,
		conf.DBPassword,
		conf.DBName,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to init sql DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func applyHTTPMiddleware(mux *http.ServeMux, conf cfg.Config, rdb *redis.Client, logger *log.Logger) http.Handler {
	handler := http.Handler(mux)
	handler = settlement.RequestSizeLimitMiddleware(1 << 20)(handler)
	handler = settlement.NewRateLimiter(conf.RateLimitRequests, conf.RateLimitWindow, rdb, logger).Middleware(handler)
	handler = settlement.CORSMiddleware(conf.CORSOrigins)(handler)
	handler = settlement.SecurityHeadersMiddleware(handler)
	handler = settlement.RequestLogMiddleware(logger)(handler)
	return handler
}

func pickPort(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
