package cfg

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort      string
	GrpcPort      string
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  string
	KafkaTopic    string
	KafkaGroupID  string
	JWTSecret     string
	CORSOrigins   string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	LedgerRPCURL         string
	LedgerContract       string
	LedgerChainID        int64
	LedgerConfirmTimeout time.Duration
	LedgerMinAmount      string
	LedgerKeystoreDir    string
	LedgerCurrency       string

	RetryAttempts    int
	RetryBackoff     time.Duration
	IntentStaleAfter time.Duration

	// address settlectl dials and the operator token it presents
	SettlementGRPCAddr string
	SettlementToken    string
}

func LoadConfig() Config {
	// Load .env if present (silently continue on error)
	if err := godotenv.Load(); err != nil {
		log.Println(".env not found, using environment variables")
	}

	return Config{
		HTTPPort:      getEnvOrDefault("HTTP_PORT", "8084"),
		GrpcPort:      getEnvOrDefault("GRPC_PORT", "9094"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        getEnvOrDefault("DB_PORT", "5432"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:  os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:    getEnvOrDefault("KAFKA_TOPIC", "settlement-events"),
		KafkaGroupID:  getEnvOrDefault("KAFKA_GROUP_ID", "settlement-notifier"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		CORSOrigins:   getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		RateLimitRequests: int(getInt64("RATE_LIMIT_REQUESTS", 120)),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", time.Minute),

		MongoURI:        getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnvOrDefault("MONGO_DATABASE", "settlement"),
		MongoCollection: getEnvOrDefault("MONGO_COLLECTION", "audit"),

		LedgerRPCURL:         os.Getenv("LEDGER_RPC_URL"),
		LedgerContract:       os.Getenv("LEDGER_CONTRACT_ADDRESS"),
		LedgerChainID:        getInt64("LEDGER_CHAIN_ID", 0),
		LedgerConfirmTimeout: getDuration("LEDGER_CONFIRM_TIMEOUT", 2*time.Minute),
		LedgerMinAmount:      getEnvOrDefault("LEDGER_MIN_AMOUNT", "0.0001"),
		LedgerKeystoreDir:    getEnvOrDefault("LEDGER_KEYSTORE_DIR", "./keystore"),
		LedgerCurrency:       getEnvOrDefault("LEDGER_CURRENCY", "ETH"),

		RetryAttempts:    int(getInt64("SETTLEMENT_RETRY_ATTEMPTS", 3)),
		RetryBackoff:     getDuration("SETTLEMENT_RETRY_BACKOFF", 2*time.Second),
		IntentStaleAfter: getDuration("SETTLEMENT_INTENT_STALE_AFTER", 10*time.Minute),

		SettlementGRPCAddr: getEnvOrDefault("SETTLEMENT_GRPC_ADDR", "localhost:9094"),
		SettlementToken:    os.Getenv("SETTLEMENT_TOKEN"),
	}
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}
