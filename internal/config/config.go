package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Database struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type Bank struct {
	// Endpoint of the external ledger. Empty selects the in-process simulated bank.
	Endpoint   string
	AppID      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	// Opening balances of every account in the simulated bank
	OpeningCash int64
	OpeningCoin int64
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Env               string
	Debug             bool
	Port              string
	JWTSecret         string
	InternalAPIKey    string
	CORSOrigins       []string
	MatchInterval     time.Duration
	ReconcileInterval time.Duration
	Database          Database
	Bank              Bank
	Kafka             Kafka
}

func Default() Config {
	return Config{
		Env:               "development",
		Port:              "8080",
		JWTSecret:         "klear-secret-key",
		InternalAPIKey:    "klear-internal-key",
		CORSOrigins:       []string{"http://localhost:3000"},
		MatchInterval:     time.Second,
		ReconcileInterval: 5 * time.Minute,
		Database: Database{
			DSN: "exchange.db?_busy_timeout=5000&_journal_mode=WAL",
			// sqlite allows a single writer
			MaxOpenConns:    1,
			ConnMaxLifetime: 0,
		},
		Bank: Bank{
			Timeout:    3 * time.Second,
			MaxRetries: 3,
			Backoff:    100 * time.Millisecond,
		},
		Kafka: Kafka{
			Topic: "exchange-events",
		},
	}
}

// Production reports whether the service runs with production logging
func (c Config) Production() bool {
	return c.Env == "production"
}

// Load reads configuration from a .env file (if present) and the environment.
// Priority: ENV > .env file > defaults
func Load(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.Debug = os.Getenv("DEBUG") == "true"
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.InternalAPIKey = getEnv("INTERNAL_API_KEY", cfg.InternalAPIKey)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.MatchInterval = getMillis("MATCH_INTERVAL_MS", cfg.MatchInterval)
	cfg.ReconcileInterval = getMillis("RECONCILE_INTERVAL_MS", cfg.ReconcileInterval)

	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	if sec := getInt("DB_CONN_MAX_LIFETIME_SEC", -1); sec >= 0 {
		cfg.Database.ConnMaxLifetime = time.Duration(sec) * time.Second
	}

	cfg.Bank.Endpoint = getEnv("BANK_ENDPOINT", cfg.Bank.Endpoint)
	cfg.Bank.AppID = getEnv("BANK_APP_ID", cfg.Bank.AppID)
	cfg.Bank.Timeout = getMillis("BANK_TIMEOUT_MS", cfg.Bank.Timeout)
	cfg.Bank.MaxRetries = getInt("BANK_MAX_RETRIES", cfg.Bank.MaxRetries)
	cfg.Bank.Backoff = getMillis("BANK_BACKOFF_MS", cfg.Bank.Backoff)
	cfg.Bank.OpeningCash = int64(getInt("BANK_SIM_OPENING_CASH", int(cfg.Bank.OpeningCash)))
	cfg.Bank.OpeningCoin = int64(getInt("BANK_SIM_OPENING_COIN", int(cfg.Bank.OpeningCoin)))

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
