package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
)

// Config carries the environment-driven parameters of the process. One
// instance is loaded in main and handed to constructors. The database
// package keeps its own BLUEPRINT_ env handling so the migration tests
// can point it at a container.
type Config struct {
	Env        string // "local", "dev", "prod"
	InstanceID string // unique per process, used as the lease holder identity

	Port        string
	MetricsPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	WalletBaseURL string
	WalletTimeout time.Duration

	KafkaBrokers         string // empty disables the event feed
	TopicSettlements     string
	TopicRounds          string

	LeaseTTL time.Duration

	BetMinCents int64
	BetMaxCents int64

	PendingTTL     time.Duration
	IdempotencyTTL time.Duration

	CrashBettingWindow time.Duration
	CrashMaxCoeff      float64
	CrashHouseEdge     float64
	WheelBettingWindow time.Duration
	WheelSpinDuration  time.Duration
}

// Load reads the environment and fills in defaults suitable for local runs.
func Load() Config {
	return Config{
		Env:        getEnv("ENV", "local"),
		InstanceID: getEnv("INSTANCE_ID", defaultInstanceID()),

		Port:        getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9091"),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		DBHost:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBUser:     getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		DBPassword: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		DBName:     getEnv("BLUEPRINT_DB_DATABASE", "gamesdb"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		WalletBaseURL: getEnv("WALLET_API_URL", "http://localhost:8082"),
		WalletTimeout: getEnvAsDuration("WALLET_API_TIMEOUT_MS", 2000*time.Millisecond),

		KafkaBrokers:     getEnv("KAFKA_BROKERS", ""),
		TopicSettlements: getEnv("KAFKA_TOPIC_SETTLEMENTS", "game_settlements"),
		TopicRounds:      getEnv("KAFKA_TOPIC_ROUNDS", "game_rounds"),

		LeaseTTL: getEnvAsDuration("LEASE_TTL_MS", 15*time.Second),

		BetMinCents: getEnvAsInt64("BET_MIN_CENTS", 100),
		BetMaxCents: getEnvAsInt64("BET_MAX_CENTS", 1000000),

		PendingTTL:     getEnvAsDuration("PENDING_TTL_MS", 5*time.Minute),
		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL_MS", 2*time.Minute),

		CrashBettingWindow: getEnvAsDuration("CRASH_BETTING_MS", 5*time.Second),
		CrashMaxCoeff:      getEnvAsFloat("CRASH_MAX_COEFF", 1000000.00),
		CrashHouseEdge:     getEnvAsFloat("CRASH_HOUSE_EDGE", 0.01),
		WheelBettingWindow: getEnvAsDuration("WHEEL_BETTING_MS", 15*time.Second),
		WheelSpinDuration:  getEnvAsDuration("WHEEL_SPIN_MS", 5*time.Second),
	}
}

// PostgresDSN assembles the pgx connection string used by the database
// service and the migration tool.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvAsDuration reads a millisecond count.
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
