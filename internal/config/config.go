// Package config loads broker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Broker    BrokerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	WebSocket WebSocketConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	Mode            string // "debug" or "release"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	EnableCORS      bool
	CORSOrigins     []string
}

type BrokerConfig struct {
	MaxQueueSize      int
	MessageRetention  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	DeadLetterMaxSize int
	DeadLetterNotify  bool
	RequestTimeout    time.Duration
}

// StorageConfig selects the persistence backend: "memory", "postgres",
// or "redis".
type StorageConfig struct {
	Backend          string
	MessageRetention time.Duration
}

type DatabaseConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	SSLMode     string
	PoolSize    int
	ConnTimeout time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

type AuthConfig struct {
	Enabled   bool
	DemoKeys  bool
	RateLimit float64 // requests per second per key
	RateBurst int
}

type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
}

// Load reads configuration from the environment with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("RELAYMQ_HOST", "0.0.0.0"),
			Port:            getEnv("RELAYMQ_PORT", "7530"),
			Mode:            getEnv("GIN_MODE", "release"),
			ReadTimeout:     getDurationEnv("RELAYMQ_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("RELAYMQ_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("RELAYMQ_SHUTDOWN_TIMEOUT", 10*time.Second),
			EnableCORS:      getBoolEnv("RELAYMQ_CORS_ENABLED", true),
			CORSOrigins:     getEnvSlice("RELAYMQ_CORS_ORIGINS", []string{"*"}),
		},
		Broker: BrokerConfig{
			MaxQueueSize:      getIntEnv("RELAYMQ_MAX_QUEUE_SIZE", 1000),
			MessageRetention:  getDurationEnv("RELAYMQ_MESSAGE_RETENTION", time.Hour),
			MaxRetries:        getIntEnv("RELAYMQ_MAX_RETRIES", 3),
			RetryDelay:        getDurationEnv("RELAYMQ_RETRY_DELAY", 5*time.Second),
			DeadLetterMaxSize: getIntEnv("RELAYMQ_DLQ_MAX_SIZE", 1000),
			DeadLetterNotify:  getBoolEnv("RELAYMQ_DLQ_NOTIFY", false),
			RequestTimeout:    getDurationEnv("RELAYMQ_REQUEST_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:          getEnv("RELAYMQ_STORAGE", "memory"),
			MessageRetention: getDurationEnv("RELAYMQ_STORAGE_RETENTION", 24*time.Hour),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnv("DB_PORT", "5432"),
			User:        getEnv("DB_USER", "relaymq"),
			Password:    getEnv("DB_PASSWORD", ""),
			Name:        getEnv("DB_NAME", "relaymq"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			PoolSize:    getIntEnv("DB_POOL_SIZE", 10),
			ConnTimeout: getDurationEnv("DB_CONN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
			Timeout:  getDurationEnv("REDIS_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("RELAYMQ_AUTH_ENABLED", true),
			DemoKeys:  getBoolEnv("RELAYMQ_DEMO_KEYS", true),
			RateLimit: getFloatEnv("RELAYMQ_RATE_LIMIT", 100),
			RateBurst: getIntEnv("RELAYMQ_RATE_BURST", 200),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("METRICS_ENABLED", true),
			Path:      getEnv("METRICS_PATH", "/metrics"),
			Namespace: getEnv("METRICS_NAMESPACE", "relaymq"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getIntEnv("RELAYMQ_WS_READ_BUFFER", 4096),
			WriteBufferSize: getIntEnv("RELAYMQ_WS_WRITE_BUFFER", 4096),
			PingInterval:    getDurationEnv("RELAYMQ_WS_PING_INTERVAL", 30*time.Second),
			PongTimeout:     getDurationEnv("RELAYMQ_WS_PONG_TIMEOUT", 60*time.Second),
			WriteTimeout:    getDurationEnv("RELAYMQ_WS_WRITE_TIMEOUT", 10*time.Second),
			SendBuffer:      getIntEnv("RELAYMQ_WS_SEND_BUFFER", 256),
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Database.Password == "" && c.Server.Mode == "release" {
		return fmt.Errorf("DB_PASSWORD must be set when using the postgres backend in release mode")
	}
	if c.Broker.MaxQueueSize <= 0 {
		return fmt.Errorf("RELAYMQ_MAX_QUEUE_SIZE must be positive")
	}
	if c.Broker.DeadLetterMaxSize <= 0 {
		return fmt.Errorf("RELAYMQ_DLQ_MAX_SIZE must be positive")
	}
	if c.Auth.RateLimit <= 0 {
		return fmt.Errorf("RELAYMQ_RATE_LIMIT must be positive")
	}
	return nil
}

// DSN builds the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// Addr returns the redis host:port.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// ListenAddr returns the server host:port.
func (c *ServerConfig) ListenAddr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
