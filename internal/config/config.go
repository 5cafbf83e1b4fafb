package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the stockpilot server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Broker   BrokerConfig
	Worker   WorkerConfig
	Model    ModelConfig
	Forecast ForecastConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	LogLevel        string
	RateLimitPerMin int
	EmbeddedWorkers bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BrokerConfig struct {
	Kind              string
	Stream            string
	Group             string
	DeadLetterStream  string
	DeadLetterMaxLen  int
	AMQPURL           string
	AMQPQueue         string
	AMQPDeadLetter    string
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
}

type WorkerConfig struct {
	Concurrency     int
	TaskTimeout     time.Duration
	Lease           time.Duration
	ShutdownTimeout time.Duration
}

type ModelConfig struct {
	Kind          string
	Path          string
	FeaturesPath  string
	RemoteURL     string
	RemoteTimeout time.Duration
}

// ForecastConfig carries the business parameters of the prediction pipeline.
type ForecastConfig struct {
	HorizonDays      int     `validate:"gt=0"`
	MinHistoryPoints int     `validate:"gt=0"`
	DashboardWindow  int     `validate:"gt=0"`
	DashboardTTL     time.Duration
	ModelErrorStd    float64 `validate:"gte=0"`
	LeadTimeDays     int     `validate:"gt=0"`
	LeadTimeStdDays  float64 `validate:"gte=0"`
	ServiceLevel     float64 `validate:"gt=0,lt=1"`
	// Recursive feeds each day's prediction back into later lag features.
	Recursive        bool
}

var validBrokers = map[string]bool{
	"redis":    true,
	"rabbitmq": true,
	"memory":   true,
}

var validModelKinds = map[string]bool{
	"file": true,
	"http": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("STOCKPILOT_PORT", 8080),
			Env:             envString("STOCKPILOT_ENV", "development"),
			LogLevel:        envString("LOG_LEVEL", "info"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			EmbeddedWorkers: envBool("EMBEDDED_WORKERS", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Broker: BrokerConfig{
			Kind:              envString("BROKER_KIND", "redis"),
			Stream:            envString("BROKER_STREAM", "stockpilot:tasks"),
			Group:             envString("BROKER_GROUP", "stockpilot-workers"),
			DeadLetterStream:  envString("BROKER_DEAD_LETTER_STREAM", "stockpilot:tasks:dead"),
			DeadLetterMaxLen:  envInt("BROKER_DEAD_LETTER_MAXLEN", 10000),
			AMQPURL:           os.Getenv("AMQP_URL"),
			AMQPQueue:         envString("AMQP_QUEUE", "stockpilot.tasks"),
			AMQPDeadLetter:    envString("AMQP_DEAD_LETTER_EXCHANGE", ""),
			VisibilityTimeout: envDuration("BROKER_VISIBILITY_TIMEOUT", 15*time.Minute),
			BlockTimeout:      envDuration("BROKER_BLOCK_TIMEOUT", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("WORKER_CONCURRENCY", 4),
			TaskTimeout:     envDuration("WORKER_TASK_TIMEOUT", 10*time.Minute),
			Lease:           envDuration("WORKER_LEASE", 15*time.Minute),
			ShutdownTimeout: envDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Model: ModelConfig{
			Kind:          envString("MODEL_KIND", "file"),
			Path:          envString("MODEL_PATH", "models_artefacts/demand_model_v1.json"),
			FeaturesPath:  os.Getenv("MODEL_FEATURES_PATH"),
			RemoteURL:     os.Getenv("MODEL_REMOTE_URL"),
			RemoteTimeout: envDurationSecs("MODEL_REMOTE_TIMEOUT_SECS", 30*time.Second),
		},
		Forecast: ForecastConfig{
			HorizonDays:      envInt("FORECAST_HORIZON_DAYS", 90),
			MinHistoryPoints: envInt("FORECAST_MIN_HISTORY_POINTS", 30),
			DashboardWindow:  envInt("DASHBOARD_HISTORY_WINDOW", 180),
			DashboardTTL:     envDuration("DASHBOARD_CACHE_TTL", 10*time.Minute),
			ModelErrorStd:    envFloat("MODEL_ERROR_STD", 17.06),
			LeadTimeDays:     envInt("LEAD_TIME_DAYS", 30),
			LeadTimeStdDays:  envFloat("LEAD_TIME_STD_DAYS", 5),
			ServiceLevel:     envFloat("SERVICE_LEVEL", 0.95),
			Recursive:        envBool("FORECAST_RECURSIVE", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBrokers[c.Broker.Kind] {
		return fmt.Errorf("BROKER_KIND must be one of redis, rabbitmq, memory; got %q", c.Broker.Kind)
	}
	if c.Broker.Kind == "rabbitmq" && c.Broker.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when BROKER_KIND is rabbitmq")
	}
	if c.Broker.Kind == "memory" && !c.Server.EmbeddedWorkers {
		return fmt.Errorf("BROKER_KIND memory requires EMBEDDED_WORKERS=true")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be greater than 0, got %d", c.Worker.Concurrency)
	}

	if !validModelKinds[c.Model.Kind] {
		return fmt.Errorf("MODEL_KIND must be one of file, http; got %q", c.Model.Kind)
	}
	if c.Model.Kind == "file" && c.Model.Path == "" {
		return fmt.Errorf("MODEL_PATH is required when MODEL_KIND is file")
	}
	if c.Model.Kind == "http" {
		if c.Model.RemoteURL == "" {
			return fmt.Errorf("MODEL_REMOTE_URL is required when MODEL_KIND is http")
		}
		if !strings.HasPrefix(c.Model.RemoteURL, "http://") && !strings.HasPrefix(c.Model.RemoteURL, "https://") {
			return fmt.Errorf("MODEL_REMOTE_URL must start with http:// or https://, got %q", c.Model.RemoteURL)
		}
	}

	if err := validator.New().Struct(c.Forecast); err != nil {
		return fmt.Errorf("invalid forecast parameters: %w", err)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
