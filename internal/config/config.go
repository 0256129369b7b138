package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Delivery modes
const (
	DeliveryLog = "log"
	DeliverySES = "ses"
	DeliverySQS = "sqs"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	StoreDriver string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config. An empty host disables rate limiting and run locks.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack override
	SESFromEmail string
	SQSQueueURL  string
	SNSTopicARN  string

	// Delivery
	DeliveryMode         string
	DeliveryPollInterval time.Duration
	DeliveryMaxRetries   int

	// App
	BaseURL          string
	CronSecret       string
	JWTSecret        string
	DefaultPlanLimit int
	JoinRateLimit    int // per client IP per minute, 0 disables

	// Scheduler
	SchedulerEnabled  bool
	DigestSchedule    string
	ExpirySchedule    string
	MilestoneSchedule string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: StorePostgres,
		DBHost:      "localhost",
		DBPort:      5432,
		DBUser:      "postgres",
		DBName:      "waitlistq",
		DBSSLMode:   "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@waitlistq.local",

		DeliveryMode:         DeliveryLog,
		DeliveryPollInterval: 5 * time.Second,
		DeliveryMaxRetries:   3,

		BaseURL:          "http://localhost:3000",
		DefaultPlanLimit: 100,
		JoinRateLimit:    20,

		DigestSchedule:    "0 0 9 * * MON",
		ExpirySchedule:    "0 0 8 * * *",
		MilestoneSchedule: "0 0 * * * *",
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = stringEnv("ENV", cfg.Env)

	// Database config
	cfg.StoreDriver = stringEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = stringEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config. REDIS_HOST may be set to an empty value on purpose.
	if host, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = stringEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.AWSEndpoint = stringEnv("AWS_ENDPOINT", cfg.AWSEndpoint)
	cfg.SESFromEmail = stringEnv("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.SQSQueueURL = stringEnv("SQS_QUEUE_URL", cfg.SQSQueueURL)
	cfg.SNSTopicARN = stringEnv("SNS_TOPIC_ARN", cfg.SNSTopicARN)

	cfg.DeliveryMode = stringEnv("DELIVERY_MODE", cfg.DeliveryMode)
	if cfg.DeliveryPollInterval, err = durationEnv("DELIVERY_POLL_INTERVAL", cfg.DeliveryPollInterval); err != nil {
		return nil, err
	}
	if cfg.DeliveryMaxRetries, err = intEnv("DELIVERY_MAX_RETRIES", cfg.DeliveryMaxRetries); err != nil {
		return nil, err
	}

	cfg.BaseURL = stringEnv("BASE_URL", cfg.BaseURL)
	cfg.CronSecret = stringEnv("CRON_SECRET", cfg.CronSecret)
	cfg.JWTSecret = stringEnv("JWT_SECRET", cfg.JWTSecret)
	if cfg.DefaultPlanLimit, err = intEnv("DEFAULT_PLAN_LIMIT", cfg.DefaultPlanLimit); err != nil {
		return nil, err
	}
	if cfg.JoinRateLimit, err = intEnv("JOIN_RATE_LIMIT", cfg.JoinRateLimit); err != nil {
		return nil, err
	}

	// Scheduler
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_ENABLED: %w", err)
		}
		cfg.SchedulerEnabled = b
	}
	cfg.DigestSchedule = stringEnv("DIGEST_SCHEDULE", cfg.DigestSchedule)
	cfg.ExpirySchedule = stringEnv("EXPIRY_SCHEDULE", cfg.ExpirySchedule)
	cfg.MilestoneSchedule = stringEnv("MILESTONE_SCHEDULE", cfg.MilestoneSchedule)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q (want postgres or memory)", c.StoreDriver)
	}

	switch c.DeliveryMode {
	case DeliveryLog:
	case DeliverySES:
		if c.SESFromEmail == "" {
			return fmt.Errorf("invalid DELIVERY_MODE: ses requires SES_FROM_EMAIL")
		}
	case DeliverySQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("invalid DELIVERY_MODE: sqs requires SQS_QUEUE_URL")
		}
	default:
		return fmt.Errorf("invalid DELIVERY_MODE: %q (want log, ses or sqs)", c.DeliveryMode)
	}

	if c.DefaultPlanLimit <= 0 {
		return fmt.Errorf("invalid DEFAULT_PLAN_LIMIT: must be positive")
	}
	if c.JoinRateLimit < 0 {
		return fmt.Errorf("invalid JOIN_RATE_LIMIT: must not be negative")
	}
	return nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
