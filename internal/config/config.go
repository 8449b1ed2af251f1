package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Queue    QueueConfig
	API      APIConfig
	Worker   WorkerConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// QueueConfig holds Redis configuration for the campaign job queue and the
// outbound event channel.
type QueueConfig struct {
	RedisURL      string
	JobQueueName  string
	EventsChannel string
}

// APIConfig holds API server configuration
type APIConfig struct {
	Port int
}

// WorkerConfig holds pipeline worker configuration
type WorkerConfig struct {
	Concurrency          int
	SendTimeout          time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	SessionRatePerMinute int
	MetricsPort          int
}

// LeaseDuration is how long a claimed recipient stays exclusive to one
// worker. Twice the send timeout so a hung send always expires its lease
// after the call itself has been abandoned.
func (w WorkerConfig) LeaseDuration() time.Duration {
	return 2 * w.SendTimeout
}

// Load reads configuration from environment variables, with an optional
// .env file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPort, err := getIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	apiPort, err := getIntEnv("API_PORT", 8080)
	if err != nil {
		return nil, err
	}

	concurrency, err := getIntEnv("WORKER_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}

	sessionRate, err := getIntEnv("SESSION_RATE_PER_MINUTE", 20)
	if err != nil {
		return nil, err
	}

	sweepBatch, err := getIntEnv("SWEEP_BATCH_SIZE", 200)
	if err != nil {
		return nil, err
	}

	sendTimeout, err := getDurationEnv("SEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := getDurationEnv("SWEEP_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}

	metricsPort, err := getIntEnv("METRICS_PORT", 9091)
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "broadcast"),
			Password: getEnv("DB_PASSWORD", "broadcast"),
			DBName:   getEnv("DB_NAME", "broadcast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Queue: QueueConfig{
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			JobQueueName:  getEnv("JOB_QUEUE_NAME", "campaign_jobs"),
			EventsChannel: getEnv("EVENTS_CHANNEL", "broadcast.events"),
		},
		API: APIConfig{
			Port: apiPort,
		},
		Worker: WorkerConfig{
			Concurrency:          concurrency,
			SendTimeout:          sendTimeout,
			SweepInterval:        sweepInterval,
			SweepBatchSize:       sweepBatch,
			SessionRatePerMinute: sessionRate,
			MetricsPort:          metricsPort,
		},
	}, nil
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
