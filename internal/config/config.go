package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	SyncInterval  time.Duration
	ArrivalRadius float64
	ZoneLengthM   float64
	ZoneWidthM    float64

	SMSEndpoint   string
	SMSAPIKey     string
	SMSSenderName string
	SMSMaxPerMin  int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "position-fixes",
		SyncInterval:    5 * time.Second,
		ArrivalRadius:   50,
		ZoneLengthM:     12,
		ZoneWidthM:      6,
		SMSSenderName:   "JEEPTRACK",
		SMSMaxPerMin:    10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setDurationFromEnv(&cfg.SyncInterval, "PRESENCE_SYNC_INTERVAL", &errs)
	setFloatFromEnv(&cfg.ArrivalRadius, "ARRIVAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.ZoneLengthM, "CAPACITY_ZONE_LENGTH_M", &errs)
	setFloatFromEnv(&cfg.ZoneWidthM, "CAPACITY_ZONE_WIDTH_M", &errs)

	setStringFromEnv(&cfg.SMSEndpoint, "SMS_ENDPOINT")
	cfg.SMSAPIKey = os.Getenv("SMS_API_KEY")
	setStringFromEnv(&cfg.SMSSenderName, "SMS_SENDER_NAME")
	setIntFromEnv(&cfg.SMSMaxPerMin, "SMS_MAX_PER_MIN", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_SYNC_INTERVAL must be > 0"))
	}
	if cfg.ArrivalRadius <= 0 {
		errs = append(errs, fmt.Errorf("ARRIVAL_RADIUS_M must be > 0"))
	}
	if cfg.SMSMaxPerMin <= 0 {
		errs = append(errs, fmt.Errorf("SMS_MAX_PER_MIN must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the ingest worker's parameter set.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr     string
	RedisPassword string

	ZoneLengthM float64
	ZoneWidthM  float64

	WriteRetries    int
	WriteRetryDelay time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaTopic:      "position-fixes",
		KafkaGroupID:    "presence-writer",
		ZoneLengthM:     12,
		ZoneWidthM:      6,
		WriteRetries:    3,
		WriteRetryDelay: 200 * time.Millisecond,
		LogLevel:        "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	setFloatFromEnv(&cfg.ZoneLengthM, "CAPACITY_ZONE_LENGTH_M", &errs)
	setFloatFromEnv(&cfg.ZoneWidthM, "CAPACITY_ZONE_WIDTH_M", &errs)

	setIntFromEnv(&cfg.WriteRetries, "WRITE_RETRIES", &errs)
	setDurationFromEnv(&cfg.WriteRetryDelay, "WRITE_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.WriteRetries < 0 {
		errs = append(errs, fmt.Errorf("WRITE_RETRIES must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
