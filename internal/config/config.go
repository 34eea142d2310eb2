/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/sirupsen/logrus: Warnings are emitted before the service logger exists,
 *   so the package-level logrus logger is used.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer saga service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string  `mapstructure:"DATABASE_URL"`
	RedisURL                     string  `mapstructure:"REDIS_URL"`
	RabbitMQURL                  string  `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange             string  `mapstructure:"RABBITMQ_EXCHANGE"`
	ConsumerWorkers              int     `mapstructure:"CONSUMER_WORKERS"`
	AccountServiceURL            string  `mapstructure:"ACCOUNT_SERVICE_URL"`
	AccountServiceInternalAPIKey string  `mapstructure:"ACCOUNT_SERVICE_INTERNAL_API_KEY"`
	RiskServiceURL               string  `mapstructure:"RISK_SERVICE_URL"`
	RiskClientTimeoutMs          int     `mapstructure:"RISK_CLIENT_TIMEOUT_MS"`
	ErrorCatalogURL              string  `mapstructure:"ERROR_CATALOG_URL"`
	InternalAPIKey               string  `mapstructure:"INTERNAL_API_KEY"`
	JWTSigningKey                string  `mapstructure:"JWT_SIGNING_KEY"`
	LogLevel                     string  `mapstructure:"LOG_LEVEL"`
	LogFormat                    string  `mapstructure:"LOG_FORMAT"`
	HoldTimeoutMinutes           int     `mapstructure:"HOLD_TIMEOUT_MINUTES"`
	StrongAuthTimeoutMinutes     int     `mapstructure:"STRONG_AUTH_TIMEOUT_MINUTES"`
	RiskLowThreshold             float64 `mapstructure:"RISK_LOW_THRESHOLD"`
	RiskHighThreshold            float64 `mapstructure:"RISK_HIGH_THRESHOLD"`
	IdempotencyTTLMinutes        int     `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	DuplicateWindowSeconds       int     `mapstructure:"DUPLICATE_WINDOW_SECONDS"`
	StuckThresholdMinutes        int     `mapstructure:"STUCK_THRESHOLD_MINUTES"`
	StuckMaxRetries              int     `mapstructure:"STUCK_MAX_RETRIES"`
	ArchiveAfterDays             int     `mapstructure:"ARCHIVE_AFTER_DAYS"`
	SweepBatchSize               int     `mapstructure:"SWEEP_BATCH_SIZE"`
	BreakerWindowSize            int     `mapstructure:"BREAKER_WINDOW_SIZE"`
	BreakerMinimumCalls          int     `mapstructure:"BREAKER_MINIMUM_CALLS"`
	BreakerFailureRatePercent    float64 `mapstructure:"BREAKER_FAILURE_RATE_PERCENT"`
	BreakerOpenSeconds           int     `mapstructure:"BREAKER_OPEN_SECONDS"`
	BreakerHalfOpenCalls         int     `mapstructure:"BREAKER_HALF_OPEN_CALLS"`
	ExpiredHoldSchedule          string  `mapstructure:"EXPIRED_HOLD_SCHEDULE"`
	ExpiredAuthSchedule          string  `mapstructure:"EXPIRED_AUTH_SCHEDULE"`
	StuckSweepSchedule           string  `mapstructure:"STUCK_SWEEP_SCHEDULE"`
	CompensationSweepSchedule    string  `mapstructure:"COMPENSATION_SWEEP_SCHEDULE"`
	ArchiveSchedule              string  `mapstructure:"ARCHIVE_SCHEDULE"`
	CORSAllowedOrigins           string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// HoldTimeout is the confirmation window of a plain HOLD decision.
func (c Config) HoldTimeout() time.Duration {
	return time.Duration(c.HoldTimeoutMinutes) * time.Minute
}

// StrongAuthTimeout is the confirmation window of a HOLD_STRONG_AUTH decision.
func (c Config) StrongAuthTimeout() time.Duration {
	return time.Duration(c.StrongAuthTimeoutMinutes) * time.Minute
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

func (c Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowSeconds) * time.Second
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

func (c Config) ArchiveAfter() time.Duration {
	return time.Duration(c.ArchiveAfterDays) * 24 * time.Hour
}

func (c Config) BreakerOpenDuration() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

func (c Config) RiskClientTimeout() time.Duration {
	return time.Duration(c.RiskClientTimeoutMs) * time.Millisecond
}

// AllowedOrigins splits the comma separated CORS_ALLOWED_ORIGINS value.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RABBITMQ_EXCHANGE", "modernbank.transfers")
	viper.SetDefault("CONSUMER_WORKERS", 4)
	viper.SetDefault("RISK_CLIENT_TIMEOUT_MS", 2000)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("HOLD_TIMEOUT_MINUTES", 15)
	viper.SetDefault("STRONG_AUTH_TIMEOUT_MINUTES", 5)
	viper.SetDefault("RISK_LOW_THRESHOLD", 0.30)
	viper.SetDefault("RISK_HIGH_THRESHOLD", 0.70)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 30)
	viper.SetDefault("DUPLICATE_WINDOW_SECONDS", 60)
	viper.SetDefault("STUCK_THRESHOLD_MINUTES", 30)
	viper.SetDefault("STUCK_MAX_RETRIES", 3)
	viper.SetDefault("ARCHIVE_AFTER_DAYS", 30)
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("BREAKER_WINDOW_SIZE", 10)
	viper.SetDefault("BREAKER_MINIMUM_CALLS", 5)
	viper.SetDefault("BREAKER_FAILURE_RATE_PERCENT", 50.0)
	viper.SetDefault("BREAKER_OPEN_SECONDS", 30)
	viper.SetDefault("BREAKER_HALF_OPEN_CALLS", 3)
	viper.SetDefault("EXPIRED_HOLD_SCHEDULE", "@every 60s")
	viper.SetDefault("EXPIRED_AUTH_SCHEDULE", "@every 30s")
	viper.SetDefault("STUCK_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("COMPENSATION_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("ARCHIVE_SCHEDULE", "0 3 * * *") // daily at 03:00
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RABBITMQ_EXCHANGE")
	_ = viper.BindEnv("CONSUMER_WORKERS")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("ACCOUNT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RISK_SERVICE_URL")
	_ = viper.BindEnv("RISK_CLIENT_TIMEOUT_MS")
	_ = viper.BindEnv("ERROR_CATALOG_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SIGNING_KEY")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("HOLD_TIMEOUT_MINUTES")
	_ = viper.BindEnv("STRONG_AUTH_TIMEOUT_MINUTES")
	_ = viper.BindEnv("RISK_LOW_THRESHOLD")
	_ = viper.BindEnv("RISK_HIGH_THRESHOLD")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("DUPLICATE_WINDOW_SECONDS")
	_ = viper.BindEnv("STUCK_THRESHOLD_MINUTES")
	_ = viper.BindEnv("STUCK_MAX_RETRIES")
	_ = viper.BindEnv("ARCHIVE_AFTER_DAYS")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("BREAKER_WINDOW_SIZE")
	_ = viper.BindEnv("BREAKER_MINIMUM_CALLS")
	_ = viper.BindEnv("BREAKER_FAILURE_RATE_PERCENT")
	_ = viper.BindEnv("BREAKER_OPEN_SECONDS")
	_ = viper.BindEnv("BREAKER_HALF_OPEN_CALLS")
	_ = viper.BindEnv("EXPIRED_HOLD_SCHEDULE")
	_ = viper.BindEnv("EXPIRED_AUTH_SCHEDULE")
	_ = viper.BindEnv("STUCK_SWEEP_SCHEDULE")
	_ = viper.BindEnv("COMPENSATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ARCHIVE_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.AccountServiceInternalAPIKey = strings.TrimSpace(config.AccountServiceInternalAPIKey)
	if config.AccountServiceInternalAPIKey == "" {
		config.AccountServiceInternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQExchange = strings.TrimSpace(config.RabbitMQExchange)
	if config.RabbitMQExchange == "" {
		config.RabbitMQExchange = "modernbank.transfers"
	}

	if config.RiskLowThreshold <= 0 || config.RiskLowThreshold >= 1 {
		logrus.WithFields(logrus.Fields{"component": "config", "value": config.RiskLowThreshold}).Warn("invalid low risk threshold; using default")
		config.RiskLowThreshold = 0.30
	}
	if config.RiskHighThreshold <= config.RiskLowThreshold || config.RiskHighThreshold >= 1 {
		logrus.WithFields(logrus.Fields{"component": "config", "value": config.RiskHighThreshold}).Warn("invalid high risk threshold; using default")
		config.RiskHighThreshold = 0.70
		if config.RiskLowThreshold >= config.RiskHighThreshold {
			config.RiskLowThreshold = 0.30
		}
	}
	if config.BreakerFailureRatePercent <= 0 || config.BreakerFailureRatePercent > 100 {
		logrus.WithFields(logrus.Fields{"component": "config", "value": config.BreakerFailureRatePercent}).Warn("invalid breaker failure rate; using default")
		config.BreakerFailureRatePercent = 50
	}

	positiveOrDefault(&config.ConsumerWorkers, 4)
	positiveOrDefault(&config.RiskClientTimeoutMs, 2000)
	positiveOrDefault(&config.HoldTimeoutMinutes, 15)
	positiveOrDefault(&config.StrongAuthTimeoutMinutes, 5)
	positiveOrDefault(&config.IdempotencyTTLMinutes, 30)
	positiveOrDefault(&config.DuplicateWindowSeconds, 60)
	positiveOrDefault(&config.StuckThresholdMinutes, 30)
	positiveOrDefault(&config.StuckMaxRetries, 3)
	positiveOrDefault(&config.ArchiveAfterDays, 30)
	positiveOrDefault(&config.SweepBatchSize, 100)
	positiveOrDefault(&config.BreakerWindowSize, 10)
	positiveOrDefault(&config.BreakerMinimumCalls, 5)
	positiveOrDefault(&config.BreakerOpenSeconds, 30)
	positiveOrDefault(&config.BreakerHalfOpenCalls, 3)
	if config.BreakerMinimumCalls > config.BreakerWindowSize {
		config.BreakerMinimumCalls = config.BreakerWindowSize
	}

	return
}

func positiveOrDefault(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}
