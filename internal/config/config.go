/**
 * @description
 * This package handles the configuration management for the settlement service. It
 * uses Viper to read configuration from environment variables and an optional .env
 * file.
 *
 * @dependencies
 * - github.com/spf13/viper: Application configuration.
 * - github.com/shopspring/decimal: Validation of the PG fee rate override.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement service.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns    int32  `mapstructure:"DATABASE_MAX_CONNS"`
	AutoMigrate         bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange  string `mapstructure:"SETTLEMENT_EXCHANGE"`
	SettlementQueue     string `mapstructure:"SETTLEMENT_QUEUE"`
	ConsumerPrefetch    int    `mapstructure:"CONSUMER_PREFETCH"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`
	ClerkJWKSURL        string `mapstructure:"CLERK_JWKS_URL"`
	OperatorRolesRaw    string `mapstructure:"OPERATOR_ROLES"`
	CORSAllowedOrigins  string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PGFeeRateRaw        string `mapstructure:"PG_FEE_RATE"`
	BusinessTimezone    string `mapstructure:"BUSINESS_TIMEZONE"`
	EventIDPrefix       string `mapstructure:"EVENT_ID_PREFIX"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	LogFile             string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB        int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups       int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays       int    `mapstructure:"LOG_MAX_AGE_DAYS"`
	ReleaseHeldSchedule string `mapstructure:"RELEASE_HELD_SCHEDULE"`
	PayoutBatchSchedule string `mapstructure:"PAYOUT_BATCH_SCHEDULE"`
	DeductionSchedule   string `mapstructure:"DEDUCTION_COLLECTION_SCHEDULE"`
	RateReloadSchedule  string `mapstructure:"RATE_RELOAD_SCHEDULE"`
	JobLockTTLSeconds   int    `mapstructure:"JOB_LOCK_TTL_SECONDS"`

	// Derived values.
	OperatorRoles  []string         `mapstructure:"-"`
	AllowedOrigins []string         `mapstructure:"-"`
	PGFeeRate      *decimal.Decimal `mapstructure:"-"`
	Location       *time.Location   `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "settlement")
	viper.SetDefault("SETTLEMENT_EXCHANGE", "settlement.events")
	viper.SetDefault("SETTLEMENT_QUEUE", "settlement_service.transactions")
	viper.SetDefault("CONSUMER_PREFETCH", 16)
	viper.SetDefault("OPERATOR_ROLES", "admin,finance")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Seoul")
	viper.SetDefault("EVENT_ID_PREFIX", "evt")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_MAX_SIZE_MB", 100)
	viper.SetDefault("LOG_MAX_BACKUPS", 5)
	viper.SetDefault("LOG_MAX_AGE_DAYS", 28)
	viper.SetDefault("RELEASE_HELD_SCHEDULE", "15 0 * * *")
	viper.SetDefault("PAYOUT_BATCH_SCHEDULE", "0 3 1 * *")
	viper.SetDefault("DEDUCTION_COLLECTION_SCHEDULE", "0 4 1 * *")
	viper.SetDefault("RATE_RELOAD_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("JOB_LOCK_TTL_SECONDS", 600)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_QUEUE")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("OPERATOR_ROLES")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PG_FEE_RATE")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("EVENT_ID_PREFIX")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FILE")
	_ = viper.BindEnv("LOG_MAX_SIZE_MB")
	_ = viper.BindEnv("LOG_MAX_BACKUPS")
	_ = viper.BindEnv("LOG_MAX_AGE_DAYS")
	_ = viper.BindEnv("RELEASE_HELD_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_BATCH_SCHEDULE")
	_ = viper.BindEnv("DEDUCTION_COLLECTION_SCHEDULE")
	_ = viper.BindEnv("RATE_RELOAD_SCHEDULE")
	_ = viper.BindEnv("JOB_LOCK_TTL_SECONDS")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseURL == "" {
		err = errors.New("DATABASE_URL is required")
		return
	}
	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "settlement"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ClerkJWKSURL = strings.TrimSpace(config.ClerkJWKSURL)
	config.OperatorRoles = splitList(config.OperatorRolesRaw)
	config.AllowedOrigins = splitList(config.CORSAllowedOrigins)
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	if config.ConsumerPrefetch <= 0 {
		config.ConsumerPrefetch = 16
	}
	if config.JobLockTTLSeconds <= 0 {
		config.JobLockTTLSeconds = 600
	}

	if raw := strings.TrimSpace(config.PGFeeRateRaw); raw != "" {
		rate, parseErr := decimal.NewFromString(raw)
		if parseErr != nil {
			err = fmt.Errorf("invalid PG_FEE_RATE %q: %w", raw, parseErr)
			return
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			err = fmt.Errorf("invalid PG_FEE_RATE %q: must be in [0, 1)", raw)
			return
		}
		config.PGFeeRate = &rate
	}

	config.Location, err = time.LoadLocation(strings.TrimSpace(config.BusinessTimezone))
	if err != nil {
		err = fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", config.BusinessTimezone, err)
		return
	}

	return
}

// JobLockTTL returns the job lock expiry as a duration.
func (c Config) JobLockTTL() time.Duration {
	return time.Duration(c.JobLockTTLSeconds) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
