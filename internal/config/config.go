/**
 * @description
 * Configuration management for the settlement service. Values come from the
 * environment, with an optional .env file in the given path.
 *
 * @dependencies
 * - github.com/spf13/viper: environment and .env loading.
 * - github.com/shopspring/decimal: fee constants are parsed as decimals.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/leasehold/settlement-service/internal/domain"
)

// Config holds all configuration for the settlement service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	StripeSecretKey           string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret       string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBaseURL          string `mapstructure:"STRIPE_API_BASE_URL"`
	JWKSURL                   string `mapstructure:"JWKS_URL"`
	JWTAudience               string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	SettlementCurrency        string `mapstructure:"SETTLEMENT_CURRENCY"`
	AccountCountry            string `mapstructure:"ACCOUNT_COUNTRY"`
	DefaultPlatformFeePercent string `mapstructure:"DEFAULT_PLATFORM_FEE_PERCENT"`
	DefaultPlatformFeeFixed   string `mapstructure:"DEFAULT_PLATFORM_FEE_FIXED"`
	ExternalFeePercent        string `mapstructure:"EXTERNAL_FEE_PERCENT"`
	ExternalFeeFixed          string `mapstructure:"EXTERNAL_FEE_FIXED"`
	OnboardingRefreshURL      string `mapstructure:"ONBOARDING_REFRESH_URL"`
	OnboardingReturnURL       string `mapstructure:"ONBOARDING_RETURN_URL"`
	PendingSweepSchedule      string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	AccountRefreshSchedule    string `mapstructure:"ACCOUNT_REFRESH_SCHEDULE"`
	PendingSweepMinAgeMinutes int    `mapstructure:"PENDING_SWEEP_MIN_AGE_MINUTES"`
	SweepBatchSize            int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepConcurrency          int    `mapstructure:"SWEEP_CONCURRENCY"`
	InitiateRateLimit         int    `mapstructure:"INITIATE_RATE_LIMIT"`
	WebhookDedupeTTLMinutes   int    `mapstructure:"WEBHOOK_DEDUPE_TTL_MINUTES"`

	Fees FeeSettings `mapstructure:"-"`
}

// FeeSettings are the parsed decimal fee constants.
type FeeSettings struct {
	DefaultPercent  decimal.Decimal
	DefaultFixed    decimal.Decimal
	ExternalPercent decimal.Decimal
	ExternalFixed   decimal.Decimal
}

// PendingSweepMinAge is how long a payment must sit in pending before the sweep checks it.
func (c Config) PendingSweepMinAge() time.Duration {
	return time.Duration(c.PendingSweepMinAgeMinutes) * time.Minute
}

// WebhookDedupeTTL is how long a processed webhook event id is remembered.
func (c Config) WebhookDedupeTTL() time.Duration {
	return time.Duration(c.WebhookDedupeTTLMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "settlement")
	viper.SetDefault("EVENTS_EXCHANGE", "settlement.events")
	viper.SetDefault("SETTLEMENT_CURRENCY", "eur")
	viper.SetDefault("ACCOUNT_COUNTRY", "DE")
	viper.SetDefault("DEFAULT_PLATFORM_FEE_PERCENT", domain.DefaultPlatformFeePercent.String())
	viper.SetDefault("DEFAULT_PLATFORM_FEE_FIXED", domain.DefaultPlatformFeeFixed.String())
	viper.SetDefault("EXTERNAL_FEE_PERCENT", "1.5")
	viper.SetDefault("EXTERNAL_FEE_FIXED", "0.25")
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("ACCOUNT_REFRESH_SCHEDULE", "0 * * * *")
	viper.SetDefault("PENDING_SWEEP_MIN_AGE_MINUTES", 30)
	viper.SetDefault("SWEEP_BATCH_SIZE", 50)
	viper.SetDefault("SWEEP_CONCURRENCY", 4)
	viper.SetDefault("INITIATE_RATE_LIMIT", 10)
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_MINUTES", 1440)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SETTLEMENT_CURRENCY")
	_ = viper.BindEnv("ACCOUNT_COUNTRY")
	_ = viper.BindEnv("DEFAULT_PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("DEFAULT_PLATFORM_FEE_FIXED")
	_ = viper.BindEnv("EXTERNAL_FEE_PERCENT")
	_ = viper.BindEnv("EXTERNAL_FEE_FIXED")
	_ = viper.BindEnv("ONBOARDING_REFRESH_URL")
	_ = viper.BindEnv("ONBOARDING_RETURN_URL")
	_ = viper.BindEnv("PENDING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ACCOUNT_REFRESH_SCHEDULE")
	_ = viper.BindEnv("PENDING_SWEEP_MIN_AGE_MINUTES")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("SWEEP_CONCURRENCY")
	_ = viper.BindEnv("INITIATE_RATE_LIMIT")
	_ = viper.BindEnv("WEBHOOK_DEDUPE_TTL_MINUTES")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	config.StripeSecretKey = strings.TrimSpace(config.StripeSecretKey)
	config.StripeWebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.SettlementCurrency = strings.ToLower(strings.TrimSpace(config.SettlementCurrency))
	config.AccountCountry = strings.ToUpper(strings.TrimSpace(config.AccountCountry))

	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 50
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = 1
	}
	if config.PendingSweepMinAgeMinutes < 0 {
		config.PendingSweepMinAgeMinutes = 0
	}

	if config.Fees, err = parseFeeSettings(config); err != nil {
		return
	}

	err = config.validate()
	return
}

func parseFeeSettings(cfg Config) (FeeSettings, error) {
	var settings FeeSettings
	fields := []struct {
		key   string
		raw   string
		value *decimal.Decimal
	}{
		{"DEFAULT_PLATFORM_FEE_PERCENT", cfg.DefaultPlatformFeePercent, &settings.DefaultPercent},
		{"DEFAULT_PLATFORM_FEE_FIXED", cfg.DefaultPlatformFeeFixed, &settings.DefaultFixed},
		{"EXTERNAL_FEE_PERCENT", cfg.ExternalFeePercent, &settings.ExternalPercent},
		{"EXTERNAL_FEE_FIXED", cfg.ExternalFeeFixed, &settings.ExternalFixed},
	}

	for _, field := range fields {
		parsed, err := decimal.NewFromString(strings.TrimSpace(field.raw))
		if err != nil {
			return FeeSettings{}, fmt.Errorf("invalid %s %q: %w", field.key, field.raw, err)
		}
		if parsed.IsNegative() {
			return FeeSettings{}, fmt.Errorf("%s cannot be negative", field.key)
		}
		*field.value = parsed
	}
	return settings, nil
}

func (c Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.SettlementCurrency) != 3 {
		return fmt.Errorf("SETTLEMENT_CURRENCY must be an ISO 4217 code, got %q", c.SettlementCurrency)
	}
	return nil
}
