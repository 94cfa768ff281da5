/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the donation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	Environment          string `mapstructure:"ENVIRONMENT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue    string `mapstructure:"PAYMENT_EVENT_QUEUE"`

	ChainAPIBaseURL   string `mapstructure:"CHAIN_API_BASE_URL"`
	ChainAPIKey       string `mapstructure:"CHAIN_API_KEY"`
	PaymentAPIBaseURL string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPISecret  string `mapstructure:"PAYMENT_API_SECRET"`
	WebhookSecret     string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	FdsAPIBaseURL     string `mapstructure:"FDS_API_BASE_URL"`

	JWKSURL        string `mapstructure:"JWKS_URL"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	TokenDecimals              int    `mapstructure:"TOKEN_DECIMALS"`
	SyncMaterialityThreshold   string `mapstructure:"SYNC_MATERIALITY_THRESHOLD"`
	ConfirmationTimeoutSecs    int    `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`
	RegistrationRetryDelaySecs int    `mapstructure:"REGISTRATION_RETRY_DELAY_SECONDS"`
	FdsTimeoutSecs             int    `mapstructure:"FDS_TIMEOUT_SECONDS"`

	MonitorCron           string `mapstructure:"MONITOR_CRON"`
	FullSyncIntervalMins  int    `mapstructure:"FULL_SYNC_INTERVAL_MINUTES"`
	PendingCleanupHours   int    `mapstructure:"PENDING_CLEANUP_HOURS"`
	ApprovalWindowMinutes int    `mapstructure:"APPROVAL_WINDOW_MINUTES"`

	ApprovalRateLimitPerMinute int `mapstructure:"APPROVAL_RATE_LIMIT_PER_MINUTE"`
	ApprovalRateWindowSecs     int `mapstructure:"APPROVAL_RATE_WINDOW_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "donation_service.payment_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "hanachain:rate_limit")
	viper.SetDefault("TOKEN_DECIMALS", 6)
	viper.SetDefault("SYNC_MATERIALITY_THRESHOLD", "1")
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 300)
	viper.SetDefault("REGISTRATION_RETRY_DELAY_SECONDS", 30)
	viper.SetDefault("FDS_TIMEOUT_SECONDS", 3)
	viper.SetDefault("MONITOR_CRON", "@every 5m")
	viper.SetDefault("FULL_SYNC_INTERVAL_MINUTES", 60)
	viper.SetDefault("PENDING_CLEANUP_HOURS", 24)
	viper.SetDefault("APPROVAL_WINDOW_MINUTES", 60)
	viper.SetDefault("APPROVAL_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("APPROVAL_RATE_WINDOW_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DONATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("CHAIN_API_BASE_URL")
	_ = viper.BindEnv("CHAIN_API_KEY")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_SECRET")
	_ = viper.BindEnv("PAYMENT_WEBHOOK_SECRET")
	_ = viper.BindEnv("FDS_API_BASE_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("TOKEN_DECIMALS")
	_ = viper.BindEnv("SYNC_MATERIALITY_THRESHOLD")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REGISTRATION_RETRY_DELAY_SECONDS")
	_ = viper.BindEnv("FDS_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MONITOR_CRON")
	_ = viper.BindEnv("FULL_SYNC_INTERVAL_MINUTES")
	_ = viper.BindEnv("PENDING_CLEANUP_HOURS")
	_ = viper.BindEnv("APPROVAL_WINDOW_MINUTES")
	_ = viper.BindEnv("APPROVAL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("APPROVAL_RATE_WINDOW_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DONATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	if config.Environment == "" {
		config.Environment = "development"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "hanachain:rate_limit"
	}
	config.SyncMaterialityThreshold = strings.TrimSpace(config.SyncMaterialityThreshold)
	if config.SyncMaterialityThreshold == "" {
		config.SyncMaterialityThreshold = "1"
	}

	if config.TokenDecimals < 0 || config.TokenDecimals > 18 {
		log.Printf("level=warn component=config msg=\"token decimals out of range; using 6\" token_decimals=%d", config.TokenDecimals)
		config.TokenDecimals = 6
	}
	if config.ConfirmationTimeoutSecs <= 0 {
		config.ConfirmationTimeoutSecs = 300
	}
	if config.RegistrationRetryDelaySecs <= 0 {
		config.RegistrationRetryDelaySecs = 30
	}
	if config.FdsTimeoutSecs <= 0 {
		config.FdsTimeoutSecs = 3
	}
	if config.FullSyncIntervalMins <= 0 {
		config.FullSyncIntervalMins = 60
	}
	if config.PendingCleanupHours <= 0 {
		config.PendingCleanupHours = 24
	}
	if config.ApprovalWindowMinutes <= 0 {
		config.ApprovalWindowMinutes = 60
	}
	if config.ApprovalRateLimitPerMinute <= 0 {
		config.ApprovalRateLimitPerMinute = 30
	}
	if config.ApprovalRateWindowSecs <= 0 {
		config.ApprovalRateWindowSecs = 60
	}
	if strings.TrimSpace(config.MonitorCron) == "" {
		config.MonitorCron = "@every 5m"
	}

	return
}

// IsProduction reports whether the service runs with production settings, in
// which case webhook signature verification is mandatory.
func (c Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
