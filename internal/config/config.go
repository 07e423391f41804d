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

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisLeasePrefix      string `mapstructure:"REDIS_LEASE_PREFIX"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	PayoutStatusQueue     string `mapstructure:"PAYOUT_STATUS_QUEUE"`
	PayoutAPIBaseURL      string `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey          string `mapstructure:"PAYOUT_API_KEY"`
	JWKSURL               string `mapstructure:"JWKS_URL"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchLimit   int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	ReconcileLeaseSeconds int    `mapstructure:"RECONCILE_LEASE_SECONDS"`
	PayPalSearchWindowMin int    `mapstructure:"PAYPAL_SEARCH_WINDOW_MINUTES"`
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
	viper.SetDefault("PAYOUT_STATUS_QUEUE", "ledger_service.payout_updates")
	viper.SetDefault("REDIS_LEASE_PREFIX", "sellermint:lease")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("RECONCILE_LEASE_SECONDS", 300)
	viper.SetDefault("PAYPAL_SEARCH_WINDOW_MINUTES", 1440)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_LEASE_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_STATUS_QUEUE")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("RECONCILE_LEASE_SECONDS")
	_ = viper.BindEnv("PAYPAL_SEARCH_WINDOW_MINUTES")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLeasePrefix = strings.TrimSpace(config.RedisLeasePrefix)
	if config.RedisLeasePrefix == "" {
		config.RedisLeasePrefix = "sellermint:lease"
	}

	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if config.ReconcileLeaseSeconds <= 0 {
		config.ReconcileLeaseSeconds = 300
	}
	if config.PayPalSearchWindowMin <= 0 {
		config.PayPalSearchWindowMin = 1440
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "*/10 * * * *"
	}

	return
}
