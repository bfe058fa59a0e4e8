/**
 * @description
 * This package handles the configuration management for the vault-service. It
 * uses the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
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

// Config holds all the configuration variables for the vault-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	TreasuryAPIBaseURL       string `mapstructure:"TREASURY_API_BASE_URL"`
	TreasuryAPIKey           string `mapstructure:"TREASURY_API_KEY"`
	TreasuryWalletAddress    string `mapstructure:"TREASURY_WALLET_ADDRESS"`
	OwnerWalletAddress       string `mapstructure:"OWNER_WALLET_ADDRESS"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	DepositFeePercent        int64  `mapstructure:"DEPOSIT_FEE_PERCENT"`
	SubmissionCooldownHours  int    `mapstructure:"SUBMISSION_COOLDOWN_HOURS"`
	ClaimRateLimitPerMinute  int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	SubmitRateLimitPerMinute int    `mapstructure:"SUBMIT_RATE_LIMIT_PER_MINUTE"`
	SolvencyAuditCron        string `mapstructure:"SOLVENCY_AUDIT_CRON"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "learntg:rate_limit")
	viper.SetDefault("DEPOSIT_FEE_PERCENT", 20)
	viper.SetDefault("SUBMISSION_COOLDOWN_HOURS", 24)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("SOLVENCY_AUDIT_CRON", "*/30 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "VAULT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TREASURY_API_BASE_URL")
	_ = viper.BindEnv("TREASURY_API_KEY")
	_ = viper.BindEnv("TREASURY_WALLET_ADDRESS")
	_ = viper.BindEnv("OWNER_WALLET_ADDRESS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "VAULT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("DEPOSIT_FEE_PERCENT")
	_ = viper.BindEnv("SUBMISSION_COOLDOWN_HOURS")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SOLVENCY_AUDIT_CRON")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("VAULT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "learntg:rate_limit"
	}

	if config.DepositFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative deposit fee percent configured; coercing to zero\" fee_percent=%d", config.DepositFeePercent)
		config.DepositFeePercent = 0
	}
	if config.DepositFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"deposit fee percent too high; capping at 100\" fee_percent=%d", config.DepositFeePercent)
		config.DepositFeePercent = 100
	}

	if config.SubmissionCooldownHours <= 0 {
		config.SubmissionCooldownHours = 24
	}
	if config.ClaimRateLimitPerMinute <= 0 {
		config.ClaimRateLimitPerMinute = 30
	}
	if config.SubmitRateLimitPerMinute <= 0 {
		config.SubmitRateLimitPerMinute = 60
	}
	if strings.TrimSpace(config.SolvencyAuditCron) == "" {
		config.SolvencyAuditCron = "*/30 * * * *"
	}

	return
}
