// Package config loads the environment-driven configuration of spec §6,
// generalizing the teacher's pkg/config struct-of-structs shape from
// YAML-only to env-var-driven, optionally seeded from a local .env file
// via github.com/joho/godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	LogLevel  string
	LogQuery  bool
	Trading   TradingConfig
	Fluentd   FluentdConfig
	Broker    BrokerConfig
	Database  DatabaseConfig
	Account   string
	ClientChannel ClientChannelConfig
}

// TradingConfig holds the TRADING_ENABLE and DAILY_CLEAN_TIME settings.
// DailyCleanTime drives the daily cleanup schedule; Enable is loaded but
// no component reads it, so order placement does not depend on it.
type TradingConfig struct {
	Enable         bool
	DailyCleanTime string // HH:MM local
}

// FluentdConfig controls the Forward-protocol log shipper.
type FluentdConfig struct {
	Enable bool
	Host   string
	Port   int
	Level  string
}

// BrokerConfig holds the WS_BASEURL and WS_SSL_VERIFY settings. Adapter
// factories receive only a logger, so no adapter reads these values.
type BrokerConfig struct {
	WSBaseURL string
	WSSSLVerify bool
}

// DatabaseConfig controls the Persistence Store's Postgres connection.
type DatabaseConfig struct {
	Hostname string
	Password string
	Name     string
}

// ClientChannelConfig controls the Client Channel TCP listener.
type ClientChannelConfig struct {
	Port          int
	MaxConnections int
}

// Load reads configuration from the process environment, optionally
// preceded by a .env file at envFile (ignored if absent).
func Load(envFile string) (Config, error) {
	if envFile != "" {
		_ = godotenvLoad(envFile)
	}

	cfg := Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogQuery: getEnvBool("LOG_QUERY", false),
		Trading: TradingConfig{
			Enable:         getEnvBool("TRADING_ENABLE", false),
			DailyCleanTime: getEnv("DAILY_CLEAN_TIME", "23:45"),
		},
		Fluentd: FluentdConfig{
			Enable: getEnvBool("FLUENTD_ENABLE", false),
			Host:   getEnv("FLUENTD_HOST", "localhost"),
			Port:   getEnvInt("FLUENTD_PORT", 24224),
			Level:  getEnv("FLUENTD_LEVEL", "info"),
		},
		Broker: BrokerConfig{
			WSBaseURL:   getEnv("WS_BASEURL", ""),
			WSSSLVerify: getEnvBool("WS_SSL_VERIFY", true),
		},
		Database: DatabaseConfig{
			Hostname: getEnv("DB_HOSTNAME", "localhost"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "tradengine"),
		},
		Account: getEnv("ACCOUNT_ID", ""),
		ClientChannel: ClientChannelConfig{
			Port:           getEnvInt("CLIENT_CHANNEL_PORT", 2260),
			MaxConnections: getEnvInt("CLIENT_CHANNEL_MAX_CONN", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks required fields and well-formedness of time-of-day
// fields, failing startup early rather than at first use.
func (c Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("config: ACCOUNT_ID is required")
	}
	if _, err := time.Parse("15:04", c.Trading.DailyCleanTime); err != nil {
		return fmt.Errorf("config: DAILY_CLEAN_TIME must be HH:MM: %w", err)
	}
	return nil
}

// DailyCleanCron converts DailyCleanTime ("23:45") into a standard 5-field
// cron expression for github.com/robfig/cron/v3.
func (c Config) DailyCleanCron() (string, error) {
	t, err := time.Parse("15:04", c.Trading.DailyCleanTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
