// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	DataDir             string
	WalletKey           string
	EncryptionKey       string
	TransportEnv        string
	RelayURL            string
	EngineURL           string
	EngineAPIKey        string
	PaymentAPIKeyID     string
	PaymentAPIKeySecret string
	NetworkID           string
	RPCURL              string
	BundlerURL          string
	HealthCheckInterval time.Duration
}

// Load reads configuration from environment variables. Every credential the
// runtime needs is validated here so a misconfigured process fails at boot
// rather than on the first message.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "./.data"),
		WalletKey:           getEnv("WALLET_KEY", ""),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		TransportEnv:        getEnv("XMTP_ENV", ""),
		RelayURL:            getEnv("RELAY_URL", "wss://relay.xmtp.network"),
		EngineURL:           getEnv("ENGINE_URL", "https://api.openai.com/v1"),
		EngineAPIKey:        getEnv("OPENAI_API_KEY", ""),
		PaymentAPIKeyID:     getEnv("CDP_API_KEY_ID", ""),
		PaymentAPIKeySecret: getEnv("CDP_API_KEY_SECRET", ""),
		NetworkID:           getEnv("NETWORK_ID", ""),
		RPCURL:              getEnv("RPC_URL", ""),
		BundlerURL:          getEnv("BUNDLER_URL", ""),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"WALLET_KEY", c.WalletKey},
		{"ENCRYPTION_KEY", c.EncryptionKey},
		{"XMTP_ENV", c.TransportEnv},
		{"OPENAI_API_KEY", c.EngineAPIKey},
		{"CDP_API_KEY_ID", c.PaymentAPIKeyID},
		{"CDP_API_KEY_SECRET", c.PaymentAPIKeySecret},
		{"NETWORK_ID", c.NetworkID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s cannot be empty", r.name)
		}
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	// Bare integers are taken as seconds.
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
