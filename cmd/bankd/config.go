// config.go - Configuration management for the banking daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config represents the daemon configuration. Values load from an optional
// JSON file first, then BANKD_* environment variables override.
type Config struct {
	// Identity
	UserID string `json:"user_id" env:"BANKD_USER_ID"`

	// Contract node. An empty NodeURL starts an embedded in-memory node
	// on NodeListenAddr; otherwise the daemon connects to the given URL.
	NodeURL         string `json:"node_url" env:"BANKD_NODE_URL"`
	NodeListenAddr  string `json:"node_listen_addr" env:"BANKD_NODE_LISTEN_ADDR"`
	ContractAddress string `json:"contract_address" env:"BANKD_CONTRACT_ADDRESS"`

	// Deployment retry policy
	DeployAttempts    uint `json:"deploy_attempts" env:"BANKD_DEPLOY_ATTEMPTS"`
	DeployBaseDelayMS int  `json:"deploy_base_delay_ms" env:"BANKD_DEPLOY_BASE_DELAY_MS"`

	// File paths
	StateDir string `json:"state_dir" env:"BANKD_STATE_DIR"`

	// Admin surface (health and metrics endpoints)
	AdminAddr string `json:"admin_addr" env:"BANKD_ADMIN_ADDR"`

	// Logging
	LogLevel string `json:"log_level" env:"BANKD_LOG_LEVEL"`
	LogFile  string `json:"log_file" env:"BANKD_LOG_FILE"`

	// Rate limiting of contract calls
	RateLimitBurst    int `json:"rate_limit_burst" env:"BANKD_RATE_LIMIT_BURST"`
	RateLimitRefillMS int `json:"rate_limit_refill_ms" env:"BANKD_RATE_LIMIT_REFILL_MS"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		UserID:            "local",
		NodeListenAddr:    "127.0.0.1:9090",
		DeployAttempts:    5,
		DeployBaseDelayMS: 500,
		StateDir:          "state",
		AdminAddr:         "127.0.0.1:9091",
		LogLevel:          "info",
		RateLimitBurst:    20,
		RateLimitRefillMS: 100,
	}
}

// LoadConfig loads configuration from file (creating a default file when
// none exists) and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	} else if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id must be set")
	}
	if c.NodeURL == "" && c.NodeListenAddr == "" {
		return fmt.Errorf("node_listen_addr must be set when no node_url is given")
	}
	if c.DeployAttempts == 0 {
		return fmt.Errorf("deploy_attempts must be positive")
	}
	if c.DeployBaseDelayMS <= 0 {
		return fmt.Errorf("deploy_base_delay_ms must be positive")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_burst must be positive")
	}
	if c.RateLimitRefillMS <= 0 {
		return fmt.Errorf("rate_limit_refill_ms must be positive")
	}
	return nil
}
