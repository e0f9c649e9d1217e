package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Chain.PollInterval == 0 {
		cfg.Chain.PollInterval = 15 * time.Second
	}
	if cfg.RateLimit.CallsPerSecond == 0 {
		cfg.RateLimit.CallsPerSecond = 10
	}
	if cfg.RateLimit.MaxConcurrent == 0 {
		cfg.RateLimit.MaxConcurrent = 5
	}
	if cfg.Payment.MaxRetries == 0 {
		cfg.Payment.MaxRetries = 3
	}
	if cfg.Payment.BackoffBase == 0 {
		cfg.Payment.BackoffBase = 2
	}
	if cfg.Payment.GasLimit == 0 {
		cfg.Payment.GasLimit = 100_000
	}
	if cfg.Payment.MaxGasPriceGwei == 0 {
		cfg.Payment.MaxGasPriceGwei = 20
	}
	if cfg.Payment.ReceiptTimeout == 0 {
		cfg.Payment.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.Payment.ReceiptPollInterval == 0 {
		cfg.Payment.ReceiptPollInterval = 3 * time.Second
	}
}

func validate(cfg *AppConfig) error {
	if len(cfg.Chain.Endpoints) == 0 {
		return errors.New("config: at least one chain endpoint is required")
	}
	for i, ep := range cfg.Chain.Endpoints {
		if ep.HTTPURL == "" {
			return fmt.Errorf("config: endpoint %d (%s) has no http_url", i, ep.Name)
		}
	}
	if cfg.Chain.TokenContract == "" {
		return errors.New("config: chain.token_contract is required")
	}
	if cfg.Chain.DepositWallet == "" {
		return errors.New("config: chain.deposit_wallet is required")
	}
	return nil
}
