package config

import (
	"time"

	"github.com/opencustody/settler/internal/core/domain"
	redisclient "github.com/opencustody/settler/internal/infra/redis"
	"github.com/opencustody/settler/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Chain     ChainConfig        `yaml:"chain"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Payment   PaymentConfig      `yaml:"payment"`
	Redis     redisclient.Config `yaml:"redis"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the target blockchain.
type ChainConfig struct {
	ChainID       uint64           `yaml:"id"`
	TokenContract string           `yaml:"token_contract"`
	DepositWallet string           `yaml:"deposit_wallet"`
	PollInterval  time.Duration    `yaml:"poll_interval"`
	Endpoints     []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig holds settings for one RPC endpoint. Reconnects
// rotate through the list in order.
type EndpointConfig struct {
	Name    string `yaml:"name"`
	HTTPURL string `yaml:"http_url"`
	WSURL   string `yaml:"ws_url"` // optional head-subscription endpoint
}

// RateLimitConfig bounds outbound node traffic.
type RateLimitConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"`
	MaxConcurrent  int64   `yaml:"max_concurrent"`
}

// PaymentConfig holds outbound-payment settings. The signing key is
// substituted from the environment, never stored in the file.
type PaymentConfig struct {
	PrivateKey          string        `yaml:"private_key"`
	MaxRetries          int           `yaml:"max_retries"`
	BackoffBase         float64       `yaml:"backoff_base"`
	GasLimit            uint64        `yaml:"gas_limit"`
	MaxGasPriceGwei     int64         `yaml:"max_gas_price_gwei"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// DomainEndpoints converts the configured endpoints to their domain
// form.
func (c ChainConfig) DomainEndpoints() []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		out = append(out, domain.Endpoint{
			Name:    ep.Name,
			HTTPURL: ep.HTTPURL,
			WSURL:   ep.WSURL,
			ChainID: c.ChainID,
		})
	}
	return out
}
