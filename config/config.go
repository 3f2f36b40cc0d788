package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// WebhookEndpointConfig describes a single webhook subscriber.
type WebhookEndpointConfig struct {
	Name          string   `toml:"Name"`
	URL           string   `toml:"URL"`
	Secret        string   `toml:"Secret"`
	Events        []string `toml:"Events"`
	RatePerMinute int      `toml:"RatePerMinute"`
}

// CardConfig holds the card processor connection settings.
type CardConfig struct {
	BaseURL string `toml:"BaseURL"`
	APIKey  string `toml:"APIKey"`
}

// ChainConfig holds the escrow contract RPC connection settings.
type ChainConfig struct {
	RPCURL          string `toml:"RPCURL"`
	AuthToken       string `toml:"AuthToken"`
	ContractAddress string `toml:"ContractAddress"`
	TokenDecimals   int    `toml:"TokenDecimals"`
}

// AuthConfig holds the JWT verification settings for the API gateway.
type AuthConfig struct {
	Secret   string `toml:"Secret"`
	Issuer   string `toml:"Issuer"`
	Audience string `toml:"Audience"`
}

// ReconConfig tunes the reconciliation poller.
type ReconConfig struct {
	Interval   duration `toml:"Interval"`
	BatchSize  int      `toml:"BatchSize"`
	StaleAfter duration `toml:"StaleAfter"`
}

// WebhookConfig tunes the outbound webhook queue.
type WebhookConfig struct {
	QueueCapacity int                     `toml:"QueueCapacity"`
	QueueTTL      duration                `toml:"QueueTTL"`
	Endpoints     []WebhookEndpointConfig `toml:"Endpoints"`
}

// Config captures runtime configuration for the settlement service.
type Config struct {
	ListenAddress string        `toml:"ListenAddress"`
	Environment   string        `toml:"Environment"`
	DatabaseURL   string        `toml:"DatabaseURL"`
	DevMode       bool          `toml:"DevMode"`
	DefaultFeeBps int64         `toml:"DefaultFeeBps"`
	Card          CardConfig    `toml:"Card"`
	Chain         ChainConfig   `toml:"Chain"`
	Auth          AuthConfig    `toml:"Auth"`
	Recon         ReconConfig   `toml:"Recon"`
	Webhook       WebhookConfig `toml:"Webhook"`
}

// duration wraps time.Duration so TOML files can use "30s" style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file or environment
// overrides are present. DevMode is on so the service runs against the
// in-memory simulator and a local sqlite file out of the box.
func Default() Config {
	return Config{
		ListenAddress: ":8081",
		Environment:   "dev",
		DatabaseURL:   "escrowd.db",
		DevMode:       true,
		DefaultFeeBps: 500,
		Chain: ChainConfig{
			TokenDecimals: 18,
		},
		Auth: AuthConfig{
			Issuer:   "tolio",
			Audience: "tolio-api",
		},
		Recon: ReconConfig{
			Interval:   duration{30 * time.Second},
			BatchSize:  100,
			StaleAfter: duration{2 * time.Minute},
		},
		Webhook: WebhookConfig{
			QueueCapacity: 1024,
			QueueTTL:      duration{15 * time.Minute},
		},
	}
}

// Load reads the TOML file at path (when non-empty), applies environment
// overrides on top and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DevMode && strings.TrimSpace(cfg.Auth.Secret) == "" {
		cfg.Auth.Secret = "dev-secret"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = getenvDefault("ESCROWD_LISTEN", cfg.ListenAddress)
	cfg.Environment = getenvDefault("ESCROWD_ENV", cfg.Environment)
	cfg.DatabaseURL = getenvDefault("ESCROWD_DATABASE_URL", cfg.DatabaseURL)
	cfg.Card.BaseURL = getenvDefault("ESCROWD_CARD_URL", cfg.Card.BaseURL)
	cfg.Card.APIKey = getenvDefault("ESCROWD_CARD_API_KEY", cfg.Card.APIKey)
	cfg.Chain.RPCURL = getenvDefault("ESCROWD_CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.AuthToken = getenvDefault("ESCROWD_CHAIN_RPC_TOKEN", cfg.Chain.AuthToken)
	cfg.Chain.ContractAddress = getenvDefault("ESCROWD_CHAIN_CONTRACT", cfg.Chain.ContractAddress)
	cfg.Auth.Secret = getenvDefault("ESCROWD_JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.Issuer = getenvDefault("ESCROWD_JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = getenvDefault("ESCROWD_JWT_AUDIENCE", cfg.Auth.Audience)

	if raw := strings.TrimSpace(os.Getenv("ESCROWD_DEV_MODE")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_DEV_MODE: %w", err)
		}
		cfg.DevMode = enabled
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_FEE_BPS")); raw != "" {
		bps, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_FEE_BPS: %w", err)
		}
		cfg.DefaultFeeBps = bps
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_CHAIN_DECIMALS")); raw != "" {
		decimals, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_CHAIN_DECIMALS: %w", err)
		}
		cfg.Chain.TokenDecimals = decimals
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_RECON_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RECON_INTERVAL: %w", err)
		}
		cfg.Recon.Interval = duration{dur}
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_WEBHOOK_CAPACITY")); raw != "" {
		capacity, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_WEBHOOK_CAPACITY: %w", err)
		}
		cfg.Webhook.QueueCapacity = capacity
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("ListenAddress must not be empty")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DatabaseURL must not be empty")
	}
	if c.DefaultFeeBps < 0 || c.DefaultFeeBps > 10000 {
		return fmt.Errorf("DefaultFeeBps must be between 0 and 10000, got %d", c.DefaultFeeBps)
	}
	if !c.DevMode {
		if strings.TrimSpace(c.Auth.Secret) == "" {
			return errors.New("Auth.Secret is required outside dev mode")
		}
		if strings.TrimSpace(c.Card.BaseURL) == "" {
			return errors.New("Card.BaseURL is required outside dev mode")
		}
		if strings.TrimSpace(c.Chain.RPCURL) == "" {
			return errors.New("Chain.RPCURL is required outside dev mode")
		}
	}
	if c.Chain.TokenDecimals < 2 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("Chain.TokenDecimals must be between 2 and 36, got %d", c.Chain.TokenDecimals)
	}
	if c.Recon.Interval.Duration <= 0 {
		return errors.New("Recon.Interval must be positive")
	}
	if c.Recon.BatchSize <= 0 {
		return errors.New("Recon.BatchSize must be positive")
	}
	if c.Webhook.QueueCapacity <= 0 {
		return errors.New("Webhook.QueueCapacity must be positive")
	}
	for i, ep := range c.Webhook.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("Webhook.Endpoints[%d].URL must not be empty", i)
		}
		if strings.TrimSpace(ep.Secret) == "" {
			return fmt.Errorf("Webhook.Endpoints[%d].Secret must not be empty", i)
		}
	}
	return nil
}

// IsPostgres reports whether DatabaseURL points at a postgres server
// rather than a sqlite file path.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
