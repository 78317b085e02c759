package extractd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"validatorpass/services/extractd/chains"
)

// DefaultBaseline is the earliest access expiry any contribution extends from
// (2024-11-01T00:00:00Z).
const DefaultBaseline int64 = 1730419200

// DefaultRecipient is the treasury address contributions are paid to.
const DefaultRecipient = "0x440a948af13fe3b4dd1b341e2aa834f81bf6ff51"

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the contribution extractor.
type Config struct {
	ListenAddress   string         `yaml:"listen" toml:"listen"`
	PollInterval    Duration       `yaml:"poll_interval" toml:"poll_interval"`
	DefaultBaseline int64          `yaml:"default_baseline" toml:"default_baseline"`
	Recipients      []string       `yaml:"recipients" toml:"recipients"`
	StrictDecimals  bool           `yaml:"strict_decimals" toml:"strict_decimals"`
	Database        DatabaseConfig `yaml:"database" toml:"database"`
	Admin           AdminConfig    `yaml:"admin" toml:"admin"`
	Log             LogConfig      `yaml:"log" toml:"log"`
	Chains          []ChainConfig  `yaml:"chains" toml:"chains"`
}

// DatabaseConfig locates the Postgres database. The DSN may be inlined or
// read from an environment variable or file.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	DSNFile string `yaml:"dsn_file" toml:"dsn_file"`
}

// AdminConfig guards the mutating HTTP routes.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenEnv  string `yaml:"bearer_token_env" toml:"bearer_token_env"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// LogConfig optionally mirrors logs into a rotated file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// ChainConfig is one entry of the chain registry.
type ChainConfig struct {
	Name              string   `yaml:"name" toml:"name"`
	TokenAddress      string   `yaml:"token_address" toml:"token_address"`
	RPCURL            string   `yaml:"rpc_url" toml:"rpc_url"`
	Decimals          *int     `yaml:"decimals" toml:"decimals"`
	LookupTimeout     Duration `yaml:"lookup_timeout" toml:"lookup_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML. Unknown keys are
// rejected in both formats so a misspelt field never silently defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml", ".tml":
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown fields %v", undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.DefaultBaseline == 0 {
		cfg.DefaultBaseline = DefaultBaseline
	}
	if len(cfg.Recipients) == 0 {
		cfg.Recipients = []string{DefaultRecipient}
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

func validateConfig(cfg Config) error {
	if cfg.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if _, err := cfg.RecipientAddresses(); err != nil {
		return err
	}
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry validates the chain entries and builds the ordered registry.
func (cfg Config) Registry() (*chains.Registry, error) {
	raw := make([]chains.RawChain, 0, len(cfg.Chains))
	for _, entry := range cfg.Chains {
		raw = append(raw, chains.RawChain{
			Name:              entry.Name,
			TokenAddress:      entry.TokenAddress,
			RPCURL:            entry.RPCURL,
			Decimals:          entry.Decimals,
			LookupTimeout:     entry.LookupTimeout.Duration,
			RequestsPerSecond: entry.RequestsPerSecond,
		})
	}
	return chains.ParseRegistry(raw)
}

// RecipientAddresses parses the accepted recipient allow-list.
func (cfg Config) RecipientAddresses() ([]common.Address, error) {
	out := make([]common.Address, 0, len(cfg.Recipients))
	for _, raw := range cfg.Recipients {
		trimmed := strings.TrimSpace(raw)
		if !common.IsHexAddress(trimmed) {
			return nil, fmt.Errorf("recipient %q is not a hex address", raw)
		}
		out = append(out, common.HexToAddress(trimmed))
	}
	return out, nil
}

// Baseline returns the configured default baseline as a time.
func (cfg Config) Baseline() time.Time {
	return time.Unix(cfg.DefaultBaseline, 0).UTC()
}

func (d *DatabaseConfig) normalise() error {
	value, err := resolveSecret(d.DSN, d.DSNEnv, d.DSNFile, "dsn")
	if err != nil {
		return err
	}
	d.DSN = value
	return nil
}

func (a *AdminConfig) normalise() error {
	value, err := resolveSecret(a.BearerToken, a.BearerTokenEnv, a.BearerTokenFile, "bearer_token")
	if err != nil {
		return err
	}
	a.BearerToken = value
	return nil
}

// resolveSecret prefers an inline value, then the named environment variable,
// then the file contents.
func resolveSecret(inline, envName, file, field string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envName)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
