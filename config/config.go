package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so human readable strings can be used in the
// TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText parses strings like "10s" or "1m30s".
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

// Config captures the runtime configuration for treasuryd.
type Config struct {
	ListenAddress   string      `toml:"ListenAddress"`
	Environment     string      `toml:"Environment"`
	Network         string      `toml:"Network"`
	ChainRPCURL     string      `toml:"ChainRPCURL"`
	DatabaseURL     string      `toml:"DatabaseURL"`
	RedisAddr       string      `toml:"RedisAddr"`
	PoolKeysPath    string      `toml:"PoolKeysPath"`
	SunsetThreshold int64       `toml:"SunsetThreshold"`
	KMS             KMSConfig   `toml:"KMS"`
	Admin           AdminConfig `toml:"Admin"`
}

// KMSConfig locates the remote signing service.
type KMSConfig struct {
	BaseURL        string   `toml:"BaseURL"`
	AccessTokenEnv string   `toml:"AccessTokenEnv"`
	Timeout        Duration `toml:"Timeout"`
}

// AdminConfig secures the operator HTTP surface.
type AdminConfig struct {
	BearerToken     string `toml:"BearerToken"`
	BearerTokenFile string `toml:"BearerTokenFile"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s contains unknown keys: %v", path, undecoded)
	}
	applyDefaults(cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "testnet"
	}
	if strings.TrimSpace(cfg.PoolKeysPath) == "" {
		cfg.PoolKeysPath = "pools.yaml"
	}
	if cfg.SunsetThreshold <= 0 {
		cfg.SunsetThreshold = 10_000_000
	}
	if cfg.KMS.Timeout.Duration <= 0 {
		cfg.KMS.Timeout.Duration = 10 * time.Second
	}
}

// Validate checks that every required field is present and coherent.
func (c *Config) Validate() error {
	if _, err := NetworkByName(c.Network); err != nil {
		return err
	}
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("ChainRPCURL must be configured")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DatabaseURL must be configured")
	}
	if strings.TrimSpace(c.KMS.BaseURL) == "" {
		return fmt.Errorf("KMS.BaseURL must be configured")
	}
	return nil
}

// KMSAccessToken resolves the signing-service credential from the
// environment variable named in the config, when one is configured.
func (c *Config) KMSAccessToken() string {
	env := strings.TrimSpace(c.KMS.AccessTokenEnv)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read Admin.BearerTokenFile: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
