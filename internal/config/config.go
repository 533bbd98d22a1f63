// Package config loads the gateway daemon configuration from defaults, an
// optional config file, and INFERGATE_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/infergate/gateway/internal/crypto"
)

// EnvPrefix is prepended to every environment override, e.g.
// INFERGATE_SESSION_TTL for session.ttl.
const EnvPrefix = "INFERGATE"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`

	Session struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		SealKey       string        `mapstructure:"seal_key"`
	} `mapstructure:"session"`

	Auth struct {
		IssuerPublicKey string `mapstructure:"issuer_public_key"`
	} `mapstructure:"auth"`

	WS struct {
		ReadLimit         int64         `mapstructure:"read_limit"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"ws"`

	Backend struct {
		Kind          string        `mapstructure:"kind"`
		BaseURL       string        `mapstructure:"base_url"`
		APIKey        string        `mapstructure:"api_key"`
		Model         string        `mapstructure:"model"`
		MaxTokens     int64         `mapstructure:"max_tokens"`
		MaxRetries    int           `mapstructure:"max_retries"`
		MaxConcurrent int64         `mapstructure:"max_concurrent"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`

	Admission struct {
		Rate  float64 `mapstructure:"rate"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"admission"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// New returns a viper instance carrying every default and the environment
// bindings. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "infergate.db")

	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.seal_key", "")

	v.SetDefault("auth.issuer_public_key", "")

	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.heartbeat_interval", 30*time.Second)
	v.SetDefault("ws.allowed_origins", []string{})

	v.SetDefault("backend.kind", "openai")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.max_tokens", 140)
	v.SetDefault("backend.max_retries", 2)
	v.SetDefault("backend.max_concurrent", 1)
	v.SetDefault("backend.timeout", 2*time.Minute)

	v.SetDefault("admission.rate", 50.0)
	v.SetDefault("admission.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and unmarshals the
// merged result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %s", c.Session.SweepInterval)
	}
	if c.WS.WriteTimeout < 0 {
		return fmt.Errorf("ws.write_timeout must not be negative, got %s", c.WS.WriteTimeout)
	}
	if c.WS.HeartbeatInterval < 0 {
		return fmt.Errorf("ws.heartbeat_interval must not be negative, got %s", c.WS.HeartbeatInterval)
	}
	if c.Admission.Rate > 0 && c.Admission.Burst < 1 {
		return fmt.Errorf("admission.burst must be at least 1 when admission.rate is set, got %d", c.Admission.Burst)
	}
	if _, err := c.IssuerKey(); err != nil {
		return err
	}
	if _, err := c.SealKey(); err != nil {
		return err
	}
	switch c.Backend.Kind {
	case "openai":
		if c.Backend.Model == "" {
			return errors.New("backend.model is required for the openai backend")
		}
	case "echo":
	default:
		return fmt.Errorf("unknown backend.kind %q", c.Backend.Kind)
	}
	if c.Backend.MaxConcurrent < 1 {
		return fmt.Errorf("backend.max_concurrent must be at least 1, got %d", c.Backend.MaxConcurrent)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// IssuerKey decodes auth.issuer_public_key.
func (c *Config) IssuerKey() ([]byte, error) {
	if c.Auth.IssuerPublicKey == "" {
		return nil, errors.New("auth.issuer_public_key is required")
	}
	key, err := hex.DecodeString(c.Auth.IssuerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth.issuer_public_key: %w", err)
	}
	if _, err := crypto.ValidateEd25519PublicKey(key); err != nil {
		return nil, fmt.Errorf("auth.issuer_public_key: %w", err)
	}
	return key, nil
}

// SealKey decodes session.seal_key. A nil key with no error means claims are
// stored unsealed.
func (c *Config) SealKey() (*[crypto.KeySize]byte, error) {
	if c.Session.SealKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.Session.SealKey)
	if err != nil {
		return nil, fmt.Errorf("session.seal_key: %w", err)
	}
	if len(raw) != crypto.KeySize {
		return nil, fmt.Errorf("session.seal_key: want %d bytes, got %d", crypto.KeySize, len(raw))
	}
	var key [crypto.KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// SlogLevel maps log.level onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
