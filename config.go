package zumi

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config tunes one account runtime. Start from DefaultConfig or
// LoadConfig; zero-valued numeric fields are filled with defaults when a
// component is built.
type Config struct {
	AutoLogin bool
	WS        WSConfig
	Login     LoginConfig
}

// WSConfig tunes the gateway connection.
type WSConfig struct {
	AutoConnect bool
	Reconnect   bool
	Origin      string
	UserAgent   string
	KeepAlive   time.Duration
	Retry       ConnRetryConfig
}

// ConnRetryConfig feeds the reconnect decision engine.
type ConnRetryConfig struct {
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	MaxAttemptsPerEndpoint int
	MaxTotalAttempts       int
}

// LoginConfig tunes login calls and their backoff.
type LoginConfig struct {
	Timeout time.Duration
	Retry   LoginRetryConfig
}

// LoginRetryConfig shapes the exponential login backoff.
type LoginRetryConfig struct {
	Enabled bool
	Min     time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // fraction of the delay, in [0, 1)
}

// DefaultConfig returns the settings the production gateway expects.
func DefaultConfig() Config {
	return Config{
		AutoLogin: true,
		WS: WSConfig{
			AutoConnect: true,
			Reconnect:   true,
			UserAgent:   "zumi-go-sdk/1.0",
			KeepAlive:   30 * time.Second,
			Retry: ConnRetryConfig{
				BaseDelay:              250 * time.Millisecond,
				MaxDelay:               30 * time.Second,
				MaxAttemptsPerEndpoint: 3,
				MaxTotalAttempts:       12,
			},
		},
		Login: LoginConfig{
			Timeout: 30 * time.Second,
			Retry: LoginRetryConfig{
				Enabled: true,
				Min:     time.Second,
				Max:     5 * time.Minute,
				Factor:  2,
				Jitter:  0.2,
			},
		},
	}
}

// withDefaults fills zero-valued numeric fields so a hand-built Config
// with only the flags set still works.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WS.UserAgent == "" {
		c.WS.UserAgent = def.WS.UserAgent
	}
	if c.WS.KeepAlive <= 0 {
		c.WS.KeepAlive = def.WS.KeepAlive
	}
	if c.WS.Retry.BaseDelay <= 0 {
		c.WS.Retry.BaseDelay = def.WS.Retry.BaseDelay
	}
	if c.WS.Retry.MaxDelay <= 0 {
		c.WS.Retry.MaxDelay = def.WS.Retry.MaxDelay
	}
	if c.WS.Retry.MaxAttemptsPerEndpoint <= 0 {
		c.WS.Retry.MaxAttemptsPerEndpoint = def.WS.Retry.MaxAttemptsPerEndpoint
	}
	if c.WS.Retry.MaxTotalAttempts <= 0 {
		c.WS.Retry.MaxTotalAttempts = def.WS.Retry.MaxTotalAttempts
	}
	if c.Login.Timeout <= 0 {
		c.Login.Timeout = def.Login.Timeout
	}
	if c.Login.Retry.Min <= 0 {
		c.Login.Retry.Min = def.Login.Retry.Min
	}
	if c.Login.Retry.Max <= 0 {
		c.Login.Retry.Max = def.Login.Retry.Max
	}
	if c.Login.Retry.Factor < 1 {
		c.Login.Retry.Factor = def.Login.Retry.Factor
	}
	return c
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.WS.KeepAlive <= 0 {
		return fmt.Errorf("config: keepalive must be positive, got %v", c.WS.KeepAlive)
	}
	r := c.WS.Retry
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("config: ws retry delays invalid: base %v, max %v", r.BaseDelay, r.MaxDelay)
	}
	if r.MaxAttemptsPerEndpoint < 1 || r.MaxTotalAttempts < 1 {
		return fmt.Errorf("config: ws retry attempt budgets must be at least 1")
	}
	if c.Login.Timeout <= 0 {
		return fmt.Errorf("config: login timeout must be positive, got %v", c.Login.Timeout)
	}
	lr := c.Login.Retry
	if lr.Enabled {
		if lr.Min <= 0 || lr.Max < lr.Min {
			return fmt.Errorf("config: login retry delays invalid: min %v, max %v", lr.Min, lr.Max)
		}
		if lr.Factor < 1 {
			return fmt.Errorf("config: login retry factor must be at least 1, got %g", lr.Factor)
		}
		if lr.Jitter < 0 || lr.Jitter >= 1 {
			return fmt.Errorf("config: login retry jitter must be in [0, 1), got %g", lr.Jitter)
		}
	}
	return nil
}

// The TOML layer keeps durations as integer milliseconds so the file
// format has no unit-suffix ambiguity. Pointer fields distinguish
// "absent" from "false"/"zero".
type fileConfig struct {
	AutoLogin *bool           `toml:"auto_login"`
	WS        fileWSConfig    `toml:"ws"`
	Login     fileLoginConfig `toml:"login"`
}

type fileWSConfig struct {
	AutoConnect *bool           `toml:"auto_connect"`
	Reconnect   *bool           `toml:"reconnect"`
	Origin      string          `toml:"origin"`
	UserAgent   string          `toml:"user_agent"`
	KeepAliveMS int64           `toml:"keepalive_ms"`
	Retry       fileRetryConfig `toml:"retry"`
}

type fileRetryConfig struct {
	BaseDelayMS            int64 `toml:"base_delay_ms"`
	MaxDelayMS             int64 `toml:"max_delay_ms"`
	MaxAttemptsPerEndpoint int   `toml:"max_attempts_per_endpoint"`
	MaxTotalAttempts       int   `toml:"max_total_attempts"`
}

type fileLoginConfig struct {
	TimeoutMS int64                `toml:"timeout_ms"`
	Retry     fileLoginRetryConfig `toml:"retry"`
}

type fileLoginRetryConfig struct {
	Enabled *bool    `toml:"enabled"`
	MinMS   int64    `toml:"min_ms"`
	MaxMS   int64    `toml:"max_ms"`
	Factor  *float64 `toml:"factor"`
	Jitter  *float64 `toml:"jitter"`
}

func (fc fileConfig) apply(cfg Config) Config {
	if fc.AutoLogin != nil {
		cfg.AutoLogin = *fc.AutoLogin
	}
	if fc.WS.AutoConnect != nil {
		cfg.WS.AutoConnect = *fc.WS.AutoConnect
	}
	if fc.WS.Reconnect != nil {
		cfg.WS.Reconnect = *fc.WS.Reconnect
	}
	if fc.WS.Origin != "" {
		cfg.WS.Origin = fc.WS.Origin
	}
	if fc.WS.UserAgent != "" {
		cfg.WS.UserAgent = fc.WS.UserAgent
	}
	if fc.WS.KeepAliveMS > 0 {
		cfg.WS.KeepAlive = time.Duration(fc.WS.KeepAliveMS) * time.Millisecond
	}
	if fc.WS.Retry.BaseDelayMS > 0 {
		cfg.WS.Retry.BaseDelay = time.Duration(fc.WS.Retry.BaseDelayMS) * time.Millisecond
	}
	if fc.WS.Retry.MaxDelayMS > 0 {
		cfg.WS.Retry.MaxDelay = time.Duration(fc.WS.Retry.MaxDelayMS) * time.Millisecond
	}
	if fc.WS.Retry.MaxAttemptsPerEndpoint > 0 {
		cfg.WS.Retry.MaxAttemptsPerEndpoint = fc.WS.Retry.MaxAttemptsPerEndpoint
	}
	if fc.WS.Retry.MaxTotalAttempts > 0 {
		cfg.WS.Retry.MaxTotalAttempts = fc.WS.Retry.MaxTotalAttempts
	}
	if fc.Login.TimeoutMS > 0 {
		cfg.Login.Timeout = time.Duration(fc.Login.TimeoutMS) * time.Millisecond
	}
	if fc.Login.Retry.Enabled != nil {
		cfg.Login.Retry.Enabled = *fc.Login.Retry.Enabled
	}
	if fc.Login.Retry.MinMS > 0 {
		cfg.Login.Retry.Min = time.Duration(fc.Login.Retry.MinMS) * time.Millisecond
	}
	if fc.Login.Retry.MaxMS > 0 {
		cfg.Login.Retry.Max = time.Duration(fc.Login.Retry.MaxMS) * time.Millisecond
	}
	if fc.Login.Retry.Factor != nil {
		cfg.Login.Retry.Factor = *fc.Login.Retry.Factor
	}
	if fc.Login.Retry.Jitter != nil {
		cfg.Login.Retry.Jitter = *fc.Login.Retry.Jitter
	}
	return cfg
}

// LoadConfig reads a TOML file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg := fc.apply(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
