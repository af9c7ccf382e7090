// Package config provides layered configuration: built-in defaults, an
// optional YAML file, and WIRELAY_* environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "WIRELAY"

// Load merges configuration for the server. path may be empty; the file
// layer is then skipped. Environment variables follow the key path with
// dots replaced by underscores, e.g. WIRELAY_RATE_LIMIT_CAPACITY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", 0)
	v.SetDefault("server.max_batch_size", 50)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("rate_limit.capacity", 100)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.max_conns_per_ip", 20)

	v.SetDefault("token.secret", "")
	v.SetDefault("token.validity", 2*time.Minute)
	v.SetDefault("token.rate_per_second", 5.0)
	v.SetDefault("token.burst", 10)
	v.SetDefault("token.same_origin", true)

	v.SetDefault("protocol.compress_above", 1024)

	v.SetDefault("client.mode", "auto")
	v.SetDefault("client.mobile_heuristic", false)
	v.SetDefault("client.connect_timeout", 10*time.Second)
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("client.stale_hidden_after", 45*time.Second)
	v.SetDefault("client.batch_delay", 5*time.Millisecond)
	v.SetDefault("client.backoff_base", 250*time.Millisecond)
	v.SetDefault("client.backoff_cap", 8*time.Second)
	v.SetDefault("client.retry_budget", 3)
	v.SetDefault("client.http_fallback_cooldown", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("development", false)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	// Zero limiter and batch values mean unlimited; only negatives are
	// invalid.
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("config: rate_limit.capacity must not be negative")
	}
	if c.RateLimit.Window < 0 {
		return fmt.Errorf("config: rate_limit.window must not be negative")
	}
	if c.RateLimit.MaxConnsPerIP < 0 {
		return fmt.Errorf("config: rate_limit.max_conns_per_ip must not be negative")
	}
	if c.Server.MaxBatchSize < 0 {
		return fmt.Errorf("config: server.max_batch_size must not be negative")
	}
	if c.Token.Validity <= 0 {
		return fmt.Errorf("config: token.validity must be positive")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
