package config

import "time"

// Config is the complete server configuration. Values merge from three
// layers: built-in defaults, an optional config file, and WIRELAY_*
// environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Token     TokenConfig     `mapstructure:"token"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Client    ClientConfig    `mapstructure:"client"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// Development relaxes error sanitization: handler errors travel to
	// callers verbatim instead of being replaced by a generic message.
	Development bool `mapstructure:"development"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustedProxies is how many proxy hops in front of the server are
	// trusted when resolving caller IPs from X-Forwarded-For.
	TrustedProxies int `mapstructure:"trusted_proxies"`

	// MaxBatchSize caps requests per batch message.
	MaxBatchSize int `mapstructure:"max_batch_size"`

	// AllowedOrigins lists origins accepted for channel upgrades. Empty
	// means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig contains the per-connection window limiter and the
// per-IP connection cap.
type RateLimitConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	Window        time.Duration `mapstructure:"window"`
	MaxConnsPerIP int           `mapstructure:"max_conns_per_ip"`
}

// TokenConfig contains connection-token issuance settings.
type TokenConfig struct {
	// Secret signs tokens. Empty generates a random per-process secret,
	// which is fine for a single instance but breaks multi-instance
	// deployments behind a balancer.
	Secret   string        `mapstructure:"secret"`
	Validity time.Duration `mapstructure:"validity"`

	// RatePerSecond and Burst guard the token endpoint per IP.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`

	// SameOrigin rejects cross-origin token fetches.
	SameOrigin bool `mapstructure:"same_origin"`
}

// ProtocolConfig contains wire-format settings.
type ProtocolConfig struct {
	// CompressAbove compresses messages larger than this many bytes.
	// Zero disables compression.
	CompressAbove int `mapstructure:"compress_above"`
}

// ClientConfig contains transport-manager settings for clients built from
// the same configuration source as the server.
type ClientConfig struct {
	// Mode is websocket, http or auto.
	Mode string `mapstructure:"mode"`
	// MobileHeuristic enables the mobile-device predicate in auto mode.
	MobileHeuristic bool `mapstructure:"mobile_heuristic"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	StaleHiddenAfter time.Duration `mapstructure:"stale_hidden_after"`
	BatchDelay       time.Duration `mapstructure:"batch_delay"`

	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	RetryBudget          int           `mapstructure:"retry_budget"`
	HTTPFallbackCooldown time.Duration `mapstructure:"http_fallback_cooldown"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}
