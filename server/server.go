// Package server assembles the full serving stack from one options struct:
// handler registry, rate limiter, token issuer, the channel endpoint and the
// discrete HTTP path. Embedders that only need pieces can use the internal
// packages directly; this facade is the supported composition.
package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/config"
	"github.com/wirelay/wirelay/internal/dispatch"
	"github.com/wirelay/wirelay/internal/httpapi"
	"github.com/wirelay/wirelay/internal/ratelimit"
	"github.com/wirelay/wirelay/internal/token"
	"github.com/wirelay/wirelay/internal/websocket"
)

// Aliases so embedders register handlers and middleware without importing
// internal packages.
type (
	CallContext = dispatch.Context
	Handler     = dispatch.Handler
	Middleware  = dispatch.Middleware
	Decision    = dispatch.Decision
	Hooks       = websocket.Hooks
	Config      = config.Config
)

// Proceed and Block re-export the middleware decision constructors.
var (
	Proceed = dispatch.Proceed
	Block   = dispatch.Block
)

// DefaultConfig returns the built-in defaults, identical to loading an
// empty configuration.
func DefaultConfig() (*Config, error) { return config.Load("") }

// Server is the assembled stack.
type Server struct {
	cfg      *Config
	logger   *zap.Logger
	registry *dispatch.Registry
	limiter  *ratelimit.Limiter
	issuer   *token.Issuer
	channel  *websocket.Server
	api      *httpapi.API
	httpSrv  *http.Server
}

// New assembles a server from cfg. hooks may be the zero value; logger nil
// means no logging.
func New(cfg *Config, hooks Hooks, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:      cfg.RateLimit.Capacity,
		Window:        cfg.RateLimit.Window,
		MaxConnsPerIP: cfg.RateLimit.MaxConnsPerIP,
	})

	var secret []byte
	if cfg.Token.Secret != "" {
		secret = []byte(cfg.Token.Secret)
	}
	issuer, err := token.New(secret, cfg.Token.Validity)
	if err != nil {
		return nil, err
	}

	registry := dispatch.New(dispatch.Config{
		MaxBatchSize: cfg.Server.MaxBatchSize,
		Development:  cfg.Development,
	}, limiter, logger.Named("dispatch"))

	channel := websocket.New(websocket.Config{
		CheckOrigin:    originChecker(cfg.Server.AllowedOrigins),
		TrustedProxies: cfg.Server.TrustedProxies,
		CompressAbove:  cfg.Protocol.CompressAbove,
	}, registry, limiter, issuer, hooks, logger.Named("channel"))

	api := httpapi.New(httpapi.Config{
		TrustedProxies:     cfg.Server.TrustedProxies,
		CompressAbove:      cfg.Protocol.CompressAbove,
		TokenRatePerSecond: cfg.Token.RatePerSecond,
		TokenBurst:         cfg.Token.Burst,
		SameOriginTokens:   cfg.Token.SameOrigin,
	}, registry, issuer, channel, logger.Named("http"))

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		limiter:  limiter,
		issuer:   issuer,
		channel:  channel,
		api:      api,
	}, nil
}

// Register binds a handler to a method name. Registration is rejected after
// Seal.
func (s *Server) Register(method string, h Handler) error {
	return s.registry.Register(method, h)
}

// Use appends middleware running before every handler.
func (s *Server) Use(mw Middleware) { s.registry.Use(mw) }

// Seal freezes the handler table. Call it after registration, before Start.
func (s *Server) Seal() { s.registry.Seal() }

// Handler returns the composed HTTP handler for embedding into an existing
// server or router.
func (s *Server) Handler() http.Handler { return s.api.Handler() }

// Start listens on the configured address. It does not block.
func (s *Server) Start() {
	s.Seal()
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.api.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr()))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains the HTTP server and closes every open channel connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.channel.Shutdown(ctx)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// originChecker builds the upgrade origin policy. An empty allow-list means
// same-origin only; "*" allows everything.
func originChecker(allowed []string) websocket.CheckOriginFn {
	if len(allowed) == 0 {
		return nil // gorilla's default: same-origin
	}
	set := map[string]bool{}
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// ConnectionStats exposes the window-limiter counters for a live connection,
// mainly for operational introspection.
func (s *Server) ConnectionStats(connID string) (wirelay.Stats, bool) {
	st, ok := s.limiter.ConnectionStats(connID)
	if !ok {
		return wirelay.Unlimited(), false
	}
	return wirelay.Stats{
		Remaining:    int32(st.Remaining),
		ResetSeconds: int32((st.ResetMs + 999) / 1000),
	}, true
}
