// Package httpapi exposes the three HTTP endpoints: the persistent-channel
// upgrade, the discrete-call path accepting the same wire shapes, and the
// connection-token issuer.
package httpapi

import (
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/dispatch"
	"github.com/wirelay/wirelay/internal/protocol"
	"github.com/wirelay/wirelay/internal/token"
)

const maxBodySize = 16 * 1024 * 1024

// Config controls the HTTP surface.
type Config struct {
	TrustedProxies int
	// CompressAbove enables response compression past this size; zero
	// disables it.
	CompressAbove int
	// TokenRatePerSecond and TokenBurst guard the token endpoint per IP.
	// Zero rate disables the guard.
	TokenRatePerSecond float64
	TokenBurst         int
	// SameOriginTokens rejects cross-origin token fetches.
	SameOriginTokens bool
}

// DefaultConfig guards the token endpoint at 5 req/s with burst 10.
func DefaultConfig() Config {
	return Config{
		TokenRatePerSecond: 5,
		TokenBurst:         10,
		SameOriginTokens:   true,
	}
}

// API wires the router. The channel handler is mounted as-is so the socket
// owner stays in the websocket package.
type API struct {
	cfg      Config
	registry *dispatch.Registry
	issuer   *token.Issuer
	channel  http.Handler
	comp     protocol.Compressor
	logger   *zap.Logger
	router   chi.Router

	mu            sync.Mutex
	tokenLimiters map[string]*rate.Limiter
}

// New builds the API. The channel handler may be nil when only the discrete
// path is served.
func New(cfg Config, registry *dispatch.Registry, issuer *token.Issuer, channel http.Handler, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		cfg:           cfg,
		registry:      registry,
		issuer:        issuer,
		channel:       channel,
		comp:          protocol.Compressor{Threshold: cfg.CompressAbove},
		logger:        logger,
		tokenLimiters: map[string]*rate.Limiter{},
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Post("/rpc", a.handleCall)
	r.Get("/rpc/token", a.handleToken)
	if channel != nil {
		r.Handle("/rpc/ws", channel)
	}
	a.router = r
	return a
}

// Handler returns the mounted router.
func (a *API) Handler() http.Handler { return a.router }

// handleCall serves the discrete-call path. Responses always carry unlimited
// stats; IP-level checks happen at connection accept time on the channel
// path, and the HTTP server's own limits govern here.
func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, wirelay.ErrInvalidMessageFormat, http.StatusBadRequest)
		return
	}

	cc := &dispatch.Context{
		Ctx:     r.Context(),
		IP:      dispatch.CallerIP(r.RemoteAddr, r.Header, a.cfg.TrustedProxies),
		Headers: r.Header,
		Meta:    map[string]string{"transport": "http"},
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		// The discrete path answers garbage with a generic protocol error
		// instead of dropping it; the caller is waiting on this response.
		a.writeFrame(w, a.protocolErrorFrame())
		return
	}

	var frame []byte
	switch msg.Kind {
	case protocol.KindRequest:
		resp := a.registry.Dispatch(cc, msg.Request)
		frame, err = protocol.EncodeResponse(resp)
	case protocol.KindBatchRequest:
		resps, _ := a.registry.DispatchBatch(cc, msg.Requests)
		frame, err = protocol.EncodeBatchResponse(resps)
	default:
		a.writeFrame(w, a.protocolErrorFrame())
		return
	}
	if err != nil {
		a.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, wirelay.ErrInternal, http.StatusInternalServerError)
		return
	}

	frame, err = a.comp.Pack(frame)
	if err != nil {
		a.logger.Error("failed to compress response", zap.Error(err))
		http.Error(w, wirelay.ErrInternal, http.StatusInternalServerError)
		return
	}
	a.writeFrame(w, frame)
}

// handleToken issues a fresh connection token as a small JSON body. The
// response is never cacheable so the short-lived credential cannot leak into
// cached content.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	ip := dispatch.CallerIP(r.RemoteAddr, r.Header, a.cfg.TrustedProxies)

	if a.cfg.SameOriginTokens && !sameOrigin(r) {
		a.logger.Warn("cross-origin token fetch rejected",
			zap.String("ip", ip),
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if !a.allowTokenFetch(ip) {
		http.Error(w, wirelay.ErrRateLimited, http.StatusTooManyRequests)
		return
	}

	tok, err := a.issuer.Issue()
	if err != nil {
		a.logger.Error("failed to issue token", zap.Error(err))
		http.Error(w, wirelay.ErrInternal, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Write([]byte(`{"token":"` + tok + `"}`))
}

func (a *API) writeFrame(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(frame)
}

func (a *API) protocolErrorFrame() []byte {
	frame, err := protocol.EncodeResponse(wirelay.Response{
		ID:    dispatch.BatchErrorID,
		Error: wirelay.ErrInvalidMessageFormat,
		Stats: wirelay.Unlimited(),
	})
	if err != nil {
		return nil
	}
	return frame
}

// allowTokenFetch applies the per-IP token-bucket guard. Entries are pruned
// opportunistically once the map grows large.
func (a *API) allowTokenFetch(ip string) bool {
	if a.cfg.TokenRatePerSecond <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.tokenLimiters) > 10_000 {
		a.tokenLimiters = map[string]*rate.Limiter{}
	}
	lim, ok := a.tokenLimiters[ip]
	if !ok {
		burst := a.cfg.TokenBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(a.cfg.TokenRatePerSecond), burst)
		a.tokenLimiters[ip] = lim
	}
	return lim.Allow()
}

// sameOrigin accepts requests without an Origin header (non-browser callers)
// and browser requests whose Origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Serve runs the API on addr until ctx is done. Kept small; embedders that
// need their own http.Server can mount Handler instead.
func Serve(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	return srv
}
