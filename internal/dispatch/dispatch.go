// Package dispatch routes decoded requests to registered method handlers.
//
// The handler table is populated once at startup and treated as read-only
// while serving. A single middleware slot decides per call whether to proceed
// or block; every response carries the caller's current rate-limit stats.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/ratelimit"
)

// BatchErrorID is the reserved response id for batch-level rejections.
// Client-side request ids start at 1, so id 0 never collides with a call.
const BatchErrorID uint32 = 0

// Handler processes one call. The returned value is JSON-encoded into the
// response; a returned error produces a failed response.
type Handler func(ctx *Context, args json.RawMessage) (any, error)

// Context carries per-call connection metadata into handlers and middleware.
type Context struct {
	// Ctx is the request-scoped context.
	Ctx context.Context
	// ConnID identifies the logical connection; empty on the discrete path.
	ConnID string
	// IP is the caller address after trusted-proxy resolution.
	IP string
	// Headers are the handshake (channel) or request (HTTP) headers.
	Headers http.Header
	// Meta holds raw connection metadata such as the transport name.
	Meta map[string]string
}

// Decision is the middleware verdict for one request. The zero value blocks
// with a generic reason; use Proceed or Block.
type Decision struct {
	proceed bool
	reason  string
}

// Proceed lets the request through to its handler.
func Proceed() Decision { return Decision{proceed: true} }

// Block stops the request before the handler runs. The reason is surfaced to
// the caller as a policy error; empty falls back to a generic message.
func Block(reason string) Decision { return Decision{reason: reason} }

// Middleware inspects a request before its handler runs.
type Middleware func(ctx *Context, req wirelay.Request) Decision

// Config controls dispatcher behavior.
type Config struct {
	// MaxBatchSize rejects larger batches outright. Zero means no limit.
	MaxBatchSize int
	// Development surfaces real handler error messages instead of the
	// sanitized production text.
	Development bool
}

// Registry maps method names to handlers and dispatches requests to them.
type Registry struct {
	cfg        Config
	logger     *zap.Logger
	limiter    *ratelimit.Limiter
	middleware Middleware

	mu       sync.RWMutex
	handlers map[string]Handler
	serving  bool
}

// New creates an empty registry. The limiter may be nil, in which case every
// response carries unlimited stats.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		handlers: map[string]Handler{},
	}
}

// Register associates a method name with a handler. Registration is rejected
// once serving has started; the table is read-only during request processing.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("method name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serving {
		return fmt.Errorf("cannot register %q after serving started", name)
	}
	r.handlers[name] = h
	return nil
}

// Use installs the middleware. A single slot; later calls replace it.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = mw
}

// Seal marks the handler table read-only. Servers call this before accepting
// traffic.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serving = true
}

// Dispatch runs one request to completion and builds its response. It never
// panics: handler panics are recovered and surfaced like handler errors.
func (r *Registry) Dispatch(cc *Context, req wirelay.Request) wirelay.Response {
	stats := r.statsFor(cc.ConnID)

	r.mu.RLock()
	handler, known := r.handlers[req.Method]
	mw := r.middleware
	r.mu.RUnlock()

	if !known {
		return wirelay.Response{
			ID:    req.ID,
			Error: fmt.Sprintf("Unknown method %s", req.Method),
			Stats: stats,
		}
	}

	if mw != nil {
		decision := mw(cc, req)
		if !decision.proceed {
			reason := decision.reason
			if reason == "" {
				reason = wirelay.ErrBlocked
			}
			return wirelay.Response{ID: req.ID, Error: reason, Stats: stats}
		}
	}

	result, err := r.runHandler(cc, req, handler)
	if err != nil {
		return wirelay.Response{ID: req.ID, Error: r.sanitize(req.Method, err), Stats: stats}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("failed to encode handler result",
			zap.String("method", req.Method),
			zap.Error(err))
		return wirelay.Response{ID: req.ID, Error: r.sanitize(req.Method, err), Stats: stats}
	}

	return wirelay.Response{ID: req.ID, OK: true, Result: encoded, Stats: stats}
}

// DispatchBatch processes the requests concurrently and joins the responses
// into one slice whose id set equals the request id set. An oversized batch
// is rejected outright with ok=false and a single batch-level error response.
func (r *Registry) DispatchBatch(cc *Context, reqs []wirelay.Request) ([]wirelay.Response, bool) {
	if r.cfg.MaxBatchSize > 0 && len(reqs) > r.cfg.MaxBatchSize {
		return []wirelay.Response{{
			ID:    BatchErrorID,
			Error: wirelay.ErrBatchTooLarge,
			Stats: r.statsFor(cc.ConnID),
		}}, false
	}

	resps := make([]wirelay.Response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req wirelay.Request) {
			defer wg.Done()
			resps[i] = r.Dispatch(cc, req)
		}(i, req)
	}
	wg.Wait()
	return resps, true
}

func (r *Registry) runHandler(cc *Context, req wirelay.Request, h Handler) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(cc, req.Args)
}

// sanitize hides handler failure details in production while always logging
// the original error.
func (r *Registry) sanitize(method string, err error) string {
	r.logger.Error("handler failed",
		zap.String("method", method),
		zap.Error(err))
	if r.cfg.Development {
		return err.Error()
	}
	return wirelay.ErrInternal
}

// statsFor sources stats from the limiter for tracked connections; everything
// else gets the unlimited sentinel.
func (r *Registry) statsFor(connID string) wirelay.Stats {
	if r.limiter == nil || connID == "" {
		return wirelay.Unlimited()
	}
	s, ok := r.limiter.ConnectionStats(connID)
	if !ok {
		return wirelay.Unlimited()
	}
	if s.Remaining < 0 {
		return wirelay.Unlimited()
	}
	resetSec := (s.ResetMs + 999) / 1000
	return wirelay.Stats{
		Remaining:    int32(s.Remaining),
		ResetSeconds: int32(resetSec),
	}
}

// CallerIP resolves the caller address. With trustedProxies > 0 the address
// is taken from X-Forwarded-For, counting that many hops back from the end of
// the list; otherwise the socket address wins.
func CallerIP(remoteAddr string, headers http.Header, trustedProxies int) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if trustedProxies <= 0 || headers == nil {
		return host
	}

	fwd := headers.Get("X-Forwarded-For")
	if fwd == "" {
		return host
	}
	parts := strings.Split(fwd, ",")
	idx := len(parts) - trustedProxies
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(parts[idx])
	if ip == "" {
		return host
	}
	return ip
}
