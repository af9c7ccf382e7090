// Package transport implements the client-side connection manager: adaptive
// transport selection between the persistent channel and discrete HTTP calls,
// call batching, retry with exponential backoff, staleness detection and
// connection-token rotation.
//
// The manager is a small state machine:
//
//	Disconnected → Connecting → Open → Closing → Disconnected
//
// with one authoritative transition point (setState). Concurrent callers
// during Connecting share the single in-flight connect attempt. Forced
// reconnection is the only bulk-cancellation mechanism: it atomically rejects
// every pending call.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/protocol"
)

// Mode selects the transport.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeWebSocket Mode = "websocket"
	ModeHTTP      Mode = "http"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return "invalid"
}

// BlockedEvent is emitted when repeated policy rejections cross the abuse
// threshold.
type BlockedEvent struct {
	Failures int
	Window   time.Duration
	LastCode int
}

// Config controls the manager. Zero durations fall back to the defaults
// documented per field.
type Config struct {
	// BaseURL is the http(s) origin of the server, e.g. "http://host:8080".
	BaseURL string
	// Mode selects websocket, http or auto. Default auto.
	Mode Mode
	// MobileHeuristic enables the mobile-device predicate in auto mode.
	MobileHeuristic bool
	// Mobile replaces the predicate; nil uses DefaultMobilePredicate.
	Mobile MobilePredicate

	// ConnectTimeout bounds channel establishment. Default 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each call independently. Default 30s.
	RequestTimeout time.Duration
	// StaleHiddenAfter forces a channel reset when the host was hidden for
	// longer than this. Default 45s.
	StaleHiddenAfter time.Duration

	// BatchDelay is the flush tick coalescing call bursts. Default 5ms.
	BatchDelay time.Duration
	// EagerSingle sends a lone call immediately when the channel is already
	// open instead of waiting out the flush tick. Bursts submitted within
	// the tick then produce more than one wire message.
	EagerSingle bool
	// CompressAbove compresses outgoing messages past this size. Zero
	// disables compression.
	CompressAbove int

	// BackoffBase and BackoffCap shape the retry delay
	// min(base·2^attempt, cap) + jitter. Defaults 250ms and 8s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RetryBudget is the number of retries after the initial attempt.
	// Default 3.
	RetryBudget int
	// HTTPFallbackCooldown is how long to force HTTP after the channel
	// exhausts its retry budget. Default 60s.
	HTTPFallbackCooldown time.Duration

	// TokenValidity mirrors the server's validity window. Default 2m.
	TokenValidity time.Duration
	// TokenRefreshSafety refreshes this long before expiry. Default 15s.
	TokenRefreshSafety time.Duration
	// TokenRetryDelay retries a failed refresh after this delay. Default 5s.
	TokenRetryDelay time.Duration

	// BlockedThreshold policy rejections within BlockedWindow emit a
	// BlockedEvent. Defaults 3 within 30s.
	BlockedThreshold int
	BlockedWindow    time.Duration
	// ReloadCooldown gates the Reload hook. Default 5m.
	ReloadCooldown time.Duration

	// Environment drives transport selection and staleness detection.
	// Nil behaves like a desktop on a good network with no signals.
	Environment Environment
	// OnBlocked observes abuse escalation. Optional.
	OnBlocked func(BlockedEvent)
	// Reload is invoked (rate-limited) after abuse escalation. Optional.
	Reload func()

	// HTTPClient defaults to a client with the request timeout.
	HTTPClient *http.Client
	// Dialer defaults to a gorilla dialer with the connect timeout.
	Dialer *websocket.Dialer

	Logger *zap.Logger
}

func (c *Config) withDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.Mobile == nil {
		c.Mobile = DefaultMobilePredicate
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StaleHiddenAfter <= 0 {
		c.StaleHiddenAfter = 45 * time.Second
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 5 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.HTTPFallbackCooldown <= 0 {
		c.HTTPFallbackCooldown = time.Minute
	}
	if c.TokenValidity <= 0 {
		c.TokenValidity = 2 * time.Minute
	}
	if c.TokenRefreshSafety <= 0 {
		c.TokenRefreshSafety = 15 * time.Second
	}
	if c.TokenRetryDelay <= 0 {
		c.TokenRetryDelay = 5 * time.Second
	}
	if c.BlockedThreshold <= 0 {
		c.BlockedThreshold = 3
	}
	if c.BlockedWindow <= 0 {
		c.BlockedWindow = 30 * time.Second
	}
	if c.ReloadCooldown <= 0 {
		c.ReloadCooldown = 5 * time.Minute
	}
	if c.Environment == nil {
		c.Environment = &StaticEnvironment{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.ConnectTimeout}
	}
}

// Manager owns the client connection lifecycle and the pending-call map.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	comp   protocol.Compressor

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	epoch   uint64
	nextID  uint32
	pending map[uint32]*pendingCall
	queue   []*pendingCall
	flush   *time.Timer
	// sentBatches records the id sets of multi-call batches written to the
	// channel and not yet fully answered, oldest first. A batch-level error
	// response fails only the calls of the batch it answers.
	sentBatches []map[uint32]struct{}

	// connectWait is non-nil while a connect attempt is in flight; waiters
	// block on it and read connectErr afterwards.
	connectWait chan struct{}
	connectErr  error

	token        string
	tokenFetched time.Time
	tokenTimer   *time.Timer

	forcedHTTPUntil time.Time
	hiddenSince     time.Time

	policyFailures []time.Time
	reloadGate     *rate.Limiter

	closed bool
	done   chan struct{}

	writeMu sync.Mutex
}

// New creates a manager. It performs no I/O until the first call.
func New(cfg Config) (*Manager, error) {
	cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	m := &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		comp:       protocol.Compressor{Threshold: cfg.CompressAbove},
		state:      Disconnected,
		pending:    map[uint32]*pendingCall{},
		reloadGate: rate.NewLimiter(rate.Every(cfg.ReloadCooldown), 1),
		done:       make(chan struct{}),
	}

	if sig := cfg.Environment.Signals(); sig != nil {
		go m.watchSignals(sig)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the manager down, rejecting all pending calls.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.setState(Closing)
	m.resetLocked(&wirelay.CallError{
		Kind:    wirelay.KindTransport,
		Message: wirelay.ErrConnectionClosed,
	})
	m.setState(Disconnected)
	close(m.done)
	m.mu.Unlock()
	return nil
}

// setState is the single transition point. Callers hold m.mu.
func (m *Manager) setState(to State) {
	if m.state == to {
		return
	}
	m.logger.Debug("transport state change",
		zap.Stringer("from", m.state),
		zap.Stringer("to", to))
	m.state = to
}

// chooseWebSocket decides whether the next call should use the channel.
func (m *Manager) chooseWebSocket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode == ModeHTTP {
		return false
	}
	if time.Now().Before(m.forcedHTTPUntil) {
		return false
	}
	if m.cfg.Mode == ModeWebSocket {
		return true
	}
	// auto
	if m.cfg.MobileHeuristic &&
		m.cfg.Mobile(m.cfg.Environment.Device(), m.cfg.Environment.Network()) {
		return false
	}
	return true
}

// connect establishes the channel, sharing one in-flight attempt among
// concurrent callers.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &wirelay.CallError{Kind: wirelay.KindTransport, Message: wirelay.ErrConnectionClosed}
	}
	if m.state == Open {
		m.mu.Unlock()
		return nil
	}
	if m.connectWait != nil {
		wait := m.connectWait
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.connectErr
		m.mu.Unlock()
		return err
	}

	wait := make(chan struct{})
	m.connectWait = wait
	m.setState(Connecting)
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.connectErr = err
	m.connectWait = nil
	if err != nil {
		m.setState(Disconnected)
		m.token = ""
	}
	close(wait)
	m.mu.Unlock()
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	tok, err := m.currentToken(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(m.cfg.BaseURL, "http") + "/rpc/ws"
	dialer := *m.cfg.Dialer
	dialer.Subprotocols = []string{wirelay.Subprotocol, wirelay.TokenSubprotocolPrefix + tok}

	ws, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			m.notePolicyStatus(resp.StatusCode)
		}
		return &wirelay.CallError{
			Kind:    m.kindForStatus(resp),
			Message: "channel connect failed",
			Err:     err,
		}
	}

	m.mu.Lock()
	m.ws = ws
	m.epoch++
	epoch := m.epoch
	m.setState(Open)
	m.scheduleTokenRefreshLocked()
	m.mu.Unlock()

	go m.readLoop(ws, epoch)
	m.logger.Debug("channel open", zap.String("url", url))
	return nil
}

func (m *Manager) kindForStatus(resp *http.Response) wirelay.ErrorKind {
	if resp == nil {
		return wirelay.KindTransport
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return wirelay.KindPolicy
	}
	return wirelay.KindTransport
}

// readLoop correlates incoming responses with pending calls. The epoch guard
// keeps a loop from a torn-down connection from touching newer state.
func (m *Manager) readLoop(ws *websocket.Conn, epoch uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleChannelFailure(epoch, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Undecodable channel payloads are dropped silently.
			m.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case protocol.KindResponse:
			m.deliver(msg.Response)
		case protocol.KindBatchResponse:
			if len(msg.Responses) == 1 && msg.Responses[0].ID == 0 && !msg.Responses[0].OK {
				// A batch-level rejection answers one flushed batch.
				// Calls sent in other wire messages stay pending and
				// resolve by their own responses or timeouts.
				m.failOldestBatch(&wirelay.CallError{
					Kind:    wirelay.KindPolicy,
					Message: msg.Responses[0].Error,
					Stats:   &msg.Responses[0].Stats,
				})
				continue
			}
			for _, resp := range msg.Responses {
				m.deliver(resp)
			}
		}
	}
}

// handleChannelFailure resets the connection and rejects all pending calls.
// Policy close codes additionally feed abuse escalation.
func (m *Manager) handleChannelFailure(epoch uint64, err error) {
	kind := wirelay.KindTransport
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case wirelay.CloseUnauthenticated, wirelay.CloseBlocked, wirelay.CloseRateLimited:
			kind = wirelay.KindPolicy
			m.notePolicyStatus(ce.Code)
		}
	}

	m.mu.Lock()
	if epoch != m.epoch || m.closed {
		m.mu.Unlock()
		return
	}
	m.logger.Debug("channel failed", zap.Error(err))
	m.resetLocked(&wirelay.CallError{Kind: kind, Message: "channel closed", Err: err})
	m.mu.Unlock()
}

// resetLocked is the sole bulk-cancellation mechanism: close the socket,
// clear the cached token and reject every pending call atomically. Callers
// hold m.mu.
func (m *Manager) resetLocked(cause *wirelay.CallError) {
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	m.epoch++
	if m.state != Closing {
		m.setState(Disconnected)
	}
	m.token = ""
	if m.tokenTimer != nil {
		m.tokenTimer.Stop()
		m.tokenTimer = nil
	}
	if m.flush != nil {
		m.flush.Stop()
		m.flush = nil
	}

	calls := make([]*pendingCall, 0, len(m.pending))
	for _, pc := range m.pending {
		calls = append(calls, pc)
	}
	m.pending = map[uint32]*pendingCall{}
	m.queue = nil
	m.sentBatches = nil

	for _, pc := range calls {
		pc.resolve(callResult{err: cause})
	}
}

// ForceReset drops the channel and rejects pending calls; the next call
// reconnects with a fresh token.
func (m *Manager) ForceReset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (m.ws == nil && len(m.pending) == 0) {
		return
	}
	m.logger.Debug("forced channel reset", zap.String("reason", reason))
	m.resetLocked(&wirelay.CallError{Kind: wirelay.KindTransport, Message: "connection reset: " + reason})
}

// watchSignals drives staleness detection from the host environment.
func (m *Manager) watchSignals(sig <-chan Signal) {
	for {
		select {
		case <-m.done:
			return
		case s, ok := <-sig:
			if !ok {
				return
			}
			switch s.Kind {
			case SignalHidden:
				m.mu.Lock()
				m.hiddenSince = s.At
				m.mu.Unlock()
			case SignalVisible, SignalOnline, SignalResume:
				m.mu.Lock()
				hidden := m.hiddenSince
				m.hiddenSince = time.Time{}
				stale := !hidden.IsZero() && s.At.Sub(hidden) > m.cfg.StaleHiddenAfter
				m.mu.Unlock()
				if stale {
					// The socket may look open locally but be dead on the
					// peer after a long background period.
					m.ForceReset("stale after background")
				}
			}
		}
	}
}

// notePolicyStatus records one auth/rate-limit rejection and escalates past
// the threshold. Reload storms are prevented by the cooldown gate.
func (m *Manager) notePolicyStatus(code int) {
	now := time.Now()

	m.mu.Lock()
	cutoff := now.Add(-m.cfg.BlockedWindow)
	kept := m.policyFailures[:0]
	for _, t := range m.policyFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.policyFailures = append(kept, now)
	count := len(m.policyFailures)
	escalate := count >= m.cfg.BlockedThreshold
	if escalate {
		m.policyFailures = nil
	}
	m.mu.Unlock()

	if !escalate {
		return
	}

	m.logger.Warn("repeated policy rejections",
		zap.Int("failures", count),
		zap.Int("last_code", code))
	if m.cfg.OnBlocked != nil {
		m.cfg.OnBlocked(BlockedEvent{Failures: count, Window: m.cfg.BlockedWindow, LastCode: code})
	}
	if m.cfg.Reload != nil && m.reloadGate.Allow() {
		m.cfg.Reload()
	}
}

// currentToken returns the cached token or fetches a fresh one.
func (m *Manager) currentToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.token != "" {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	tok, err := m.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.token = tok
	m.tokenFetched = time.Now()
	m.mu.Unlock()
	return tok, nil
}

func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/rpc/token", nil)
	if err != nil {
		return "", &wirelay.CallError{Kind: wirelay.KindTransport, Message: "build token request", Err: err}
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &wirelay.CallError{Kind: wirelay.KindTransport, Message: "token fetch failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.notePolicyStatus(resp.StatusCode)
		return "", &wirelay.CallError{
			Kind:    m.kindForStatus(resp),
			Message: fmt.Sprintf("token fetch returned %d", resp.StatusCode),
		}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		return "", &wirelay.CallError{Kind: wirelay.KindProtocol, Message: "malformed token response", Err: err}
	}
	return body.Token, nil
}

// scheduleTokenRefreshLocked arms the rotation timer to fire before
// fetched + validity − safety. Callers hold m.mu.
func (m *Manager) scheduleTokenRefreshLocked() {
	if m.tokenTimer != nil {
		m.tokenTimer.Stop()
	}
	delay := m.cfg.TokenValidity - m.cfg.TokenRefreshSafety
	if !m.tokenFetched.IsZero() {
		if until := time.Until(m.tokenFetched.Add(delay)); until > 0 {
			delay = until
		} else {
			delay = time.Millisecond
		}
	}
	m.tokenTimer = time.AfterFunc(delay, m.refreshToken)
}

func (m *Manager) refreshToken() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	tok, err := m.fetchToken(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if err != nil {
		m.logger.Warn("token refresh failed", zap.Error(err))
		m.tokenTimer = time.AfterFunc(m.cfg.TokenRetryDelay, m.refreshToken)
		return
	}
	m.token = tok
	m.tokenFetched = time.Now()
	m.scheduleTokenRefreshLocked()
}
