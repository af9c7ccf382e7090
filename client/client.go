// Package client is the caller-facing surface over the transport manager:
// adaptive channel/HTTP selection, batching, retry with backoff and
// connection-token rotation behind a single Call method.
package client

import (
	"context"
	"encoding/json"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/config"
	"github.com/wirelay/wirelay/internal/transport"
)

// Aliases so callers configure the transport without importing internal
// packages.
type (
	Config            = transport.Config
	Mode              = transport.Mode
	State             = transport.State
	Environment       = transport.Environment
	StaticEnvironment = transport.StaticEnvironment
	Signal            = transport.Signal
	SignalKind        = transport.SignalKind
	DeviceProfile     = transport.DeviceProfile
	NetworkQuality    = transport.NetworkQuality
	BlockedEvent      = transport.BlockedEvent
)

const (
	ModeAuto      = transport.ModeAuto
	ModeWebSocket = transport.ModeWebSocket
	ModeHTTP      = transport.ModeHTTP

	StateDisconnected = transport.Disconnected
	StateConnecting   = transport.Connecting
	StateOpen         = transport.Open
	StateClosing      = transport.Closing

	SignalHidden  = transport.SignalHidden
	SignalVisible = transport.SignalVisible
	SignalOnline  = transport.SignalOnline
	SignalResume  = transport.SignalResume
)

// Client invokes remote methods over the managed connection.
type Client struct {
	manager *transport.Manager
}

// New creates a client for the server at cfg.BaseURL. No I/O happens until
// the first call.
func New(cfg Config) (*Client, error) {
	m, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{manager: m}, nil
}

// NewFromConfigFile creates a client from the same layered configuration the
// server loads. path may be empty to use defaults plus WIRELAY_* env vars.
func NewFromConfigFile(baseURL, path string) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c := cfg.Client
	return New(Config{
		BaseURL:              baseURL,
		Mode:                 Mode(c.Mode),
		MobileHeuristic:      c.MobileHeuristic,
		ConnectTimeout:       c.ConnectTimeout,
		RequestTimeout:       c.RequestTimeout,
		StaleHiddenAfter:     c.StaleHiddenAfter,
		BatchDelay:           c.BatchDelay,
		CompressAbove:        cfg.Protocol.CompressAbove,
		BackoffBase:          c.BackoffBase,
		BackoffCap:           c.BackoffCap,
		RetryBudget:          c.RetryBudget,
		HTTPFallbackCooldown: c.HTTPFallbackCooldown,
	})
}

// Call invokes method with args and returns the raw JSON result together
// with the caller's rate-limit stats. Terminal failures are always a
// *wirelay.CallError; transient transport failures are retried internally.
func (c *Client) Call(ctx context.Context, method string, args any) (json.RawMessage, wirelay.Stats, error) {
	return c.manager.Call(ctx, method, args)
}

// CallInto invokes method and decodes the result into out. A nil out
// discards the result.
func (c *Client) CallInto(ctx context.Context, method string, args, out any) (wirelay.Stats, error) {
	raw, stats, err := c.manager.Call(ctx, method, args)
	if err != nil {
		return stats, err
	}
	if out == nil || len(raw) == 0 {
		return stats, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return stats, &wirelay.CallError{
			Kind:    wirelay.KindProtocol,
			Message: "failed to decode result",
			Err:     err,
		}
	}
	return stats, nil
}

// State reports the connection lifecycle state.
func (c *Client) State() State { return c.manager.State() }

// Reset drops the channel and rejects in-flight calls; the next call
// reconnects with a fresh token.
func (c *Client) Reset(reason string) { c.manager.ForceReset(reason) }

// Close tears the client down. In-flight calls fail with a connection-closed
// error.
func (c *Client) Close(ctx context.Context) error { return c.manager.Close(ctx) }
