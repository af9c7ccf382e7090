package wirelay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is a single typed call for a named remote method.
//
// IDs are allocated by the caller and must be unique among the calls
// currently in flight on one logical connection. Args are opaque to the
// transport; the server hands them to the registered handler unchanged.
type Request struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request, correlated by ID.
type Response struct {
	ID     uint32          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Stats  Stats           `json:"stats"`
}

// Stats carries the rate-limit window state attached to every response.
// Remaining is -1 when the connection is not subject to a message quota.
type Stats struct {
	Remaining    int32 `json:"remainingRequests"`
	ResetSeconds int32 `json:"resetInSeconds"`
}

// Unlimited is the stats sentinel for call sites without a message quota,
// such as the discrete HTTP path.
func Unlimited() Stats {
	return Stats{Remaining: -1, ResetSeconds: 0}
}

// ErrorKind classifies a terminal call failure.
type ErrorKind int

const (
	// KindTransport covers connection refused/closed/timed out. Retriable.
	KindTransport ErrorKind = iota
	// KindProtocol covers undecodable payloads. Never retried.
	KindProtocol
	// KindApp covers handler failures surfaced by the server. Not retried.
	KindApp
	// KindPolicy covers middleware blocks, rate limiting, oversized batches
	// and authentication failures. Not retried with backoff; repeated policy
	// failures feed the client's abuse escalation instead.
	KindPolicy
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindApp:
		return "application"
	case KindPolicy:
		return "policy"
	}
	return "unknown"
}

// CallError is the single error type the client surfaces for every terminal
// failure, including retry-budget exhaustion, so callers handle all causes
// uniformly. Stats is nil when the failure happened before a response carried
// any.
type CallError struct {
	Kind    ErrorKind
	Message string
	Stats   *Stats
	Err     error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wirelay: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("wirelay: %s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retriable reports whether the failure should drive reconnect plus backoff.
func (e *CallError) Retriable() bool { return e.Kind == KindTransport }

// Caller is the client-side call surface shared by the persistent-channel
// and HTTP transports.
type Caller interface {
	// Call invokes a named remote method. Args are JSON-encoded before
	// transmission. The returned stats reflect the server's rate-limit
	// window at the time the response was produced.
	Call(ctx context.Context, method string, args any) (json.RawMessage, Stats, error)

	// Close releases the underlying connection. Pending calls are rejected
	// with a transport error.
	Close(ctx context.Context) error
}

// Conn describes a live server-side connection as seen by lifecycle hooks.
type Conn interface {
	// ID returns the identifier assigned to the connection on accept.
	ID() string

	// RemoteIP returns the caller address after trusted-proxy resolution.
	RemoteIP() string

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Send writes an already-encoded wire message to the peer.
	Send(ctx context.Context, frame []byte) error
}
