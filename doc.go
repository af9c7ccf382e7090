// Package wirelay provides an adaptive RPC transport for clients talking to a
// long-running server over unreliable networks.
//
// Calls are typed requests for named remote methods. They travel either over a
// persistent WebSocket channel or as discrete HTTP calls, and the client picks
// between the two adaptively, surviving dropped sockets, device backgrounding
// and expired credentials without losing calls.
//
// # Architecture
//
// The server side is a dispatcher: handlers are registered under method names
// once at startup, an optional middleware decides per call whether to proceed
// or block, and every response carries the caller's current rate-limit stats.
// The same dispatcher serves two call sites: persistent-channel messages and
// plain HTTP posts carrying the same wire shapes.
//
// The client side is a transport manager: a small connection state machine
// with one in-flight connect at a time, a pending-call map with independent
// per-call timeouts, scheduler-tick batching of call bursts, exponential
// backoff with jitter on retriable failures, and a forced-HTTP cooldown after
// the channel repeatedly fails.
//
// # Quick start
//
//	import (
//	    "github.com/wirelay/wirelay/client"
//	    "github.com/wirelay/wirelay/server"
//	)
//
//	cfg, _ := server.DefaultConfig()
//	srv, _ := server.New(cfg, server.Hooks{}, logger)
//	srv.Register("getUser", func(ctx *server.CallContext, args json.RawMessage) (any, error) {
//	    var q struct{ ID int `json:"id"` }
//	    if err := json.Unmarshal(args, &q); err != nil {
//	        return nil, err
//	    }
//	    return lookupUser(q.ID)
//	})
//	srv.Start()
//
//	c, _ := client.New(client.Config{BaseURL: "http://localhost:8080"})
//	result, stats, err := c.Call(ctx, "getUser", map[string]int{"id": 1})
//
// # Wire protocol
//
// Messages use a compact binary framing: a one-byte message kind followed by
// the body. Requests carry a uint32 id, a length-prefixed method name and an
// opaque argument payload. Batches coalesce several requests into one wire
// message and are answered by one batch whose id set equals the request id
// set. Payloads above a configurable threshold are gzip-compressed, flagged
// by a dedicated kind byte, and expanded through a length-bounded reader.
// Maximum payload: 10MB.
//
// # Security
//
// Channel establishment requires a short-lived HMAC-signed connection token
// fetched from a dedicated no-store endpoint and presented through the
// WebSocket subprotocol header. Per-connection message quotas use a fixed
// window; per-IP concurrent connections are capped at accept time. Handler
// errors are sanitized in production and logged verbatim server-side.
package wirelay
