package wirelay

// Standard error messages shared between the server and the client.
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid request format"
	ErrBatchTooLarge        = "Batch exceeds maximum size"

	// Policy errors
	ErrBlocked          = "Request blocked"
	ErrRateLimited      = "Rate limit exceeded"
	ErrUnauthenticated  = "Invalid or expired connection token"
	ErrTooManyConns     = "Too many connections from this address"
	ErrInternal         = "Internal server error"
	ErrConnectionClosed = "connection is closed"
	ErrRetriesExhausted = "retry budget exhausted"
)

// WebSocket close codes in the application range (4000+). The client maps
// these onto the same escalation path as the matching HTTP statuses.
const (
	CloseUnauthenticated = 4401
	CloseBlocked         = 4403
	CloseRateLimited     = 4429
)

// TokenSubprotocolPrefix carries the connection token during the WebSocket
// handshake. Using the subprotocol header instead of a URL query parameter
// keeps tokens out of access logs.
const TokenSubprotocolPrefix = "wirelay.token."

// Subprotocol is the base subprotocol name negotiated on every channel.
const Subprotocol = "wirelay.v1"
