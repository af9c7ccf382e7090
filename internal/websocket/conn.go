package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wirelay/wirelay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second

	sendBuffer = 256
)

// Conn is one accepted channel connection. It owns a buffered send channel
// drained by a write pump so handler goroutines never block on the socket.
type Conn struct {
	id     string
	ws     *websocket.Conn
	ip     string
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, ip string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.New().String(),
		ws:     ws,
		ip:     ip,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

// ID returns the identifier assigned on accept.
func (c *Conn) ID() string { return c.id }

// RemoteIP returns the caller address after trusted-proxy resolution.
func (c *Conn) RemoteIP() string { return c.ip }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Send queues an encoded wire message for delivery. No lock is held while
// blocking on a full buffer; a sender stuck there is released when either
// context ends.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.New(wirelay.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(wirelay.ErrConnectionClosed)
	}
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	// Cancelling the context stops the write pump and releases any sender
	// blocked on a full buffer. sendCh is never closed: queued frames are
	// simply dropped.
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage, message, deadline)

	return c.ws.Close()
}

// IsAlive reports whether the connection is still open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with periodic pings. Exiting for any reason cancels the connection
// context so blocked senders never outlive the pump.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
