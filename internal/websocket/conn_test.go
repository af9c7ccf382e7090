package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newSocketPair upgrades one real connection and returns the server-side
// Conn plus the raw peer socket.
func newSocketPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- newConn(ws, "203.0.113.9")
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return conn, peer
	case <-time.After(2 * time.Second):
		t.Fatal("connection never accepted")
		return nil, nil
	}
}

// TestWritePumpFailureCancelsContext tests that a failed socket write tears
// the connection context down
func TestWritePumpFailureCancelsContext(t *testing.T) {
	t.Parallel()

	conn, _ := newSocketPair(t)

	// Kill the socket underneath the pump, then queue a frame so the pump
	// attempts a write and fails.
	conn.ws.Close()
	conn.Send(context.Background(), []byte{0x01})

	select {
	case <-conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after write pump failure")
	}
}

// TestSendUnblocksAfterPumpExit tests that a sender facing a full buffer and
// a dead pump fails instead of blocking forever
func TestSendUnblocksAfterPumpExit(t *testing.T) {
	t.Parallel()

	conn, _ := newSocketPair(t)

	conn.ws.Close()
	conn.Send(context.Background(), []byte{0x01})
	select {
	case <-conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("write pump never exited")
	}

	// Nobody drains sendCh anymore. Once the buffer is full, Send must
	// return through the cancelled connection context.
	var sendErr error
	for i := 0; i < sendBuffer+8; i++ {
		if sendErr = conn.Send(context.Background(), []byte{0x02}); sendErr != nil {
			break
		}
	}
	if sendErr == nil {
		t.Fatal("Send never failed with the pump gone")
	}
}

// TestCloseUnblocksPendingSend tests that closing releases a blocked sender
func TestCloseUnblocksPendingSend(t *testing.T) {
	t.Parallel()

	conn, _ := newSocketPair(t)

	// Stop the pump so the buffer can fill, then park one sender on the
	// full buffer.
	conn.ws.Close()
	conn.Send(context.Background(), []byte{0x01})
	select {
	case <-conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("write pump never exited")
	}

	// The socket is already down so the close itself may error; what matters
	// is that it returns instead of deadlocking.
	conn.CloseWithCode(websocket.CloseNormalClosure, "")

	done := make(chan error, 1)
	go func() { done <- conn.Send(context.Background(), []byte{0x03}) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Send succeeded on a closed connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a closed connection")
	}
}
