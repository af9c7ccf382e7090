package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/dispatch"
	"github.com/wirelay/wirelay/internal/protocol"
	"github.com/wirelay/wirelay/internal/ratelimit"
	"github.com/wirelay/wirelay/internal/token"
)

type testServer struct {
	httpSrv *httptest.Server
	issuer  *token.Issuer
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter, hooks Hooks) *testServer {
	t.Helper()

	registry := dispatch.New(dispatch.Config{MaxBatchSize: 10, Development: true}, limiter, zap.NewNop())
	registry.Register("getUser", func(ctx *dispatch.Context, args json.RawMessage) (any, error) {
		var q struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, err
		}
		return map[string]any{"id": q.ID, "name": "ada"}, nil
	})
	registry.Register("echo", func(ctx *dispatch.Context, args json.RawMessage) (any, error) {
		return json.RawMessage(args), nil
	})
	registry.Seal()

	issuer, err := token.New(nil, time.Minute)
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}

	srv := New(Config{CheckOrigin: func(r *http.Request) bool { return true }},
		registry, limiter, issuer, hooks, zap.NewNop())

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return &testServer{httpSrv: httpSrv, issuer: issuer}
}

func (ts *testServer) dial(t *testing.T) *gws.Conn {
	t.Helper()

	tok, err := ts.issuer.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http")
	dialer := gws.Dialer{
		Subprotocols: []string{wirelay.Subprotocol, wirelay.TokenSubprotocolPrefix + tok},
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestCallOverChannel tests that a call over the channel returns the
// handler result with rate-limit stats attached
func TestCallOverChannel(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, Hooks{})
	conn := ts.dial(t)

	frame, err := protocol.EncodeRequest(wirelay.Request{
		ID:     1,
		Method: "getUser",
		Args:   json.RawMessage(`{"id":1}`),
	})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if err := conn.WriteMessage(gws.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != protocol.KindResponse {
		t.Fatalf("Kind = 0x%02x, want response", msg.Kind)
	}
	resp := msg.Response
	if resp.ID != 1 || !resp.OK {
		t.Fatalf("response = %+v, want id 1 OK", resp)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result["name"] != "ada" {
		t.Errorf("result = %v", result)
	}
}

// TestBatchOverChannel tests that one wire batch is answered by one wire
// batch with a matching id set
func TestBatchOverChannel(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, Hooks{})
	conn := ts.dial(t)

	reqs := []wirelay.Request{
		{ID: 1, Method: "echo", Args: json.RawMessage(`"a"`)},
		{ID: 2, Method: "echo", Args: json.RawMessage(`"b"`)},
		{ID: 3, Method: "echo", Args: json.RawMessage(`"c"`)},
	}
	frame, err := protocol.EncodeBatchRequest(reqs)
	if err != nil {
		t.Fatalf("EncodeBatchRequest() error = %v", err)
	}
	if err := conn.WriteMessage(gws.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind != protocol.KindBatchResponse {
		t.Fatalf("Kind = 0x%02x, want batch response", msg.Kind)
	}

	ids := map[uint32]bool{}
	for _, r := range msg.Responses {
		ids[r.ID] = true
		if !r.OK {
			t.Errorf("response %d failed: %s", r.ID, r.Error)
		}
	}
	if len(ids) != 3 || !ids[1] || !ids[2] || !ids[3] {
		t.Errorf("response id set = %v, want {1,2,3}", ids)
	}
}

// TestRejectsBadToken tests pre-upgrade authentication
func TestRejectsBadToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, Hooks{})

	url := "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http")
	dialer := gws.Dialer{
		Subprotocols: []string{wirelay.Subprotocol, wirelay.TokenSubprotocolPrefix + "bogus"},
	}
	_, resp, err := dialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded with a bogus token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v, want 401", resp)
	}
}

// TestRejectsMissingToken tests that the token subprotocol is mandatory
func TestRejectsMissingToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, Hooks{})

	url := "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http")
	dialer := gws.Dialer{Subprotocols: []string{wirelay.Subprotocol}}
	_, resp, err := dialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v, want 401", resp)
	}
}

// TestRateLimitCloses tests that exceeding the message window closes the
// channel with the policy code
func TestRateLimitCloses(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{Capacity: 3, Window: time.Minute})
	ts := newTestServer(t, limiter, Hooks{})
	conn := ts.dial(t)

	frame, err := protocol.EncodeRequest(wirelay.Request{ID: 1, Method: "echo", Args: json.RawMessage(`1`)})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(gws.BinaryMessage, frame); err != nil {
			t.Fatalf("WriteMessage() %d error = %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if !gws.IsCloseError(err, wirelay.CloseRateLimited) {
				t.Errorf("close error = %v, want code %d", err, wirelay.CloseRateLimited)
			}
			return
		}
	}
}

// TestUndecodableFrameDropped tests that garbage on the channel is dropped
// silently and the connection keeps working
func TestUndecodableFrameDropped(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, Hooks{})
	conn := ts.dial(t)

	if err := conn.WriteMessage(gws.BinaryMessage, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// A valid call right after still gets its response.
	frame, _ := protocol.EncodeRequest(wirelay.Request{ID: 5, Method: "echo", Args: json.RawMessage(`true`)})
	if err := conn.WriteMessage(gws.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Response.ID != 5 {
		t.Errorf("response id = %d, want 5", msg.Response.ID)
	}
}

// TestConnectionCap tests the per-IP accept-time cap
func TestConnectionCap(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{MaxConnsPerIP: 1})
	ts := newTestServer(t, limiter, Hooks{})

	first := ts.dial(t)
	defer first.Close()

	// The second connection upgrades but is closed immediately with the
	// policy code.
	second := ts.dial(t)
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	if err == nil {
		t.Fatal("second connection stayed open past the per-IP cap")
	}
	if !gws.IsCloseError(err, wirelay.CloseRateLimited) {
		t.Errorf("close error = %v, want code %d", err, wirelay.CloseRateLimited)
	}
}

// TestLifecycleHooks tests OnOpen/OnMessage/OnClose firing
func TestLifecycleHooks(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	messaged := make(chan struct{}, 8)
	closed := make(chan bool, 1)
	hooks := Hooks{
		OnOpen:    func(c wirelay.Conn) { opened <- c.ID() },
		OnMessage: func(c wirelay.Conn, frame []byte) { messaged <- struct{}{} },
		OnClose:   func(c wirelay.Conn, voluntary bool) { closed <- voluntary },
	}
	ts := newTestServer(t, nil, hooks)
	conn := ts.dial(t)

	select {
	case id := <-opened:
		if id == "" {
			t.Error("OnOpen received empty connection id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnOpen never fired")
	}

	frame, _ := protocol.EncodeRequest(wirelay.Request{ID: 1, Method: "echo", Args: json.RawMessage(`0`)})
	conn.WriteMessage(gws.BinaryMessage, frame)

	select {
	case <-messaged:
	case <-time.After(5 * time.Second):
		t.Fatal("OnMessage never fired")
	}

	conn.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	select {
	case voluntary := <-closed:
		if !voluntary {
			t.Error("clean close reported as involuntary")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never fired")
	}
}
