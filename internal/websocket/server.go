// Package websocket owns the persistent-channel socket: connection accept
// with token verification and the per-IP cap, per-connection read/write pumps
// and per-message rate limiting. Decoded requests are handed to the
// dispatcher; lifecycle hooks let embedders observe connections.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/dispatch"
	"github.com/wirelay/wirelay/internal/protocol"
	"github.com/wirelay/wirelay/internal/ratelimit"
	"github.com/wirelay/wirelay/internal/token"
)

// CheckOriginFn validates the origin of an upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// Hooks observe connection lifecycle events. All fields are optional.
// OnOpen runs synchronously before the read loop starts; OnClose receives
// voluntary=true when the peer closed cleanly.
type Hooks struct {
	OnOpen    func(conn wirelay.Conn)
	OnMessage func(conn wirelay.Conn, frame []byte)
	OnClose   func(conn wirelay.Conn, voluntary bool)
}

// Config controls the channel server.
type Config struct {
	CheckOrigin    CheckOriginFn
	TrustedProxies int
	// CompressAbove enables whole-message compression of responses larger
	// than this many bytes. Zero disables compression.
	CompressAbove int
}

// Server accepts channel connections and pumps their messages through the
// dispatcher.
type Server struct {
	cfg      Config
	registry *dispatch.Registry
	limiter  *ratelimit.Limiter
	issuer   *token.Issuer
	comp     protocol.Compressor
	logger   *zap.Logger
	upgrader websocket.Upgrader
	hooks    Hooks

	conns sync.Map // map[string]*Conn
}

// New creates a channel server. The limiter and hooks may be zero-valued.
func New(cfg Config, registry *dispatch.Registry, limiter *ratelimit.Limiter, issuer *token.Issuer, hooks Hooks, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		issuer:   issuer,
		comp:     protocol.Compressor{Threshold: cfg.CompressAbove},
		logger:   logger,
		hooks:    hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeHTTP upgrades one channel connection. Authentication and the per-IP
// cap are enforced before the upgrade so rejected callers get plain HTTP
// statuses the client's escalation logic understands.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := dispatch.CallerIP(r.RemoteAddr, r.Header, s.cfg.TrustedProxies)

	if s.issuer != nil {
		tok, ok := tokenFromSubprotocols(websocket.Subprotocols(r))
		if !ok || !s.issuer.Verify(tok) {
			s.logger.Warn("channel rejected: bad token", zap.String("ip", ip))
			http.Error(w, wirelay.ErrUnauthenticated, http.StatusUnauthorized)
			return
		}
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", wirelay.Subprotocol)
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already replied.
		return
	}

	conn := newConn(ws, ip)

	if s.limiter != nil {
		allowed, release := s.limiter.TrackConnection(conn.ID(), ip)
		if !allowed {
			s.logger.Warn("channel rejected: connection cap",
				zap.String("ip", ip))
			conn.CloseWithCode(wirelay.CloseRateLimited, wirelay.ErrTooManyConns)
			return
		}
		defer release()
	}

	s.conns.Store(conn.ID(), conn)
	defer s.conns.Delete(conn.ID())

	s.readLoop(conn)
}

// Shutdown closes every open connection.
func (s *Server) Shutdown(ctx context.Context) {
	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})
}

func (s *Server) readLoop(conn *Conn) {
	voluntary := false
	defer func() {
		if s.hooks.OnClose != nil {
			s.hooks.OnClose(conn, voluntary)
		}
		conn.Close()
	}()

	conn.ws.SetReadLimit(16 * 1024 * 1024)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(conn)
	}

	for {
		select {
		case <-conn.Context().Done():
			return
		default:
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			voluntary = websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.logger.Debug("unexpected channel close",
					zap.String("conn", conn.ID()),
					zap.Error(err))
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		if s.limiter != nil && !s.limiter.Allow(conn.ID()) {
			s.logger.Warn("rate limit exceeded",
				zap.String("conn", conn.ID()),
				zap.String("ip", conn.RemoteIP()))
			conn.CloseWithCode(wirelay.CloseRateLimited, wirelay.ErrRateLimited)
			return
		}

		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(conn, data)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Undecodable channel payloads are dropped, not answered; the
			// debug log is the only trace.
			s.logger.Debug("dropping undecodable frame",
				zap.String("conn", conn.ID()),
				zap.Error(err))
			continue
		}

		// Handlers run off the read loop so one slow call does not stall
		// the connection.
		go s.handleMessage(conn, msg)
	}
}

func (s *Server) handleMessage(conn *Conn, msg *protocol.Message) {
	cc := &dispatch.Context{
		Ctx:    conn.Context(),
		ConnID: conn.ID(),
		IP:     conn.RemoteIP(),
		Meta:   map[string]string{"transport": "websocket"},
	}

	var (
		frame []byte
		err   error
	)
	switch msg.Kind {
	case protocol.KindRequest:
		resp := s.registry.Dispatch(cc, msg.Request)
		frame, err = protocol.EncodeResponse(resp)
	case protocol.KindBatchRequest:
		resps, _ := s.registry.DispatchBatch(cc, msg.Requests)
		frame, err = protocol.EncodeBatchResponse(resps)
	default:
		s.logger.Debug("ignoring non-request frame",
			zap.String("conn", conn.ID()),
			zap.Uint8("kind", msg.Kind))
		return
	}
	if err != nil {
		s.logger.Error("failed to encode response",
			zap.String("conn", conn.ID()),
			zap.Error(err))
		return
	}

	frame, err = s.comp.Pack(frame)
	if err != nil {
		s.logger.Error("failed to compress response",
			zap.String("conn", conn.ID()),
			zap.Error(err))
		return
	}

	if err := conn.Send(conn.Context(), frame); err != nil {
		s.logger.Debug("failed to send response",
			zap.String("conn", conn.ID()),
			zap.Error(err))
	}
}

// tokenFromSubprotocols extracts the connection token from the offered
// subprotocol list.
func tokenFromSubprotocols(protocols []string) (string, bool) {
	for _, p := range protocols {
		if strings.HasPrefix(p, wirelay.TokenSubprotocolPrefix) {
			return strings.TrimPrefix(p, wirelay.TokenSubprotocolPrefix), true
		}
	}
	return "", false
}
