package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"
	"meshchat/internal/infrastructure/monitoring"
	"meshchat/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices on a shared network connect from arbitrary origins.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// peerConn serializes writes to one websocket connection. gorilla permits at
// most one concurrent writer and broadcasts arrive from many handler
// goroutines.
type peerConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *peerConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *peerConn) writeControl(messageType int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, nil, time.Now().Add(c.writeTimeout))
}

func (c *peerConn) Close() error {
	return c.conn.Close()
}

// Options tune the relay's websocket behavior.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit caps inbound messages per connection. Zero disables it.
	RateLimit float64
	RateBurst int
}

// Server is the signaling relay: it registers peer ids, broadcasts the
// announced set, and forwards opaque signal payloads. It holds no chat
// content and no conversation state; a restart only costs peers a
// re-register and re-negotiation.
type Server struct {
	registry *Registry
	presence ports.PresenceRepository
	metrics  *monitoring.Collector
	opts     Options
	logger   *zap.SugaredLogger
}

func NewServer(presence ports.PresenceRepository, metrics *monitoring.Collector, opts Options, logger *zap.SugaredLogger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		registry: NewRegistry(),
		presence: presence,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
	}
}

// Registry exposes the registered-peer view for health reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleWebSocket serves one device's relay connection until it drops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	conn := &peerConn{conn: raw, writeTimeout: s.opts.WriteTimeout}
	defer conn.Close()

	raw.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	}

	messageChan := make(chan RelayMessage, 10)
	errorChan := make(chan error, 1)

	// done releases the reader goroutine when the handler returns while
	// messageChan is full.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg RelayMessage
			if err := raw.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			raw.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	// The peer id this connection registered, empty until the first
	// register frame. Only this handler goroutine touches it.
	var registered domain.PeerID

	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("rate limit exceeded, dropping message",
					"peer_id", registered, "type", msg.Type)
				if s.metrics != nil {
					s.metrics.RecordRateLimited()
				}
				continue
			}
			registered = s.handleMessage(r.Context(), conn, registered, msg)

		case <-pingTicker.C:
			if err := conn.writeControl(websocket.PingMessage); err != nil {
				s.logger.Infow("ping failed", "peer_id", registered, "error", err)
				s.cleanup(registered, conn)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "peer_id", registered, "error", err)
			}
			s.cleanup(registered, conn)
			return
		}
	}
}

// handleMessage dispatches one inbound frame and returns the connection's
// registered peer id (updated by register frames).
func (s *Server) handleMessage(ctx context.Context, conn *peerConn, registered domain.PeerID, msg RelayMessage) domain.PeerID {
	switch msg.Type {
	case TypeRegister:
		if msg.PeerID == "" {
			s.logger.Warnw("register without peer id")
			return registered
		}
		s.handleRegister(ctx, conn, msg.PeerID)
		return msg.PeerID

	case TypeSignal:
		s.handleSignal(ctx, registered, msg)
		return registered

	default:
		s.logger.Warnw("unknown relay message type", "type", msg.Type, "peer_id", registered)
		return registered
	}
}

func (s *Server) handleRegister(ctx context.Context, conn *peerConn, id domain.PeerID) {
	ctx, span := tracing.TraceSignal(ctx, "register", string(id))
	defer span.End()

	if evicted := s.registry.Register(id, conn); evicted != nil {
		// Last-writer-wins on duplicate registration. Accepted policy:
		// the old session is evicted silently from the peer's point of
		// view, loudly in the relay log.
		s.logger.Warnw("duplicate registration, evicting previous session", "peer_id", id)
		evicted.Close()
	}

	if err := s.presence.Touch(ctx, id); err != nil {
		s.logger.Warnw("presence update failed", "peer_id", id, "error", err)
	}

	peers := s.registry.Peers()
	s.logger.Infow("peer registered", "peer_id", id, "peers", len(peers))
	if s.metrics != nil {
		s.metrics.SetRegisteredPeers(len(peers))
	}

	s.broadcast(peersMessage(peers))
}

func (s *Server) handleSignal(ctx context.Context, registered domain.PeerID, msg RelayMessage) {
	ctx, span := tracing.TraceSignal(ctx, "forward", string(msg.From))
	defer span.End()
	span.SetAttributes(
		tracing.TargetKey.String(string(msg.To)),
		tracing.PayloadSize.Int(len(msg.Data)),
	)

	if msg.To == "" || msg.From == "" {
		s.logger.Warnw("signal missing addressing", "peer_id", registered)
		return
	}

	target, ok := s.registry.Lookup(msg.To)
	if !ok {
		// Best-effort: the sender gets no error. Negotiation simply
		// stalls until the next peers broadcast retriggers it.
		s.logger.Debugw("signal target not registered, dropping",
			"from", msg.From, "to", msg.To)
		if s.metrics != nil {
			s.metrics.RecordSignalDropped()
		}
		return
	}

	if err := target.WriteJSON(signalMessage(msg.From, msg.Data)); err != nil {
		s.logger.Infow("signal forward failed", "from", msg.From, "to", msg.To, "error", err)
		tracing.RecordError(ctx, err)
		if s.metrics != nil {
			s.metrics.RecordSignalDropped()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSignalForwarded(len(msg.Data))
	}
}

// cleanup runs when a connection drops: unregister (unless a newer session
// already took the id over) and tell everyone else.
func (s *Server) cleanup(registered domain.PeerID, conn *peerConn) {
	if registered == "" {
		return
	}

	if !s.registry.Remove(registered, conn) {
		// A reconnect already owns this id; nothing to announce.
		return
	}

	ctx, span := tracing.TraceSignal(context.Background(), "disconnect", string(registered))
	defer span.End()

	if err := s.presence.Remove(ctx, registered); err != nil {
		s.logger.Warnw("presence removal failed", "peer_id", registered, "error", err)
	}

	s.logger.Infow("peer disconnected", "peer_id", registered, "peers", s.registry.Len())
	if s.metrics != nil {
		s.metrics.SetRegisteredPeers(s.registry.Len())
	}

	s.broadcast(disconnectedMessage(registered))
}

// broadcast writes msg to every registered connection, best-effort per peer.
func (s *Server) broadcast(msg RelayMessage) {
	for id, conn := range s.registry.Connections() {
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Infow("broadcast write failed", "peer_id", id, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordBroadcast()
	}
}

// Health reports relay status and the announced peer list. The list comes
// from the presence repository so that with Redis presence it covers every
// relay replica, not only this process.
func (s *Server) Health(c *gin.Context) {
	peers, err := s.presence.List(c.Request.Context())
	if err != nil {
		s.logger.Warnw("presence list failed, falling back to local registry", "error", err)
		peers = s.registry.Peers()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"timestamp":      time.Now().Unix(),
		"connectedPeers": peers,
	})
}
