package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"
	"meshchat/internal/infrastructure/signal"
	"meshchat/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configure the device's relay connection. URL is required: without
// a relay there is no discovery, and the address is deployment-specific.
type Options struct {
	URL              string
	LocalID          domain.PeerID
	AnnounceInterval time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Client is the device side of the signaling relay: one long-lived
// websocket, a periodic re-announce, and a typed event stream for the
// connection manager.
type Client struct {
	opts   Options
	logger *zap.SugaredLogger
	events chan ports.RelayEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ ports.SignalClient = (*Client)(nil)

func New(opts Options, logger *zap.SugaredLogger) *Client {
	if opts.AnnounceInterval <= 0 {
		opts.AnnounceInterval = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: logger,
		events: make(chan ports.RelayEvent, 32),
	}
}

// Start dials the relay, announces the local peer id and launches the read
// and re-announce loops.
func (c *Client) Start(ctx context.Context) error {
	if c.opts.URL == "" {
		return fmt.Errorf("relay url is required: %w", domain.ErrRelayUnavailable)
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	go c.announceLoop(ctx)
	return nil
}

// connect dials with backoff and registers. Used for the initial dial and
// for reconnects after the relay drops.
func (c *Client) connect(ctx context.Context) error {
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()

		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
		if err != nil {
			c.logger.Warnw("relay dial failed", "url", c.opts.URL, "error", err)
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.opts.URL, err)
	}

	if err := c.announce(); err != nil {
		return fmt.Errorf("register with relay: %w", err)
	}
	c.logger.Infow("registered with relay", "url", c.opts.URL, "peer_id", c.opts.LocalID)
	return nil
}

// announce (re-)sends the register frame. The relay answers every register
// with a full peers broadcast, which is what drives re-negotiation for
// peers whose channel has since closed.
func (c *Client) announce() error {
	return c.write(signal.RelayMessage{Type: signal.TypeRegister, PeerID: c.opts.LocalID})
}

// SendSignal forwards an opaque negotiation payload through the relay.
func (c *Client) SendSignal(to domain.PeerID, data json.RawMessage) error {
	return c.write(signal.RelayMessage{
		Type: signal.TypeSignal,
		To:   to,
		From: c.opts.LocalID,
		Data: data,
	})
}

func (c *Client) write(msg signal.RelayMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return domain.ErrRelayUnavailable
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) Events() <-chan ports.RelayEvent {
	return c.events
}

func (c *Client) readLoop(ctx context.Context) {
	// readLoop is the only sender on events. Closing the channel here keeps
	// every send and the close on one goroutine.
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var msg signal.RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			c.logger.Warnw("relay connection lost, reconnecting", "error", err)
			if rerr := c.connect(ctx); rerr != nil {
				c.logger.Errorw("relay reconnect failed", "error", rerr)
				c.shutdown()
				return
			}
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg signal.RelayMessage) {
	var ev ports.RelayEvent
	switch msg.Type {
	case signal.TypePeers:
		ev = ports.RelayEvent{Type: ports.RelayPeers, Peers: msg.Peers}
	case signal.TypeSignal:
		ev = ports.RelayEvent{Type: ports.RelaySignal, From: msg.From, Data: msg.Data}
	case signal.TypeDisconnected:
		ev = ports.RelayEvent{Type: ports.RelayDisconnected, Peer: msg.PeerID}
	default:
		c.logger.Debugw("ignoring unknown relay message", "type", msg.Type)
		return
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.isClosed() {
				return
			}
			if err := c.announce(); err != nil && err != domain.ErrRelayUnavailable {
				c.logger.Debugw("re-announce failed", "error", err)
			}
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown marks the client closed and drops the transport. Closing the
// connection wakes readLoop, which then closes the event stream; shutdown
// itself never touches the events channel.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close releases the relay registration; the relay notices the transport
// drop and broadcasts peer-disconnected on our behalf.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}
