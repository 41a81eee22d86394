package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const dataChannelLabel = "chat"

// Factory negotiates WebRTC data channels. Negotiation is non-trickle: ICE
// gathering completes first and the whole session description travels as a
// single opaque signal payload, so a pair of peers exchanges exactly one
// offer and one answer through the relay.
type Factory struct {
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.ChannelFactory = (*Factory)(nil)

func NewFactory(stunServers []string, logger *zap.SugaredLogger) *Factory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Factory{config: cfg, logger: logger}
}

// New creates the channel towards remote. The initiator produces the offer
// immediately; the non-initiator waits for it via Signal.
func (f *Factory) New(ctx context.Context, remote domain.PeerID, initiator bool, cb ports.ChannelCallbacks) (ports.DirectChannel, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ch := &channel{
		pc:        pc,
		remote:    remote,
		initiator: initiator,
		cb:        cb,
		logger:    f.logger,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			ch.closeWith(fmt.Errorf("peer connection %s", state))
		case webrtc.PeerConnectionStateClosed:
			ch.closeWith(nil)
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		ch.bindDataChannel(dc)
		go ch.sendOffer()
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			ch.bindDataChannel(dc)
		})
	}

	return ch, nil
}

// channel is one negotiated data channel. The signal payloads it produces
// and consumes are JSON session descriptions, opaque to everything above.
type channel struct {
	pc        *webrtc.PeerConnection
	remote    domain.PeerID
	initiator bool
	cb        ports.ChannelCallbacks
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	closeOnce sync.Once
}

var _ ports.DirectChannel = (*channel)(nil)

func (c *channel) bindDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.cb.OnData != nil {
			c.cb.OnData(msg.Data)
		}
	})
	dc.OnClose(func() {
		c.closeWith(nil)
	})
}

// sendOffer runs the initiator's half: offer, gather, emit one payload.
func (c *channel) sendOffer() {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.closeWith(fmt.Errorf("create offer: %w", err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.closeWith(fmt.Errorf("set local description: %w", err))
		return
	}
	<-gathered

	c.emitLocalDescription()
}

// Signal feeds a session description received through the relay.
func (c *channel) Signal(data json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("malformed session description: %w", err)
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	if desc.Type == webrtc.SDPTypeOffer {
		go c.sendAnswer()
	}
	return nil
}

// sendAnswer runs the non-initiator's half once the offer arrived.
func (c *channel) sendAnswer() {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.closeWith(fmt.Errorf("create answer: %w", err))
		return
	}

	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.closeWith(fmt.Errorf("set local description: %w", err))
		return
	}
	<-gathered

	c.emitLocalDescription()
}

func (c *channel) emitLocalDescription() {
	desc := c.pc.LocalDescription()
	if desc == nil {
		c.closeWith(fmt.Errorf("no local description after gathering"))
		return
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		c.closeWith(fmt.Errorf("marshal session description: %w", err))
		return
	}
	if c.cb.OnSignal != nil {
		c.cb.OnSignal(payload)
	}
}

// Send writes one envelope as a single text frame.
func (c *channel) Send(frame []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrNotConnected
	}
	return dc.SendText(string(frame))
}

func (c *channel) Close() error {
	c.closeWith(nil)
	return nil
}

// closeWith tears the connection down and reports upward exactly once.
func (c *channel) closeWith(err error) {
	c.closeOnce.Do(func() {
		if cerr := c.pc.Close(); cerr != nil {
			c.logger.Debugw("peer connection close failed", "peer_id", c.remote, "error", cerr)
		}
		if c.cb.OnClose != nil {
			c.cb.OnClose(err)
		}
	})
}
