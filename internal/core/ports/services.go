package ports

import (
	"context"
	"encoding/json"

	"meshchat/internal/core/domain"
)

// RelayEventType enumerates what the relay can tell a device.
type RelayEventType string

const (
	RelayPeers        RelayEventType = "peers"
	RelaySignal       RelayEventType = "signal"
	RelayDisconnected RelayEventType = "peer-disconnected"
)

// RelayEvent is one inbound notification from the relay. Peers is set for
// RelayPeers, From/Data for RelaySignal, Peer for RelayDisconnected.
type RelayEvent struct {
	Type  RelayEventType
	Peers []domain.PeerID
	From  domain.PeerID
	Data  json.RawMessage
	Peer  domain.PeerID
}

// SignalClient is the device's long-lived connection to the signaling relay.
type SignalClient interface {
	// Start dials the relay, registers the local peer ID and begins the
	// read loop. It keeps re-announcing on a fixed interval until ctx is
	// cancelled or Close is called.
	Start(ctx context.Context) error
	// SendSignal forwards an opaque negotiation payload to a named peer.
	// Best-effort: an unregistered target is silently dropped by the relay.
	SendSignal(to domain.PeerID, data json.RawMessage) error
	Events() <-chan RelayEvent
	Close() error
}

// ChannelCallbacks receive the lifecycle of one direct channel. OnSignal
// fires with locally generated negotiation payloads that must reach the
// remote peer through the relay.
type ChannelCallbacks struct {
	OnSignal func(data json.RawMessage)
	OnOpen   func()
	OnData   func(frame []byte)
	OnClose  func(err error)
}

// DirectChannel is the negotiated bidirectional byte channel towards one
// remote peer. Within a channel, frames arrive in send order.
type DirectChannel interface {
	// Signal feeds a negotiation payload received from the remote peer.
	Signal(data json.RawMessage) error
	Send(frame []byte) error
	Close() error
}

// ChannelFactory negotiates direct channels. The factory decides the actual
// transport; callers only see opaque signal payloads and byte frames.
type ChannelFactory interface {
	New(ctx context.Context, remote domain.PeerID, initiator bool, cb ChannelCallbacks) (DirectChannel, error)
}

// EventType enumerates what the connection manager surfaces upward.
type EventType string

const (
	EventProfileReceived EventType = "profile-received"
	EventMessageReceived EventType = "message-received"
	EventPeerConnected   EventType = "peer-connected"
	EventPeerClosed      EventType = "peer-closed"
)

// Event is one typed notification from the connection manager, consumed by
// a single dispatcher loop.
type Event struct {
	Type    EventType
	Peer    domain.PeerID
	Profile *domain.Profile
	Message *domain.Message
}

// ConnectionManager owns the per-remote-peer connection records and the
// envelope multiplexing over connected channels.
type ConnectionManager interface {
	Run(ctx context.Context) error
	// SendMessage fans the message out to every connected peer,
	// best-effort per peer.
	SendMessage(msg domain.Message)
	// BroadcastProfile sends the profile to every connected peer.
	BroadcastProfile(p domain.Profile)
	ConnectedPeers() []domain.PeerID
	Events() <-chan Event
	Close() error
}
