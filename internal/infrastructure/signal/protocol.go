package signal

import (
	"encoding/json"

	"meshchat/internal/core/domain"
)

// Relay message types, both directions.
const (
	TypeRegister     = "register"          // device -> relay
	TypePeers        = "peers"             // relay -> device
	TypeSignal       = "signal"            // device -> relay -> device
	TypeDisconnected = "peer-disconnected" // relay -> device
)

// RelayMessage is the single frame format on the relay transport. Which
// fields are set depends on Type: PeerID for register and peer-disconnected,
// Peers for peers, To/From/Data for signal. Data is never interpreted by the
// relay.
type RelayMessage struct {
	Type   string          `json:"type"`
	PeerID domain.PeerID   `json:"peerId,omitempty"`
	Peers  []domain.PeerID `json:"peers,omitempty"`
	To     domain.PeerID   `json:"to,omitempty"`
	From   domain.PeerID   `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func peersMessage(ids []domain.PeerID) RelayMessage {
	return RelayMessage{Type: TypePeers, Peers: ids}
}

func disconnectedMessage(id domain.PeerID) RelayMessage {
	return RelayMessage{Type: TypeDisconnected, PeerID: id}
}

func signalMessage(from domain.PeerID, data json.RawMessage) RelayMessage {
	return RelayMessage{Type: TypeSignal, From: from, Data: data}
}
