package domain

import "time"

// Message is one chat message. Immutable once created; ID is the global
// dedup key, Timestamp is the sender's local clock in ms since epoch.
type Message struct {
	ID           string `json:"id"`
	SenderID     PeerID `json:"senderId"`
	ReceiverID   PeerID `json:"receiverId"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"timestamp"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
}

// NewMessage builds a message from the local profile, stamped with the local
// clock.
func NewMessage(id string, sender Profile, receiver PeerID, content string) Message {
	return Message{
		ID:           id,
		SenderID:     sender.ID,
		ReceiverID:   receiver,
		Content:      content,
		Timestamp:    time.Now().UnixMilli(),
		SenderName:   sender.DisplayName,
		SenderAvatar: sender.AvatarRef,
	}
}

// Between reports whether the message belongs to the conversation between a
// and b, in either direction.
func (m Message) Between(a, b PeerID) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}
