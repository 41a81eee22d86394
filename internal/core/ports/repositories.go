package ports

import (
	"context"

	"meshchat/internal/core/domain"
)

// MessageStore is the device-local append-and-query log. Save is an
// idempotent upsert keyed by message ID; saving the same ID twice leaves one
// logical copy.
type MessageStore interface {
	Save(ctx context.Context, msg domain.Message) error
	// GetConversation returns every stored message between a and b in either
	// direction, ordered by ascending timestamp.
	GetConversation(ctx context.Context, a, b domain.PeerID) ([]domain.Message, error)
	Close() error
}

// PresenceRepository records which peers are currently announced at the
// relay. It is bookkeeping for the health endpoint and metrics; the
// authoritative transport registry lives in the relay itself.
type PresenceRepository interface {
	Touch(ctx context.Context, id domain.PeerID) error
	Remove(ctx context.Context, id domain.PeerID) error
	List(ctx context.Context) ([]domain.PeerID, error)
}
