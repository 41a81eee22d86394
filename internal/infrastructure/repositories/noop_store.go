package repositories

import (
	"context"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"
)

// NoopMessageStore stands in when no durable backing is configured: saves
// vanish and conversations come back empty. Chat stays usable for the
// current session, just without history.
type NoopMessageStore struct{}

func NewNoopMessageStore() ports.MessageStore {
	return NoopMessageStore{}
}

func (NoopMessageStore) Save(ctx context.Context, msg domain.Message) error {
	return nil
}

func (NoopMessageStore) GetConversation(ctx context.Context, a, b domain.PeerID) ([]domain.Message, error) {
	return nil, nil
}

func (NoopMessageStore) Close() error {
	return nil
}
