package services

import (
	"context"
	"sync"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	"go.uber.org/zap"
)

// PresenceService keeps every connected peer's cached profile fresh. It is
// the single dispatcher for the manager's event stream: profile updates go
// into the roster, message arrivals flip the unread flag, and local profile
// changes are broadcast to all connected peers.
type PresenceService struct {
	manager ports.ConnectionManager
	roster  *Roster
	logger  *zap.SugaredLogger

	// OnMessage, when set, is invoked for every received chat message.
	// Notification playback lives behind it, outside the core.
	OnMessage func(domain.Message)

	mu      sync.RWMutex
	profile domain.Profile
}

func NewPresenceService(manager ports.ConnectionManager, roster *Roster, profile domain.Profile, logger *zap.SugaredLogger) *PresenceService {
	return &PresenceService{
		manager: manager,
		roster:  roster,
		logger:  logger,
		profile: profile,
	}
}

// Run consumes manager events until the stream closes or ctx is cancelled.
func (s *PresenceService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.manager.Events():
			if !ok {
				return
			}
			s.dispatch(ev)
		}
	}
}

func (s *PresenceService) dispatch(ev ports.Event) {
	switch ev.Type {
	case ports.EventPeerConnected:
		// The manager already pushed the local profile over the new
		// channel; nothing further until the remote profile arrives.
		s.logger.Debugw("peer connected", "peer_id", ev.Peer)

	case ports.EventProfileReceived:
		if ev.Profile == nil {
			return
		}
		s.roster.Upsert(*ev.Profile)
		s.logger.Debugw("profile updated", "peer_id", ev.Profile.ID, "name", ev.Profile.DisplayName)

	case ports.EventMessageReceived:
		if ev.Message == nil {
			return
		}
		s.roster.MarkUnread(ev.Message.SenderID)
		if s.OnMessage != nil {
			s.OnMessage(*ev.Message)
		}

	case ports.EventPeerClosed:
		s.roster.SetOffline(ev.Peer)
		s.logger.Debugw("peer closed", "peer_id", ev.Peer)
	}
}

// Profile returns the current local profile.
func (s *PresenceService) Profile() domain.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// UpdateProfile replaces the local profile and broadcasts it to every
// connected peer. The peer id is stable for the session and cannot change.
func (s *PresenceService) UpdateProfile(p domain.Profile) domain.Profile {
	s.mu.Lock()
	p.ID = s.profile.ID
	p.Online = true
	s.profile = p
	s.mu.Unlock()

	s.manager.BroadcastProfile(p)
	return p
}
