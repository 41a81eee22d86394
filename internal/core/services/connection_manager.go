package services

import (
	"context"
	"encoding/json"
	"sync"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	"go.uber.org/zap"
)

// record tracks one remote peer's connection. The manager is its sole owner
// and mutator; a Closed record stays in the map as a tombstone until the
// next peers broadcast replaces it.
type record struct {
	state   domain.ConnectionState
	channel ports.DirectChannel
}

// Manager is the peer connection manager: it turns relay-announced peer ids
// into live direct channels, multiplexes profile-info and chat-message
// envelopes over them, and surfaces typed events to a single dispatcher
// loop. It never blocks a caller; all state lives behind one mutex.
type Manager struct {
	localID  domain.PeerID
	signals  ports.SignalClient
	channels ports.ChannelFactory
	store    ports.MessageStore
	events   chan ports.Event
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	profile domain.Profile
	records map[domain.PeerID]*record
	closed  bool
}

var _ ports.ConnectionManager = (*Manager)(nil)

func NewManager(localID domain.PeerID, signals ports.SignalClient, channels ports.ChannelFactory, store ports.MessageStore, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		localID:  localID,
		signals:  signals,
		channels: channels,
		store:    store,
		events:   make(chan ports.Event, 64),
		logger:   logger,
		profile:  domain.Profile{ID: localID, Online: true},
		records:  make(map[domain.PeerID]*record),
	}
}

// SetLocalProfile replaces the profile sent to freshly connected peers.
// Broadcasting to already-connected peers is the presence service's job.
func (m *Manager) SetLocalProfile(p domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = p
}

// Events returns the manager's typed event stream. The consumer must keep
// draining it; when the buffer fills, events are dropped with a warning
// rather than blocking channel callbacks.
func (m *Manager) Events() <-chan ports.Event {
	return m.events
}

// Run starts the relay client and consumes its events until ctx is
// cancelled or the client closes.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.signals.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case ev, ok := <-m.signals.Events():
			if !ok {
				m.Close()
				return domain.ErrRelayUnavailable
			}
			m.handleRelayEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleRelayEvent(ctx context.Context, ev ports.RelayEvent) {
	switch ev.Type {
	case ports.RelayPeers:
		for _, id := range ev.Peers {
			m.ensureRecord(ctx, id, m.localID.Initiates(id))
		}
	case ports.RelaySignal:
		m.handleSignal(ctx, ev.From, ev.Data)
	case ports.RelayDisconnected:
		m.handlePeerGone(ev.Peer)
	}
}

// ensureRecord creates a Negotiating record for remote unless an active one
// already exists (single in-flight connection per remote peer).
func (m *Manager) ensureRecord(ctx context.Context, remote domain.PeerID, initiator bool) {
	if remote == m.localID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if rec, ok := m.records[remote]; ok && rec.state.Active() {
		m.mu.Unlock()
		return
	}
	rec := &record{state: domain.StateNegotiating}
	m.records[remote] = rec
	m.mu.Unlock()

	m.logger.Debugw("negotiating with peer", "peer_id", remote, "initiator", initiator)

	ch, err := m.channels.New(ctx, remote, initiator, m.callbacks(remote, rec))
	if err != nil {
		m.logger.Warnw("channel setup failed", "peer_id", remote, "error", err)
		m.transition(remote, rec, domain.StateClosed)
		return
	}

	m.mu.Lock()
	rec.channel = ch
	stale := m.records[remote] != rec || rec.state == domain.StateClosed
	m.mu.Unlock()
	if stale {
		ch.Close()
	}
}

// handleSignal routes an inbound negotiation payload to the remote peer's
// channel, creating a non-initiator record when the payload beat the peers
// broadcast.
func (m *Manager) handleSignal(ctx context.Context, from domain.PeerID, data json.RawMessage) {
	m.mu.Lock()
	rec, ok := m.records[from]
	active := ok && rec.state.Active()
	ch := ports.DirectChannel(nil)
	if active {
		ch = rec.channel
	}
	m.mu.Unlock()

	if !active {
		m.ensureRecord(ctx, from, false)
		m.mu.Lock()
		rec = m.records[from]
		if rec != nil {
			ch = rec.channel
		}
		m.mu.Unlock()
	}
	if ch == nil {
		m.logger.Debugw("dropping signal without channel", "peer_id", from)
		return
	}

	if err := ch.Signal(data); err != nil {
		m.logger.Warnw("negotiation failed", "peer_id", from, "error", err)
		m.transition(from, rec, domain.StateClosed)
	}
}

func (m *Manager) handlePeerGone(remote domain.PeerID) {
	m.mu.Lock()
	rec, ok := m.records[remote]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.transition(remote, rec, domain.StateClosed)
}

func (m *Manager) callbacks(remote domain.PeerID, rec *record) ports.ChannelCallbacks {
	return ports.ChannelCallbacks{
		OnSignal: func(data json.RawMessage) {
			if err := m.signals.SendSignal(remote, data); err != nil {
				m.logger.Warnw("failed to relay signal", "peer_id", remote, "error", err)
			}
		},
		OnOpen: func() {
			m.onChannelOpen(remote, rec)
		},
		OnData: func(frame []byte) {
			m.onChannelData(remote, frame)
		},
		OnClose: func(err error) {
			if err != nil {
				m.logger.Infow("channel closed with error", "peer_id", remote, "error", err)
			}
			if m.transition(remote, rec, domain.StateClosed) {
				m.emit(ports.Event{Type: ports.EventPeerClosed, Peer: remote})
			}
		},
	}
}

func (m *Manager) onChannelOpen(remote domain.PeerID, rec *record) {
	if !m.transition(remote, rec, domain.StateConnected) {
		return
	}

	m.logger.Infow("peer connected", "peer_id", remote)
	m.emit(ports.Event{Type: ports.EventPeerConnected, Peer: remote})

	// First payload on every new channel is the local profile.
	m.mu.Lock()
	profile := m.profile
	ch := rec.channel
	m.mu.Unlock()

	if ch == nil {
		// Open fired before the factory returned the handle; there is
		// nothing to push the profile over yet.
		return
	}

	frame, err := domain.EncodeProfileEnvelope(profile)
	if err != nil {
		m.logger.Errorw("failed to encode profile", "error", err)
		return
	}
	if err := ch.Send(frame); err != nil {
		m.logger.Warnw("failed to send profile", "peer_id", remote, "error", err)
	}
}

// onChannelData decodes one envelope. Malformed frames are logged and
// dropped; the channel stays open.
func (m *Manager) onChannelData(remote domain.PeerID, frame []byte) {
	env, err := domain.DecodeEnvelope(frame)
	if err != nil {
		m.logger.Warnw("dropping malformed envelope", "peer_id", remote, "error", err)
		return
	}

	switch env.Kind {
	case domain.KindProfileInfo:
		profile, err := env.DecodeProfile()
		if err != nil {
			m.logger.Warnw("dropping malformed profile", "peer_id", remote, "error", err)
			return
		}
		m.emit(ports.Event{Type: ports.EventProfileReceived, Peer: remote, Profile: &profile})

	case domain.KindChatMessage:
		msg, err := env.DecodeMessage()
		if err != nil {
			m.logger.Warnw("dropping malformed message", "peer_id", remote, "error", err)
			return
		}
		m.persist(msg)
		m.emit(ports.Event{Type: ports.EventMessageReceived, Peer: remote, Message: &msg})
	}
}

// SendMessage persists the message locally, then fans it out to every
// connected peer. Delivery is best-effort per peer; one failed write never
// blocks the others.
func (m *Manager) SendMessage(msg domain.Message) {
	m.persist(msg)

	frame, err := domain.EncodeMessageEnvelope(msg)
	if err != nil {
		m.logger.Errorw("failed to encode message", "message_id", msg.ID, "error", err)
		return
	}
	m.fanout(frame)
}

// BroadcastProfile updates the local profile and sends it to every
// connected peer.
func (m *Manager) BroadcastProfile(p domain.Profile) {
	m.SetLocalProfile(p)

	frame, err := domain.EncodeProfileEnvelope(p)
	if err != nil {
		m.logger.Errorw("failed to encode profile", "error", err)
		return
	}
	m.fanout(frame)
}

func (m *Manager) fanout(frame []byte) {
	m.mu.Lock()
	targets := make(map[domain.PeerID]ports.DirectChannel)
	for id, rec := range m.records {
		if rec.state == domain.StateConnected && rec.channel != nil {
			targets[id] = rec.channel
		}
	}
	m.mu.Unlock()

	for id, ch := range targets {
		if err := ch.Send(frame); err != nil {
			m.logger.Warnw("send failed", "peer_id", id, "error", err)
		}
	}
}

func (m *Manager) persist(msg domain.Message) {
	// Fire-and-forget from the caller's perspective.
	go func() {
		if err := m.store.Save(context.Background(), msg); err != nil {
			m.logger.Warnw("failed to persist message", "message_id", msg.ID, "error", err)
		}
	}()
}

// ConnectedPeers returns the peers with an open channel.
func (m *Manager) ConnectedPeers() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []domain.PeerID
	for id, rec := range m.records {
		if rec.state == domain.StateConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// State reports the tracked state for remote; ok is false for untracked
// (implicitly Idle) peers.
func (m *Manager) State(remote domain.PeerID) (domain.ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[remote]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// transition is the single gate for state changes. It refuses when the
// record was already replaced or the move is illegal, so stale channel
// callbacks cannot damage a successor record.
func (m *Manager) transition(remote domain.PeerID, rec *record, to domain.ConnectionState) bool {
	m.mu.Lock()
	current, ok := m.records[remote]
	if !ok || current != rec || !rec.state.CanTransition(to) {
		m.mu.Unlock()
		return false
	}
	rec.state = to
	ch := rec.channel
	if to == domain.StateClosed {
		rec.channel = nil
	}
	m.mu.Unlock()

	if to == domain.StateClosed && ch != nil {
		ch.Close()
	}
	return true
}

// emit delivers an event without ever blocking a channel callback. A full
// buffer drops the event; inbound messages are already persisted by then.
func (m *Manager) emit(ev ports.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warnw("event buffer full, dropping event", "type", ev.Type, "peer_id", ev.Peer)
	}
}

// Close tears down every tracked connection, releases the relay
// registration and closes the event stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var channels []ports.DirectChannel
	for _, rec := range m.records {
		if rec.state.Active() {
			rec.state = domain.StateClosed
			if rec.channel != nil {
				channels = append(channels, rec.channel)
			}
			rec.channel = nil
		}
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	err := m.signals.Close()

	// emit holds the lock while sending, so no send can race this close.
	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return err
}
