package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentSignal struct {
	to   domain.PeerID
	data json.RawMessage
}

type fakeSignals struct {
	events chan ports.RelayEvent

	mu     sync.Mutex
	sent   []sentSignal
	closed bool
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{events: make(chan ports.RelayEvent, 16)}
}

func (f *fakeSignals) Start(ctx context.Context) error { return nil }

func (f *fakeSignals) SendSignal(to domain.PeerID, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{to: to, data: data})
	return nil
}

func (f *fakeSignals) Events() <-chan ports.RelayEvent { return f.events }

func (f *fakeSignals) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeChannel struct {
	cb ports.ChannelCallbacks

	mu       sync.Mutex
	signals  []json.RawMessage
	frames   [][]byte
	closed   bool
	signalFn func(json.RawMessage) error
}

func (c *fakeChannel) Signal(data json.RawMessage) error {
	c.mu.Lock()
	c.signals = append(c.signals, data)
	fn := c.signalFn
	c.mu.Unlock()
	if fn != nil {
		return fn(data)
	}
	return nil
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type factoryCall struct {
	remote    domain.PeerID
	initiator bool
	channel   *fakeChannel
}

type fakeFactory struct {
	mu    sync.Mutex
	calls []factoryCall
}

func (f *fakeFactory) New(ctx context.Context, remote domain.PeerID, initiator bool, cb ports.ChannelCallbacks) (ports.DirectChannel, error) {
	ch := &fakeChannel{cb: cb}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, factoryCall{remote: remote, initiator: initiator, channel: ch})
	return ch, nil
}

func (f *fakeFactory) callsSnapshot() []factoryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]factoryCall(nil), f.calls...)
}

func (f *fakeFactory) channelFor(remote domain.PeerID) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].remote == remote {
			return f.calls[i].channel
		}
	}
	return nil
}

// recordingStore captures saves on a channel so tests can wait for the
// asynchronous persist.
type recordingStore struct {
	saved chan domain.Message
}

func newRecordingStore() *recordingStore {
	return &recordingStore{saved: make(chan domain.Message, 8)}
}

func (s *recordingStore) Save(ctx context.Context, msg domain.Message) error {
	s.saved <- msg
	return nil
}

func (s *recordingStore) GetConversation(ctx context.Context, a, b domain.PeerID) ([]domain.Message, error) {
	return nil, nil
}

func (s *recordingStore) Close() error { return nil }

func newTestManager(t *testing.T, localID domain.PeerID) (*Manager, *fakeSignals, *fakeFactory, *recordingStore) {
	t.Helper()
	signals := newFakeSignals()
	factory := &fakeFactory{}
	store := newRecordingStore()
	m := NewManager(localID, signals, factory, store, zap.NewNop().Sugar())
	return m, signals, factory, store
}

func waitEvent(t *testing.T, m *Manager, want ports.EventType) ports.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event within deadline", want)
		}
	}
}

func TestOrderingDecidesInitiator(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "bob")
	ctx := context.Background()

	m.handleRelayEvent(ctx, ports.RelayEvent{
		Type:  ports.RelayPeers,
		Peers: []domain.PeerID{"alice", "bob", "carol"},
	})

	calls := factory.callsSnapshot()
	require.Len(t, calls, 2, "must never connect to itself")

	byRemote := map[domain.PeerID]bool{}
	for _, call := range calls {
		byRemote[call.remote] = call.initiator
	}
	// bob > alice, so alice initiates that pair; bob < carol, so bob does.
	assert.False(t, byRemote["alice"])
	assert.True(t, byRemote["carol"])
}

func TestDuplicateAnnounceKeepsSingleConnection(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "alice")
	ctx := context.Background()

	announce := ports.RelayEvent{Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"}}
	m.handleRelayEvent(ctx, announce)
	m.handleRelayEvent(ctx, announce)

	assert.Len(t, factory.callsSnapshot(), 1)
}

func TestProfileIsFirstFrameOnOpen(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "alice")
	m.SetLocalProfile(domain.Profile{ID: "alice", DisplayName: "Alice", Online: true})

	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"},
	})
	ch := factory.channelFor("bob")
	require.NotNil(t, ch)

	ch.cb.OnOpen()

	ev := waitEvent(t, m, ports.EventPeerConnected)
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)

	frames := ch.sentFrames()
	require.Len(t, frames, 1)
	env, err := domain.DecodeEnvelope(frames[0])
	require.NoError(t, err)
	assert.Equal(t, domain.KindProfileInfo, env.Kind)
	profile, err := env.DecodeProfile()
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile.DisplayName)

	state, ok := m.State("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, state)
}

// eagerOpenFactory fires OnOpen before New returns, like a transport that is
// already established when the channel is requested.
type eagerOpenFactory struct {
	inner fakeFactory
}

func (f *eagerOpenFactory) New(ctx context.Context, remote domain.PeerID, initiator bool, cb ports.ChannelCallbacks) (ports.DirectChannel, error) {
	ch, err := f.inner.New(ctx, remote, initiator, cb)
	cb.OnOpen()
	return ch, err
}

func TestOpenBeforeFactoryReturns(t *testing.T) {
	factory := &eagerOpenFactory{}
	m := NewManager("alice", newFakeSignals(), factory, newRecordingStore(), zap.NewNop().Sugar())

	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"},
	})

	ev := waitEvent(t, m, ports.EventPeerConnected)
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)

	state, ok := m.State("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, state)

	// The channel handle did not exist when open fired, so no profile frame
	// went out; the connection itself is fine.
	assert.Empty(t, factory.inner.channelFor("bob").sentFrames())
}

func TestInboundSignalBeforeAnnounce(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "bob")

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelaySignal, From: "alice", Data: payload,
	})

	calls := factory.callsSnapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.PeerID("alice"), calls[0].remote)
	assert.False(t, calls[0].initiator, "answering side never initiates")

	ch := factory.channelFor("alice")
	require.Len(t, ch.signals, 1)
	assert.JSONEq(t, string(payload), string(ch.signals[0]))
}

func TestLocalSignalsRideTheRelay(t *testing.T) {
	m, signals, factory, _ := newTestManager(t, "alice")

	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"},
	})
	ch := factory.channelFor("bob")
	require.NotNil(t, ch)

	offer := json.RawMessage(`{"type":"offer"}`)
	ch.cb.OnSignal(offer)

	signals.mu.Lock()
	defer signals.mu.Unlock()
	require.Len(t, signals.sent, 1)
	assert.Equal(t, domain.PeerID("bob"), signals.sent[0].to)
	assert.JSONEq(t, string(offer), string(signals.sent[0].data))
}

func TestInboundMessagePersistedAndEmitted(t *testing.T) {
	m, _, factory, store := newTestManager(t, "alice")

	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"},
	})
	ch := factory.channelFor("bob")
	ch.cb.OnOpen()
	waitEvent(t, m, ports.EventPeerConnected)

	msg := domain.Message{
		ID: "m1", SenderID: "bob", ReceiverID: "alice",
		Content: "hello", Timestamp: 1700000000000, SenderName: "Bob",
	}
	frame, err := domain.EncodeMessageEnvelope(msg)
	require.NoError(t, err)
	ch.cb.OnData(frame)

	ev := waitEvent(t, m, ports.EventMessageReceived)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg, *ev.Message)

	select {
	case saved := <-store.saved:
		assert.Equal(t, msg, saved)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not persisted")
	}
}

func TestMalformedEnvelopeDoesNotCloseChannel(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "alice")

	m.handleRelayEvent(context.Background(), ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"},
	})
	ch := factory.channelFor("bob")
	ch.cb.OnOpen()
	waitEvent(t, m, ports.EventPeerConnected)

	ch.cb.OnData([]byte(`not json at all`))
	ch.cb.OnData([]byte(`{"kind":"unknown-kind","body":{}}`))

	state, ok := m.State("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, state)
	assert.False(t, ch.closed)

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %s after malformed frames", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendMessageFansOutToConnectedOnly(t *testing.T) {
	m, _, factory, store := newTestManager(t, "alice")
	ctx := context.Background()

	m.handleRelayEvent(ctx, ports.RelayEvent{
		Type: ports.RelayPeers, Peers: []domain.PeerID{"bob", "carol", "dave"},
	})
	factory.channelFor("bob").cb.OnOpen()
	factory.channelFor("carol").cb.OnOpen()
	waitEvent(t, m, ports.EventPeerConnected)
	waitEvent(t, m, ports.EventPeerConnected)
	// dave stays in negotiation.

	msg := domain.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi", Timestamp: 1}
	m.SendMessage(msg)

	select {
	case saved := <-store.saved:
		assert.Equal(t, "m1", saved.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message was not persisted")
	}

	assert.Len(t, factory.channelFor("bob").sentFrames(), 2, "profile then message")
	assert.Len(t, factory.channelFor("carol").sentFrames(), 2)
	assert.Empty(t, factory.channelFor("dave").sentFrames())
}

func TestPeerCloseAllowsRenegotiation(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "alice")
	ctx := context.Background()

	announce := ports.RelayEvent{Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"}}
	m.handleRelayEvent(ctx, announce)
	first := factory.channelFor("bob")
	first.cb.OnOpen()
	waitEvent(t, m, ports.EventPeerConnected)

	first.cb.OnClose(nil)
	ev := waitEvent(t, m, ports.EventPeerClosed)
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)

	state, ok := m.State("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StateClosed, state)

	// The next announce builds a fresh connection.
	m.handleRelayEvent(ctx, announce)
	assert.Len(t, factory.callsSnapshot(), 2)

	// A late callback from the dead channel must not touch the new record.
	first.cb.OnClose(nil)
	state, ok = m.State("bob")
	require.True(t, ok)
	assert.Equal(t, domain.StateNegotiating, state)
}

func TestRelayDisconnectClosesPeer(t *testing.T) {
	m, _, factory, _ := newTestManager(t, "alice")
	ctx := context.Background()

	m.handleRelayEvent(ctx, ports.RelayEvent{Type: ports.RelayPeers, Peers: []domain.PeerID{"bob"}})
	ch := factory.channelFor("bob")
	ch.cb.OnOpen()
	waitEvent(t, m, ports.EventPeerConnected)

	m.handleRelayEvent(ctx, ports.RelayEvent{Type: ports.RelayDisconnected, Peer: "bob"})

	assert.True(t, ch.closed)
	assert.Empty(t, m.ConnectedPeers())
}

func TestRunStopsWhenRelayStreamCloses(t *testing.T) {
	m, signals, _, _ := newTestManager(t, "alice")

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	close(signals.events)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after relay stream closed")
	}

	// Close is idempotent and the event stream ends.
	require.NoError(t, m.Close())
	_, ok := <-m.Events()
	assert.False(t, ok)
}
