package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"
	"meshchat/internal/infrastructure/repositories/memory"
	"meshchat/internal/infrastructure/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := signal.NewServer(memory.NewMemoryPresenceRepository(), nil, signal.Options{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, zap.NewNop().Sugar())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startClient(t *testing.T, ctx context.Context, url string, id domain.PeerID) *Client {
	t.Helper()
	c := New(Options{
		URL:              url,
		LocalID:          id,
		AnnounceInterval: 100 * time.Millisecond,
		DialTimeout:      time.Second,
		WriteTimeout:     time.Second,
	}, zap.NewNop().Sugar())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func waitRelayEvent(t *testing.T, c *Client, want ports.RelayEventType) ports.RelayEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", want)
		}
	}
}

func TestStartRegistersAndReceivesPeerSet(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, url, "alice")

	ev := waitRelayEvent(t, alice, ports.RelayPeers)
	assert.Contains(t, ev.Peers, domain.PeerID("alice"))
}

func TestSignalsFlowBetweenClients(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, url, "alice")
	bob := startClient(t, ctx, url, "bob")
	waitRelayEvent(t, bob, ports.RelayPeers)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, alice.SendSignal("bob", payload))

	ev := waitRelayEvent(t, bob, ports.RelaySignal)
	assert.Equal(t, domain.PeerID("alice"), ev.From)
	assert.JSONEq(t, string(payload), string(ev.Data))
}

func TestPeerDisconnectIsDelivered(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, url, "alice")
	bob := startClient(t, ctx, url, "bob")
	waitRelayEvent(t, alice, ports.RelayPeers)

	bob.Close()

	ev := waitRelayEvent(t, alice, ports.RelayDisconnected)
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)
}

func TestCloseDuringInboundBroadcasts(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, url, "alice")

	// A peer re-announcing every millisecond keeps peers broadcasts flowing
	// at alice while she shuts down mid-stream.
	bob := New(Options{
		URL:              url,
		LocalID:          "bob",
		AnnounceInterval: time.Millisecond,
		DialTimeout:      time.Second,
		WriteTimeout:     time.Second,
	}, zap.NewNop().Sugar())
	require.NoError(t, bob.Start(ctx))
	t.Cleanup(func() { bob.Close() })

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range alice.Events() {
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, alice.Close())

	// The stream must close cleanly even when a frame was in flight at the
	// moment of Close.
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not close after Close")
	}
}

func TestStartRequiresURL(t *testing.T) {
	c := New(Options{LocalID: "alice"}, zap.NewNop().Sugar())
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestSendSignalAfterClose(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startClient(t, ctx, url, "alice")
	require.NoError(t, alice.Close())

	err := alice.SendSignal("bob", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)

	_, ok := <-alice.Events()
	assert.False(t, ok, "event stream must close with the client")
}
