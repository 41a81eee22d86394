package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(memory.NewMemoryPresenceRepository(), nil, Options{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, zap.NewNop().Sugar())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialAndRegister(t *testing.T, ts *httptest.Server, id domain.PeerID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(RelayMessage{Type: TypeRegister, PeerID: id}))
	return conn
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) RelayMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var msg RelayMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message within deadline", msgType)
	return RelayMessage{}
}

// drain collects every frame arriving within d.
func drain(conn *websocket.Conn, d time.Duration) []RelayMessage {
	var msgs []RelayMessage
	conn.SetReadDeadline(time.Now().Add(d))
	for {
		var msg RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func TestRegisterBroadcastsPeerSet(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialAndRegister(t, ts, "alice")
	msg := readUntil(t, a, TypePeers)
	assert.Equal(t, []domain.PeerID{"alice"}, msg.Peers)

	dialAndRegister(t, ts, "bob")

	// alice sees the set grow when bob announces.
	msg = readUntil(t, a, TypePeers)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, msg.Peers)
}

func TestSignalForwardedOnlyToTarget(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialAndRegister(t, ts, "alice")
	b := dialAndRegister(t, ts, "bob")
	c := dialAndRegister(t, ts, "carol")
	readUntil(t, b, TypePeers)

	payload := json.RawMessage(`{"sdp":"offer-data"}`)
	require.NoError(t, a.WriteJSON(RelayMessage{
		Type: TypeSignal, To: "bob", From: "alice", Data: payload,
	}))

	got := readUntil(t, b, TypeSignal)
	assert.Equal(t, domain.PeerID("alice"), got.From)
	assert.JSONEq(t, string(payload), string(got.Data))

	for _, msg := range drain(c, 200*time.Millisecond) {
		assert.NotEqual(t, TypeSignal, msg.Type, "signal leaked to carol")
	}
}

func TestSignalToUnregisteredTargetIsDropped(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialAndRegister(t, ts, "alice")
	readUntil(t, a, TypePeers)

	require.NoError(t, a.WriteJSON(RelayMessage{
		Type: TypeSignal, To: "ghost", From: "alice", Data: json.RawMessage(`{}`),
	}))

	// Best-effort semantics: no delivery and no error response.
	for _, msg := range drain(a, 200*time.Millisecond) {
		assert.NotEqual(t, TypeSignal, msg.Type)
		assert.NotEqual(t, "error", msg.Type)
	}
}

func TestDisconnectBroadcastExactlyOnce(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialAndRegister(t, ts, "alice")
	b := dialAndRegister(t, ts, "bob")
	c := dialAndRegister(t, ts, "carol")
	readUntil(t, b, TypePeers)
	readUntil(t, c, TypePeers)

	a.Close()

	for _, conn := range []*websocket.Conn{b, c} {
		count := 0
		for _, msg := range drain(conn, 500*time.Millisecond) {
			if msg.Type == TypeDisconnected && msg.PeerID == "alice" {
				count++
			}
		}
		assert.Equal(t, 1, count, "expected exactly one peer-disconnected")
	}
}

func TestReaderGoroutinesReleasedOnDisconnect(t *testing.T) {
	_, ts := newTestServer(t)

	base := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		conn := dialAndRegister(t, ts, domain.PeerID(fmt.Sprintf("peer-%d", i)))
		// A burst the handler may not have consumed when the transport
		// drops.
		for j := 0; j < 20; j++ {
			conn.WriteJSON(RelayMessage{
				Type: TypeSignal, To: "nobody", From: "peer", Data: json.RawMessage(`{}`),
			})
		}
		conn.Close()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+5
	}, 3*time.Second, 50*time.Millisecond, "per-connection goroutines were not released")
}

func TestRateLimitDropsExcessWithoutClosing(t *testing.T) {
	srv := NewServer(memory.NewMemoryPresenceRepository(), nil, Options{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  time.Second,
		WriteTimeout: time.Second,
		RateLimit:    1,
		RateBurst:    2,
	}, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	a := dialAndRegister(t, ts, "alice")
	b := dialAndRegister(t, ts, "bob")
	c := dialAndRegister(t, ts, "carol")
	readUntil(t, b, TypePeers)
	readUntil(t, c, TypePeers)

	// alice burns through her budget; the register already cost one token.
	for i := 0; i < 10; i++ {
		require.NoError(t, a.WriteJSON(RelayMessage{
			Type: TypeSignal, To: "bob", From: "alice", Data: json.RawMessage(`{}`),
		}))
	}

	got := 0
	for _, msg := range drain(b, 300*time.Millisecond) {
		if msg.Type == TypeSignal && msg.From == "alice" {
			got++
		}
	}
	assert.Less(t, got, 10, "limiter did not drop anything")

	// The limit is per connection: carol's signal still goes through, and
	// alice's connection stays registered.
	require.NoError(t, c.WriteJSON(RelayMessage{
		Type: TypeSignal, To: "bob", From: "carol", Data: json.RawMessage(`{}`),
	}))
	msg := readUntil(t, b, TypeSignal)
	assert.Equal(t, domain.PeerID("carol"), msg.From)
	assert.Contains(t, srv.Registry().Peers(), domain.PeerID("alice"))
}

func TestHealthReportsAnnouncedPeers(t *testing.T) {
	srv, ts := newTestServer(t)

	a := dialAndRegister(t, ts, "alice")
	readUntil(t, a, TypePeers)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", srv.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status         string          `json:"status"`
		ConnectedPeers []domain.PeerID `json:"connectedPeers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []domain.PeerID{"alice"}, resp.ConnectedPeers)
}

func TestDuplicateRegistrationEvictsOldSession(t *testing.T) {
	srv, ts := newTestServer(t)

	observer := dialAndRegister(t, ts, "bob")
	readUntil(t, observer, TypePeers)

	first := dialAndRegister(t, ts, "alice")
	readUntil(t, first, TypePeers)

	// A second session claims the same id: last writer wins.
	second := dialAndRegister(t, ts, "alice")
	readUntil(t, second, TypePeers)

	// The evicted session is closed by the relay.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg RelayMessage
		if err := first.ReadJSON(&msg); err != nil {
			break
		}
	}

	// One registry entry per id, and the eviction must not masquerade as
	// a peer leaving the network.
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, srv.Registry().Peers())
	for _, msg := range drain(observer, 300*time.Millisecond) {
		assert.NotEqual(t, TypeDisconnected, msg.Type, "eviction broadcast a disconnect")
	}
}
