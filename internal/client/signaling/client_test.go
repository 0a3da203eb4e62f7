package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/services"
	"roomlink/internal/infrastructure/repositories/memory"
	"roomlink/internal/infrastructure/sfu"
	signalws "roomlink/internal/infrastructure/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startSignalServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	repo := memory.NewMemoryRoomRepository()
	relay := sfu.NewRelay(sfu.Config{}, log)
	server := signalws.NewWebSocketServer(nil, relay, nil, signalws.Options{}, log)
	registry := services.NewRegistryService(repo, server, nil, nil, log)
	server.SetRegistry(registry)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts
}

func connectClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c := NewClient(url, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) *domain.SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Events():
		require.True(t, ok, "event channel closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestClient_ConnectAssignsIdentity(t *testing.T) {
	ts := startSignalServer(t)
	c := connectClient(t, ts)
	assert.NotEmpty(t, c.ID())
}

func TestClient_RoomEventsArriveInOrder(t *testing.T) {
	ts := startSignalServer(t)
	alice := connectClient(t, ts)
	bob := connectClient(t, ts)

	require.NoError(t, alice.CreateRoom("sfu-room", domain.TopologySFU))
	created := nextEvent(t, alice)
	assert.Equal(t, domain.MsgRoomCreated, created.Type)

	require.NoError(t, bob.JoinRoom("sfu-room"))
	joined := nextEvent(t, bob)
	assert.Equal(t, domain.MsgRoomJoined, joined.Type)

	userJoined := nextEvent(t, alice)
	assert.Equal(t, domain.MsgUserJoined, userJoined.Type)
}

func TestClient_RelayRequestResponse(t *testing.T) {
	ts := startSignalServer(t)
	c := connectClient(t, ts)
	ctx := context.Background()

	require.NoError(t, c.CreateRoom("sfu-room", domain.TopologySFU))
	nextEvent(t, c)

	caps, err := c.GetRouterCapabilities(ctx, "sfu-room")
	require.NoError(t, err)
	assert.Contains(t, string(caps), "codecs")

	info, err := c.CreateTransport(ctx, "sfu-room", "send")
	require.NoError(t, err)
	assert.NotEmpty(t, info.TransportID)
	assert.Equal(t, "send", info.Direction)

	producers, err := c.GetProducers(ctx, "sfu-room")
	require.NoError(t, err)
	assert.Empty(t, producers)

	// Relay-side rejections surface as request errors.
	_, err = c.CreateTransport(ctx, "sfu-room", "sideways")
	assert.Error(t, err)
}

func TestClient_ConcurrentRequestsCorrelate(t *testing.T) {
	ts := startSignalServer(t)
	c := connectClient(t, ts)
	ctx := context.Background()

	require.NoError(t, c.CreateRoom("sfu-room", domain.TopologySFU))
	nextEvent(t, c)

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := c.GetRouterCapabilities(ctx, "sfu-room")
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-results)
	}
}

func TestClient_CloseIsIdempotentAndEndsEvents(t *testing.T) {
	ts := startSignalServer(t)
	c := connectClient(t, ts)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("event channel did not close")
	}
}

func TestClient_ConnectRetriesUnreachableServer(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", zaptest.NewLogger(t).Sugar())
	c.retryCfg.MaxAttempts = 1
	c.retryCfg.InitialDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}
