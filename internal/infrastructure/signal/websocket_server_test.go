package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/services"
	"roomlink/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo := memory.NewMemoryRoomRepository()
	log := zaptest.NewLogger(t).Sugar()
	server := NewWebSocketServer(nil, nil, nil, Options{}, log)
	registry := services.NewRegistryService(repo, server, nil, nil, log)
	server.SetRegistry(registry)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts
}

// dial connects a signaling channel and consumes the identity handshake.
func dial(t *testing.T, ts *httptest.Server) (*websocket.Conn, domain.ParticipantID) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readMessage(t, conn)
	require.Equal(t, domain.MsgConnected, hello.Type)
	require.NotEmpty(t, hello.UserID)
	return conn, hello.UserID
}

func readMessage(t *testing.T, conn *websocket.Conn) *domain.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg domain.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func send(t *testing.T, conn *websocket.Conn, msg *domain.SignalMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketServer_MeshRoomLifecycle(t *testing.T) {
	ts := startTestServer(t)

	alice, aliceID := dial(t, ts)
	bob, bobID := dial(t, ts)

	// Alice creates the room and gets the ack.
	send(t, alice, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "duo", Topology: domain.TopologyMesh}),
	})
	created := readMessage(t, alice)
	require.Equal(t, domain.MsgRoomCreated, created.Type)
	assert.Equal(t, domain.RoomID("duo"), created.RoomID)

	// Bob joins; his snapshot names Alice, and Alice hears about Bob.
	send(t, bob, &domain.SignalMessage{
		Type:    domain.MsgJoinRoom,
		Payload: domain.MarshalPayload(domain.JoinRoomPayload{RoomID: "duo"}),
	})
	joined := readMessage(t, bob)
	require.Equal(t, domain.MsgRoomJoined, joined.Type)
	var snapshot domain.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &snapshot))
	assert.Equal(t, []domain.ParticipantID{aliceID}, snapshot.Participants)

	userJoined := readMessage(t, alice)
	require.Equal(t, domain.MsgUserJoined, userJoined.Type)
	var joinedPayload domain.UserJoinedPayload
	require.NoError(t, json.Unmarshal(userJoined.Payload, &joinedPayload))
	assert.Equal(t, bobID, joinedPayload.UserID)

	// A third participant bounces off the full mesh room.
	carol, _ := dial(t, ts)
	send(t, carol, &domain.SignalMessage{
		Type:    domain.MsgJoinRoom,
		Payload: domain.MarshalPayload(domain.JoinRoomPayload{RoomID: "duo"}),
	})
	full := readMessage(t, carol)
	assert.Equal(t, domain.MsgRoomFull, full.Type)
	assert.Equal(t, domain.RoomID("duo"), full.RoomID)

	// Bob's offer reaches Alice with the sender attributed.
	send(t, bob, &domain.SignalMessage{
		Type:    domain.MsgOffer,
		RoomID:  "duo",
		Target:  aliceID,
		Payload: domain.MarshalPayload(domain.OfferPayload{Offer: domain.SessionDescription{Type: "offer", SDP: testSDP}}),
	})
	offer := readMessage(t, alice)
	require.Equal(t, domain.MsgOffer, offer.Type)
	assert.Equal(t, bobID, offer.UserID)

	// The answer travels back.
	send(t, alice, &domain.SignalMessage{
		Type:    domain.MsgAnswer,
		RoomID:  "duo",
		Target:  bobID,
		Payload: domain.MarshalPayload(domain.AnswerPayload{Answer: domain.SessionDescription{Type: "answer", SDP: testSDP}}),
	})
	answer := readMessage(t, bob)
	require.Equal(t, domain.MsgAnswer, answer.Type)
	assert.Equal(t, aliceID, answer.UserID)

	// Candidates relay untargeted to the other member.
	send(t, bob, &domain.SignalMessage{
		Type:    domain.MsgICECandidate,
		RoomID:  "duo",
		Payload: domain.MarshalPayload(domain.ICECandidatePayload{Candidate: domain.ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}}),
	})
	cand := readMessage(t, alice)
	require.Equal(t, domain.MsgICECandidate, cand.Type)
	assert.Equal(t, bobID, cand.UserID)

	// Bob leaves; Alice is told.
	send(t, bob, &domain.SignalMessage{Type: domain.MsgLeaveRoom, RoomID: "duo"})
	left := readMessage(t, alice)
	require.Equal(t, domain.MsgUserLeft, left.Type)
	var leftPayload domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(left.Payload, &leftPayload))
	assert.Equal(t, bobID, leftPayload.UserID)
}

func TestWebSocketServer_DisconnectActsAsLeave(t *testing.T) {
	ts := startTestServer(t)

	alice, _ := dial(t, ts)
	bob, bobID := dial(t, ts)

	send(t, alice, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "duo"}),
	})
	readMessage(t, alice)

	send(t, bob, &domain.SignalMessage{
		Type:    domain.MsgJoinRoom,
		Payload: domain.MarshalPayload(domain.JoinRoomPayload{RoomID: "duo"}),
	})
	readMessage(t, bob)
	readMessage(t, alice) // user-joined

	bob.Close()

	left := readMessage(t, alice)
	require.Equal(t, domain.MsgUserLeft, left.Type)
	var payload domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, bobID, payload.UserID)
}

func TestWebSocketServer_RejectsInvalidMessages(t *testing.T) {
	ts := startTestServer(t)
	conn, _ := dial(t, ts)

	// Malformed room id.
	send(t, conn, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "bad room!"}),
	})
	errMsg := readMessage(t, conn)
	assert.Equal(t, domain.MsgError, errMsg.Type)
	assert.NotEmpty(t, errMsg.Error)

	// Unknown topology.
	send(t, conn, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "room", Topology: "star"}),
	})
	errMsg = readMessage(t, conn)
	assert.Equal(t, domain.MsgError, errMsg.Type)

	// Unknown message type.
	send(t, conn, &domain.SignalMessage{Type: "teleport"})
	errMsg = readMessage(t, conn)
	assert.Equal(t, domain.MsgError, errMsg.Type)

	// Offer with garbage SDP is rejected before relaying.
	send(t, conn, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "solo"}),
	})
	readMessage(t, conn)
	send(t, conn, &domain.SignalMessage{
		Type:    domain.MsgOffer,
		RoomID:  "solo",
		Payload: domain.MarshalPayload(domain.OfferPayload{Offer: domain.SessionDescription{Type: "offer", SDP: "not sdp"}}),
	})
	errMsg = readMessage(t, conn)
	assert.Equal(t, domain.MsgError, errMsg.Type)
}

func TestWebSocketServer_RelayOperationsWithoutRelay(t *testing.T) {
	ts := startTestServer(t)
	conn, _ := dial(t, ts)

	send(t, conn, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "sfu-room", Topology: domain.TopologySFU}),
	})
	readMessage(t, conn)

	// Without a media relay the operation fails with the request id echoed.
	send(t, conn, &domain.SignalMessage{
		Type:      domain.MsgGetRouterCapabilities,
		RequestID: "req-1",
		RoomID:    "sfu-room",
	})
	resp := readMessage(t, conn)
	assert.Equal(t, domain.MsgError, resp.Type)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.NotEmpty(t, resp.Error)
}

func TestWebSocketServer_RateLimiting(t *testing.T) {
	repo := memory.NewMemoryRoomRepository()
	log := zaptest.NewLogger(t).Sugar()
	server := NewWebSocketServer(nil, nil, nil, Options{MessagesPerSecond: 1, Burst: 2}, log)
	registry := services.NewRegistryService(repo, server, nil, nil, log)
	server.SetRegistry(registry)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)

	conn, _ := dial(t, ts)
	for i := 0; i < 5; i++ {
		send(t, conn, &domain.SignalMessage{Type: "teleport"})
	}

	limited := false
	for i := 0; i < 5; i++ {
		msg := readMessage(t, conn)
		if msg.Type == domain.MsgError && strings.Contains(msg.Error, "rate limit") {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

func TestWebSocketServer_DisconnectDuringMessageFlood(t *testing.T) {
	repo := memory.NewMemoryRoomRepository()
	log := zaptest.NewLogger(t).Sugar()
	server := NewWebSocketServer(nil, nil, nil, Options{
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	}, log)
	registry := services.NewRegistryService(repo, server, nil, nil, log)
	server.SetRegistry(registry)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)

	alice, _ := dial(t, ts)
	bob, bobID := dial(t, ts)

	send(t, alice, &domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: "duo", Topology: domain.TopologyMesh}),
	})
	require.Equal(t, domain.MsgRoomCreated, readMessage(t, alice).Type)

	send(t, bob, &domain.SignalMessage{
		Type:    domain.MsgJoinRoom,
		Payload: domain.MarshalPayload(domain.JoinRoomPayload{RoomID: "duo"}),
	})
	require.Equal(t, domain.MsgRoomJoined, readMessage(t, bob).Type)
	require.Equal(t, domain.MsgUserJoined, readMessage(t, alice).Type)

	// Bob floods far more messages than the handler queue holds, never
	// reads a reply, and drops the connection mid-stream.
	for i := 0; i < 64; i++ {
		bob.WriteJSON(&domain.SignalMessage{Type: "teleport"})
	}
	bob.Close()

	// The server must still complete the teardown: alice hears user-left.
	left := readMessage(t, alice)
	require.Equal(t, domain.MsgUserLeft, left.Type)
	var payload domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, bobID, payload.UserID)
}
