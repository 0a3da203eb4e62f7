package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"roomlink/internal/core/domain"
	"roomlink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingSink captures every delivered message per participant.
type recordingSink struct {
	mu       sync.Mutex
	messages map[domain.ParticipantID][]*domain.SignalMessage
	offline  map[domain.ParticipantID]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messages: make(map[domain.ParticipantID][]*domain.SignalMessage),
		offline:  make(map[domain.ParticipantID]bool),
	}
}

func (s *recordingSink) Send(participant domain.ParticipantID, msg *domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline[participant] {
		return fmt.Errorf("participant %s offline", participant)
	}
	s.messages[participant] = append(s.messages[participant], msg)
	return nil
}

func (s *recordingSink) sent(participant domain.ParticipantID) []*domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.SignalMessage(nil), s.messages[participant]...)
}

func newTestRegistry(t *testing.T) (*registryService, *recordingSink, *memory.MemoryRoomRepository) {
	t.Helper()
	repo := memory.NewMemoryRoomRepository()
	sink := newRecordingSink()
	registry := NewRegistryService(repo, sink, nil, nil, zaptest.NewLogger(t).Sugar())
	return registry.(*registryService), sink, repo
}

// recordingEvents captures published room lifecycle events.
type recordingEvents struct {
	mu     sync.Mutex
	events []*domain.RoomEvent
}

func (r *recordingEvents) PublishRoomEvent(_ context.Context, event *domain.RoomEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []domain.RoomEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RoomEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestRegistryService_CreateAcksCreator(t *testing.T) {
	registry, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))

	msgs := sink.sent("peer-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgRoomCreated, msgs[0].Type)
	assert.Equal(t, domain.RoomID("room-1"), msgs[0].RoomID)
}

func TestRegistryService_CreateDuplicateFails(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	err := registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-b")
	assert.ErrorIs(t, err, domain.ErrRoomExists)
}

func TestRegistryService_JoinSnapshotPrecedesUserJoined(t *testing.T) {
	registry, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	// The joiner gets its snapshot, listing only pre-existing members.
	joinerMsgs := sink.sent("peer-b")
	require.Len(t, joinerMsgs, 1)
	assert.Equal(t, domain.MsgRoomJoined, joinerMsgs[0].Type)

	var snapshot domain.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(joinerMsgs[0].Payload, &snapshot))
	assert.Equal(t, []domain.ParticipantID{"peer-a"}, snapshot.Participants)

	// The existing member learns about the joiner.
	memberMsgs := sink.sent("peer-a")
	require.Len(t, memberMsgs, 2)
	assert.Equal(t, domain.MsgUserJoined, memberMsgs[1].Type)

	var joined domain.UserJoinedPayload
	require.NoError(t, json.Unmarshal(memberMsgs[1].Payload, &joined))
	assert.Equal(t, domain.ParticipantID("peer-b"), joined.UserID)
}

func TestRegistryService_JoinMissingRoom(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	err := registry.Join(context.Background(), "nope", "peer-a")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRegistryService_MeshRoomFullNeverMutates(t *testing.T) {
	registry, sink, repo := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	err := registry.Join(ctx, "room-1", "peer-c")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// Membership is untouched and nobody heard about peer-c.
	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"peer-a", "peer-b"}, room.Participants)
	assert.Empty(t, sink.sent("peer-c"))

	// The rejected participant can still join elsewhere.
	require.NoError(t, registry.Create(ctx, "room-2", domain.TopologyMesh, "peer-c"))
}

func TestRegistryService_SFURoomIsUnbounded(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "big", domain.TopologySFU, "peer-0"))
	for i := 1; i <= 10; i++ {
		require.NoError(t, registry.Join(ctx, "big", domain.ParticipantID(fmt.Sprintf("peer-%d", i))))
	}
}

func TestRegistryService_RelayTargeted(t *testing.T) {
	registry, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	registry.Relay(ctx, "room-1", "peer-a", &domain.SignalMessage{
		Type:    domain.MsgOffer,
		Target:  "peer-b",
		Payload: json.RawMessage(`{"offer":{"type":"offer","sdp":"v=0"}}`),
	})

	msgs := sink.sent("peer-b")
	require.Len(t, msgs, 2)
	relayed := msgs[1]
	assert.Equal(t, domain.MsgOffer, relayed.Type)
	assert.Equal(t, domain.ParticipantID("peer-a"), relayed.UserID)
	assert.JSONEq(t, `{"offer":{"type":"offer","sdp":"v=0"}}`, string(relayed.Payload))
}

func TestRegistryService_RelayFansOutToOthers(t *testing.T) {
	registry, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "big", domain.TopologySFU, "peer-a"))
	require.NoError(t, registry.Join(ctx, "big", "peer-b"))
	require.NoError(t, registry.Join(ctx, "big", "peer-c"))

	before := len(sink.sent("peer-a"))
	registry.Relay(ctx, "big", "peer-a", &domain.SignalMessage{Type: domain.MsgNewProducer})

	assert.Len(t, sink.sent("peer-a"), before, "sender must not receive its own relay")
	assert.Equal(t, domain.MsgNewProducer, sink.sent("peer-b")[len(sink.sent("peer-b"))-1].Type)
	assert.Equal(t, domain.MsgNewProducer, sink.sent("peer-c")[len(sink.sent("peer-c"))-1].Type)
}

func TestRegistryService_RelayDropsSilently(t *testing.T) {
	registry, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))

	// Missing room, non-member sender and absent target all drop without
	// side effects.
	registry.Relay(ctx, "nope", "peer-a", &domain.SignalMessage{Type: domain.MsgOffer})
	registry.Relay(ctx, "room-1", "stranger", &domain.SignalMessage{Type: domain.MsgOffer})
	registry.Relay(ctx, "room-1", "peer-a", &domain.SignalMessage{Type: domain.MsgOffer, Target: "ghost"})

	assert.Len(t, sink.sent("peer-a"), 1) // only the room-created ack
}

func TestRegistryService_LeaveNotifiesAndDeletesEmptyRoom(t *testing.T) {
	registry, sink, repo := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	require.NoError(t, registry.Leave(ctx, "room-1", "peer-b"))

	msgs := sink.sent("peer-a")
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.MsgUserLeft, last.Type)
	var left domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(last.Payload, &left))
	assert.Equal(t, domain.ParticipantID("peer-b"), left.UserID)

	require.NoError(t, registry.Leave(ctx, "room-1", "peer-a"))

	_, err := repo.Get(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	// The name is reusable immediately.
	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologySFU, "peer-c"))
}

func TestRegistryService_LeaveIsIdempotent(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))

	assert.NoError(t, registry.Leave(ctx, "room-1", "ghost"))
	assert.NoError(t, registry.Leave(ctx, "nope", "peer-a"))
	assert.NoError(t, registry.Leave(ctx, "room-1", "peer-a"))
	assert.NoError(t, registry.Leave(ctx, "room-1", "peer-a"))
}

func TestRegistryService_DisconnectActsAsLeave(t *testing.T) {
	registry, sink, repo := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	registry.Disconnect(ctx, "peer-b")

	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"peer-a"}, room.Participants)

	msgs := sink.sent("peer-a")
	assert.Equal(t, domain.MsgUserLeft, msgs[len(msgs)-1].Type)

	// Disconnecting an unknown participant is a no-op.
	registry.Disconnect(ctx, "stranger")
}

func TestRegistryService_UndeliverableMessagesAreDropped(t *testing.T) {
	registry, sink, repo := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	sink.offline["peer-a"] = true

	// Join still succeeds even though peer-a cannot be notified.
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))

	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2)
}

func TestRegistryService_RoomCount(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	count, err := registry.RoomCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Create(ctx, "room-2", domain.TopologySFU, "peer-b"))

	count, err = registry.RoomCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegistryService_PublishesLifecycleEvents(t *testing.T) {
	repo := memory.NewMemoryRoomRepository()
	sink := newRecordingSink()
	events := &recordingEvents{}
	registry := NewRegistryService(repo, sink, nil, events, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, registry.Create(ctx, "room-1", domain.TopologyMesh, "peer-a"))
	require.NoError(t, registry.Join(ctx, "room-1", "peer-b"))
	require.NoError(t, registry.Leave(ctx, "room-1", "peer-b"))
	require.NoError(t, registry.Leave(ctx, "room-1", "peer-a"))

	assert.Equal(t, []domain.RoomEventType{
		domain.EventRoomCreated,
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventParticipantLeft,
		domain.EventRoomDeleted,
	}, events.types())
	assert.Equal(t, domain.RoomID("room-1"), events.events[0].RoomID)
	assert.Equal(t, domain.ParticipantID("peer-a"), events.events[0].Participant)
}
