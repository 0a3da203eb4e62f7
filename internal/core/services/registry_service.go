package services

import (
	"context"
	"sync"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"go.uber.org/zap"
)

// RegistryMetrics receives registry lifecycle observations. The prometheus
// collector implements it; tests pass nil.
type RegistryMetrics interface {
	RoomCreated()
	RoomDeleted()
	ParticipantJoined()
	ParticipantLeft()
	MessageRelayed(messageType string)
}

// RegistryEvents broadcasts room lifecycle events for cross-instance
// coordination. The redis event bus implements it; nil disables publishing.
type RegistryEvents interface {
	PublishRoomEvent(ctx context.Context, event *domain.RoomEvent) error
}

type registryService struct {
	rooms   ports.RoomRepository
	sink    ports.MessageSink
	metrics RegistryMetrics
	events  RegistryEvents
	logger  *zap.SugaredLogger

	// participant -> room, used for the implicit leave on disconnect.
	// A participant belongs to at most one room at a time.
	mu         sync.RWMutex
	membership map[domain.ParticipantID]domain.RoomID
}

// NewRegistryService builds the room registry. metrics and events may be nil.
func NewRegistryService(rooms ports.RoomRepository, sink ports.MessageSink, metrics RegistryMetrics, events RegistryEvents, logger *zap.SugaredLogger) ports.RoomRegistry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &registryService{
		rooms:      rooms,
		sink:       sink,
		metrics:    metrics,
		events:     events,
		logger:     logger,
		membership: make(map[domain.ParticipantID]domain.RoomID),
	}
}

func (s *registryService) Create(ctx context.Context, roomID domain.RoomID, topology domain.Topology, participant domain.ParticipantID) error {
	if _, err := s.rooms.Create(ctx, roomID, topology, participant); err != nil {
		return err
	}

	s.mu.Lock()
	s.membership[participant] = roomID
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RoomCreated()
		s.metrics.ParticipantJoined()
	}

	s.logger.Infow("room created", "room_id", roomID, "topology", topology, "participant", participant)
	s.publish(ctx, &domain.RoomEvent{Type: domain.EventRoomCreated, RoomID: roomID, Participant: participant, Topology: topology})

	s.send(participant, &domain.SignalMessage{
		Type:    domain.MsgRoomCreated,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.RoomCreatedPayload{RoomID: roomID}),
	})
	return nil
}

func (s *registryService) Join(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error {
	before, err := s.rooms.AddParticipant(ctx, roomID, participant)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.membership[participant] = roomID
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ParticipantJoined()
	}

	s.logger.Infow("participant joined room", "room_id", roomID, "participant", participant, "existing", len(before.Participants))
	s.publish(ctx, &domain.RoomEvent{Type: domain.EventParticipantJoined, RoomID: roomID, Participant: participant})

	// The joiner must receive its membership snapshot before any peer can
	// start negotiating with it, so room-joined goes out first.
	s.send(participant, &domain.SignalMessage{
		Type:   domain.MsgRoomJoined,
		RoomID: roomID,
		Payload: domain.MarshalPayload(domain.RoomJoinedPayload{
			RoomID:       roomID,
			Participants: before.Participants,
		}),
	})

	joined := &domain.SignalMessage{
		Type:    domain.MsgUserJoined,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.UserJoinedPayload{UserID: participant}),
	}
	for _, member := range before.Participants {
		s.send(member, joined)
	}
	return nil
}

func (s *registryService) Relay(ctx context.Context, roomID domain.RoomID, sender domain.ParticipantID, msg *domain.SignalMessage) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		// Best-effort: a relay into a missing room is dropped, the
		// negotiation layer owns retries.
		s.logger.Debugw("dropping relay into missing room", "room_id", roomID, "sender", sender, "type", msg.Type)
		return
	}
	if !room.Has(sender) {
		s.logger.Debugw("dropping relay from non-member", "room_id", roomID, "sender", sender, "type", msg.Type)
		return
	}

	out := &domain.SignalMessage{
		Type:    msg.Type,
		RoomID:  roomID,
		UserID:  sender,
		Payload: msg.Payload,
	}

	if msg.Target != "" {
		if !room.Has(msg.Target) {
			s.logger.Debugw("dropping relay to absent target", "room_id", roomID, "target", msg.Target, "type", msg.Type)
			return
		}
		s.send(msg.Target, out)
	} else {
		for _, member := range room.Others(sender) {
			s.send(member, out)
		}
	}

	if s.metrics != nil {
		s.metrics.MessageRelayed(string(msg.Type))
	}
}

func (s *registryService) Leave(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error {
	remaining, removed, err := s.rooms.RemoveParticipant(ctx, roomID, participant)
	if err != nil {
		return err
	}
	if !removed {
		// Leaving a room/participant pair not present is a no-op.
		return nil
	}

	s.mu.Lock()
	if s.membership[participant] == roomID {
		delete(s.membership, participant)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ParticipantLeft()
		if remaining == nil {
			s.metrics.RoomDeleted()
		}
	}

	s.publish(ctx, &domain.RoomEvent{Type: domain.EventParticipantLeft, RoomID: roomID, Participant: participant})

	if remaining == nil {
		s.logger.Infow("room deleted", "room_id", roomID, "last_participant", participant)
		s.publish(ctx, &domain.RoomEvent{Type: domain.EventRoomDeleted, RoomID: roomID})
		return nil
	}

	s.logger.Infow("participant left room", "room_id", roomID, "participant", participant, "remaining", len(remaining.Participants))

	left := &domain.SignalMessage{
		Type:    domain.MsgUserLeft,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.UserLeftPayload{UserID: participant}),
	}
	for _, member := range remaining.Participants {
		s.send(member, left)
	}
	return nil
}

func (s *registryService) Disconnect(ctx context.Context, participant domain.ParticipantID) {
	s.mu.RLock()
	roomID, ok := s.membership[participant]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Leave(ctx, roomID, participant); err != nil {
		s.logger.Warnw("implicit leave failed", "room_id", roomID, "participant", participant, "error", err)
	}
}

func (s *registryService) RoomCount(ctx context.Context) (int, error) {
	return s.rooms.Count(ctx)
}

func (s *registryService) publish(ctx context.Context, event *domain.RoomEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishRoomEvent(ctx, event); err != nil {
		s.logger.Debugw("failed to publish room event", "type", event.Type, "room_id", event.RoomID, "error", err)
	}
}

func (s *registryService) send(participant domain.ParticipantID, msg *domain.SignalMessage) {
	if err := s.sink.Send(participant, msg); err != nil {
		s.logger.Debugw("dropping undeliverable message", "participant", participant, "type", msg.Type, "error", err)
	}
}
