package ports

import (
	"context"
	"encoding/json"

	"roomlink/internal/core/domain"
)

// MessageSink delivers signaling messages to connected participants. The
// websocket server implements it; tests substitute an in-memory sink.
// Delivery is best-effort: a send to a departed participant is dropped.
type MessageSink interface {
	Send(participant domain.ParticipantID, msg *domain.SignalMessage) error
}

// RoomRegistry tracks active rooms and relays signaling between members.
// All acknowledgments and membership events are emitted through the
// MessageSink so that a joiner always observes its room-joined snapshot
// before any peer traffic addressed to it.
type RoomRegistry interface {
	// Create makes a new room with participant as sole member and acks
	// with room-created. Fails with domain.ErrRoomExists.
	Create(ctx context.Context, roomID domain.RoomID, topology domain.Topology, participant domain.ParticipantID) error

	// Join adds participant to an existing room, sends room-joined (the
	// membership list excluding the joiner) to the joiner, then
	// user-joined to every pre-existing member, in that order.
	// Fails with domain.ErrRoomNotFound or domain.ErrRoomFull.
	Join(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error

	// Relay forwards msg tagged with the sender to msg.Target when set,
	// otherwise to every other member. Missing room or target is a
	// silent no-op; signaling is best-effort.
	Relay(ctx context.Context, roomID domain.RoomID, sender domain.ParticipantID, msg *domain.SignalMessage)

	// Leave removes participant, notifies remaining members with
	// user-left and deletes the room once empty. Idempotent.
	Leave(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error

	// Disconnect performs the implicit leave for a dropped connection.
	Disconnect(ctx context.Context, participant domain.ParticipantID)

	// RoomCount reports the number of active rooms for the liveness probe.
	RoomCount(ctx context.Context) (int, error)
}

// MediaRelay is the opaque selective-forwarding capability behind the SFU
// request/response operations. Parameter blobs are passed through unparsed;
// their shape is a contract between the relay backend and the client device.
type MediaRelay interface {
	RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, direction string) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID string, dtls json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, transportID string, kind domain.MediaKind, rtp json.RawMessage) (string, error)
	Consume(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, transportID, producerID string, capabilities json.RawMessage) (*domain.ConsumerParameters, error)
	ResumeConsumer(ctx context.Context, roomID domain.RoomID, consumerID string) error
	Producers(ctx context.Context, roomID domain.RoomID, exclude domain.ParticipantID) ([]domain.ProducerInfo, error)
	CloseParticipant(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error
}
