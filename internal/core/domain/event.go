package domain

import "time"

// RoomEventType labels a room lifecycle event on the distributed bus.
type RoomEventType string

const (
	EventRoomCreated       RoomEventType = "room.created"
	EventRoomDeleted       RoomEventType = "room.deleted"
	EventParticipantJoined RoomEventType = "participant.joined"
	EventParticipantLeft   RoomEventType = "participant.left"
)

// RoomEvent is published when room membership changes, so other instances
// can observe lifecycle transitions without polling the repository.
type RoomEvent struct {
	Type        RoomEventType `json:"type"`
	InstanceID  string        `json:"instance_id,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	RoomID      RoomID        `json:"room_id"`
	Participant ParticipantID `json:"participant,omitempty"`
	Topology    Topology      `json:"topology,omitempty"`
}
