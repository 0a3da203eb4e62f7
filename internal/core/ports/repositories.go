package ports

import (
	"context"

	"roomlink/internal/core/domain"
)

// RoomRepository stores active rooms and their participant sets. Membership
// mutations for a single room must be serialized by the implementation;
// reads may run concurrently. There is no ambient global room table; the
// repository is injected into the registry service.
type RoomRepository interface {
	// Create stores a new room with participant as its sole member.
	// Returns domain.ErrRoomExists if the id is taken.
	Create(ctx context.Context, id domain.RoomID, topology domain.Topology, participant domain.ParticipantID) (*domain.Room, error)

	// Get returns a snapshot of the room, or domain.ErrRoomNotFound.
	Get(ctx context.Context, id domain.RoomID) (*domain.Room, error)

	// AddParticipant appends participant to the room, enforcing the
	// topology's capacity bound. Returns the membership snapshot taken
	// before the join so callers can notify pre-existing members.
	// Errors: domain.ErrRoomNotFound, domain.ErrRoomFull, domain.ErrAlreadyJoined.
	AddParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error)

	// RemoveParticipant removes participant and deletes the room in the
	// same step when it becomes empty. Idempotent: removing an absent
	// pair is a no-op reporting removed=false.
	RemoveParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (remaining *domain.Room, removed bool, err error)

	// Count returns the number of active rooms.
	Count(ctx context.Context) (int, error)
}
