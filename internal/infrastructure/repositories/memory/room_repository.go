package memory

import (
	"context"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
)

type roomState struct {
	topology     domain.Topology
	participants []domain.ParticipantID
	createdAt    time.Time
}

// MemoryRoomRepository keeps rooms in process memory. One mutex guards the
// room table; membership mutations for a room are serialized under it.
type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*roomState
	mu    sync.RWMutex

	// meshCapacity overrides domain.MeshCapacity when > 0.
	meshCapacity int
}

func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{rooms: make(map[domain.RoomID]*roomState)}
}

// SetMeshCapacity overrides the mesh participant bound, for configuration.
func (r *MemoryRoomRepository) SetMeshCapacity(capacity int) {
	r.meshCapacity = capacity
}

func (r *MemoryRoomRepository) capacity(topology domain.Topology) int {
	if topology == domain.TopologyMesh && r.meshCapacity > 0 {
		return r.meshCapacity
	}
	return topology.Capacity()
}

func (r *MemoryRoomRepository) Create(ctx context.Context, id domain.RoomID, topology domain.Topology, participant domain.ParticipantID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; exists {
		return nil, domain.ErrRoomExists
	}

	state := &roomState{
		topology:     topology,
		participants: []domain.ParticipantID{participant},
		createdAt:    time.Now(),
	}
	r.rooms[id] = state
	return snapshot(id, state), nil
}

func (r *MemoryRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return snapshot(id, state), nil
}

func (r *MemoryRoomRepository) AddParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	for _, p := range state.participants {
		if p == participant {
			return nil, domain.ErrAlreadyJoined
		}
	}
	// A rejected join never mutates membership.
	if cap := r.capacity(state.topology); cap > 0 && len(state.participants) >= cap {
		return nil, domain.ErrRoomFull
	}

	before := snapshot(id, state)
	state.participants = append(state.participants, participant)
	return before, nil
}

func (r *MemoryRoomRepository) RemoveParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.rooms[id]
	if !exists {
		return nil, false, nil
	}

	idx := -1
	for i, p := range state.participants {
		if p == participant {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false, nil
	}

	state.participants = append(state.participants[:idx], state.participants[idx+1:]...)
	if len(state.participants) == 0 {
		// Delete-on-empty happens in the same step as the removal.
		delete(r.rooms, id)
		return nil, true, nil
	}
	return snapshot(id, state), true, nil
}

func (r *MemoryRoomRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), nil
}

func snapshot(id domain.RoomID, state *roomState) *domain.Room {
	participants := make([]domain.ParticipantID, len(state.participants))
	copy(participants, state.participants)
	return &domain.Room{
		ID:           id,
		Topology:     state.topology,
		Participants: participants,
		CreatedAt:    state.createdAt,
	}
}

var _ ports.RoomRepository = (*MemoryRoomRepository)(nil)
