package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"roomlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoomRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	room, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), room.ID)
	assert.Equal(t, domain.TopologyMesh, room.Topology)
	assert.Equal(t, []domain.ParticipantID{"peer-a"}, room.Participants)
	assert.False(t, room.CreatedAt.IsZero())

	got, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.Participants, got.Participants)

	_, err = repo.Create(ctx, "room-1", domain.TopologySFU, "peer-b")
	assert.ErrorIs(t, err, domain.ErrRoomExists)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestMemoryRoomRepository_AddParticipant(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-a")
	require.NoError(t, err)

	// The returned snapshot predates the join.
	before, err := repo.AddParticipant(ctx, "room-1", "peer-b")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"peer-a"}, before.Participants)

	_, err = repo.AddParticipant(ctx, "room-1", "peer-b")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)

	_, err = repo.AddParticipant(ctx, "room-1", "peer-c")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// The rejected join left membership untouched.
	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"peer-a", "peer-b"}, room.Participants)

	_, err = repo.AddParticipant(ctx, "missing", "peer-c")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestMemoryRoomRepository_MeshCapacityOverride(t *testing.T) {
	repo := NewMemoryRoomRepository()
	repo.SetMeshCapacity(3)
	ctx := context.Background()

	_, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-a")
	require.NoError(t, err)
	_, err = repo.AddParticipant(ctx, "room-1", "peer-b")
	require.NoError(t, err)
	_, err = repo.AddParticipant(ctx, "room-1", "peer-c")
	require.NoError(t, err)
	_, err = repo.AddParticipant(ctx, "room-1", "peer-d")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestMemoryRoomRepository_SFUHasNoCapacity(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, "big", domain.TopologySFU, "peer-0")
	require.NoError(t, err)
	for i := 1; i < 20; i++ {
		_, err = repo.AddParticipant(ctx, "big", domain.ParticipantID(fmt.Sprintf("peer-%d", i)))
		require.NoError(t, err)
	}
}

func TestMemoryRoomRepository_RemoveParticipant(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-a")
	require.NoError(t, err)
	_, err = repo.AddParticipant(ctx, "room-1", "peer-b")
	require.NoError(t, err)

	remaining, removed, err := repo.RemoveParticipant(ctx, "room-1", "peer-a")
	require.NoError(t, err)
	assert.True(t, removed)
	require.NotNil(t, remaining)
	assert.Equal(t, []domain.ParticipantID{"peer-b"}, remaining.Participants)

	// Removing a missing participant or room is a no-op, not an error.
	_, removed, err = repo.RemoveParticipant(ctx, "room-1", "peer-a")
	require.NoError(t, err)
	assert.False(t, removed)
	_, removed, err = repo.RemoveParticipant(ctx, "missing", "peer-a")
	require.NoError(t, err)
	assert.False(t, removed)

	// The last removal deletes the room in the same step.
	remaining, removed, err = repo.RemoveParticipant(ctx, "room-1", "peer-b")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Nil(t, remaining)

	_, err = repo.Get(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryRoomRepository_SnapshotsAreDetached(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-a")
	require.NoError(t, err)

	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	room.Participants[0] = "mutated"

	again, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"peer-a"}, again.Participants)
}

func TestMemoryRoomRepository_ConcurrentJoins(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, "room-1", domain.TopologyMesh, "peer-0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	admitted := make(chan domain.ParticipantID, 16)
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.ParticipantID(fmt.Sprintf("peer-%d", i))
			if _, err := repo.AddParticipant(ctx, "room-1", id); err == nil {
				admitted <- id
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	// Exactly one racer wins the remaining mesh slot.
	var winners []domain.ParticipantID
	for id := range admitted {
		winners = append(winners, id)
	}
	assert.Len(t, winners, 1)

	room, err := repo.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2)
}
