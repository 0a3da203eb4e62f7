package redis

import (
	"context"
	"fmt"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "roomlink:room:"

// RedisRoomRepository stores rooms in Redis for multi-instance deployments.
// Membership mutations run inside WATCH transactions so concurrent joins to
// the same room serialize instead of losing updates.
type RedisRoomRepository struct {
	client       *redis.Client
	meshCapacity int
}

func NewRedisRoomRepository(client *redis.Client) *RedisRoomRepository {
	return &RedisRoomRepository{client: client}
}

// SetMeshCapacity overrides the mesh participant bound, for configuration.
func (r *RedisRoomRepository) SetMeshCapacity(capacity int) {
	r.meshCapacity = capacity
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return keyPrefix + string(id)
}

func (r *RedisRoomRepository) membersKey(id domain.RoomID) string {
	return fmt.Sprintf("%s%s:members", keyPrefix, id)
}

func (r *RedisRoomRepository) capacity(topology domain.Topology) int {
	if topology == domain.TopologyMesh && r.meshCapacity > 0 {
		return r.meshCapacity
	}
	return topology.Capacity()
}

func (r *RedisRoomRepository) Create(ctx context.Context, id domain.RoomID, topology domain.Topology, participant domain.ParticipantID) (*domain.Room, error) {
	createdAt := time.Now()
	ok, err := r.client.HSetNX(ctx, r.roomKey(id), "topology", string(topology)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if !ok {
		return nil, domain.ErrRoomExists
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.roomKey(id), "created_at", createdAt.UnixNano())
	pipe.RPush(ctx, r.membersKey(id), string(participant))
	pipe.SAdd(ctx, keyPrefix+"index", string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize room in Redis: %w", err)
	}

	return &domain.Room{
		ID:           id,
		Topology:     topology,
		Participants: []domain.ParticipantID{participant},
		CreatedAt:    createdAt,
	}, nil
}

func (r *RedisRoomRepository) Get(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	fields, err := r.client.HGetAll(ctx, r.roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrRoomNotFound
	}

	members, err := r.client.LRange(ctx, r.membersKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members from Redis: %w", err)
	}

	return roomFromRedis(id, fields, members), nil
}

func (r *RedisRoomRepository) AddParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, error) {
	var before *domain.Room

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, r.roomKey(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return domain.ErrRoomNotFound
		}

		members, err := tx.LRange(ctx, r.membersKey(id), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == string(participant) {
				return domain.ErrAlreadyJoined
			}
		}

		room := roomFromRedis(id, fields, members)
		if cap := r.capacity(room.Topology); cap > 0 && len(members) >= cap {
			return domain.ErrRoomFull
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, r.membersKey(id), string(participant))
			return nil
		})
		if err != nil {
			return err
		}
		before = room
		return nil
	}

	if err := r.client.Watch(ctx, txn, r.membersKey(id)); err != nil {
		return nil, err
	}
	return before, nil
}

func (r *RedisRoomRepository) RemoveParticipant(ctx context.Context, id domain.RoomID, participant domain.ParticipantID) (*domain.Room, bool, error) {
	var remaining *domain.Room
	var removed bool

	txn := func(tx *redis.Tx) error {
		remaining, removed = nil, false

		fields, err := tx.HGetAll(ctx, r.roomKey(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}

		members, err := tx.LRange(ctx, r.membersKey(id), 0, -1).Result()
		if err != nil {
			return err
		}
		present := false
		rest := make([]string, 0, len(members))
		for _, m := range members {
			if m == string(participant) {
				present = true
				continue
			}
			rest = append(rest, m)
		}
		if !present {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(rest) == 0 {
				pipe.Del(ctx, r.roomKey(id), r.membersKey(id))
				pipe.SRem(ctx, keyPrefix+"index", string(id))
				return nil
			}
			pipe.LRem(ctx, r.membersKey(id), 1, string(participant))
			return nil
		})
		if err != nil {
			return err
		}

		removed = true
		if len(rest) > 0 {
			remaining = roomFromRedis(id, fields, rest)
		}
		return nil
	}

	if err := r.client.Watch(ctx, txn, r.membersKey(id)); err != nil {
		return nil, false, err
	}
	return remaining, removed, nil
}

func (r *RedisRoomRepository) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, keyPrefix+"index").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rooms in Redis: %w", err)
	}
	return int(n), nil
}

func roomFromRedis(id domain.RoomID, fields map[string]string, members []string) *domain.Room {
	participants := make([]domain.ParticipantID, 0, len(members))
	for _, m := range members {
		participants = append(participants, domain.ParticipantID(m))
	}
	room := &domain.Room{
		ID:           id,
		Topology:     domain.Topology(fields["topology"]),
		Participants: participants,
	}
	if ns, ok := fields["created_at"]; ok {
		var nanos int64
		fmt.Sscanf(ns, "%d", &nanos)
		room.CreatedAt = time.Unix(0, nanos)
	}
	return room
}

var _ ports.RoomRepository = (*RedisRoomRepository)(nil)
