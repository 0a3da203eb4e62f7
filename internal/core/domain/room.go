package domain

import "time"

type RoomID string

type ParticipantID string

// Topology selects how participants in a room exchange media.
type Topology string

const (
	TopologyMesh Topology = "mesh"
	TopologySFU  Topology = "sfu"
)

// MeshCapacity is the participant bound for mesh rooms. Direct peer-to-peer
// rooms are pairwise in this design; SFU rooms are unbounded.
const MeshCapacity = 2

// Capacity returns the participant bound for the topology, 0 meaning unbounded.
func (t Topology) Capacity() int {
	if t == TopologyMesh {
		return MeshCapacity
	}
	return 0
}

// Room is a named scope of participants. The participant set is owned by the
// room repository; Room values handed out by it are snapshots.
type Room struct {
	ID           RoomID
	Topology     Topology
	Participants []ParticipantID
	CreatedAt    time.Time
}

// Has reports whether id is currently a member.
func (r *Room) Has(id ParticipantID) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Others returns every member except id, preserving join order.
func (r *Room) Others(id ParticipantID) []ParticipantID {
	others := make([]ParticipantID, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p != id {
			others = append(others, p)
		}
	}
	return others
}
