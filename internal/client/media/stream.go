// Package media models local and remote media at the level the negotiation
// core needs: tracks, per-participant aggregate streams and the keyed
// collection of remote streams surfaced to the caller. Capture devices and
// codecs live behind the transport capability, not here.
package media

import (
	"sync"

	"roomlink/internal/core/domain"
)

// Track is one audio or video track, as the transport capability defines it.
type Track = domain.Track

// StaticTrack is a plain track value, used for local capture handles and in
// tests.
type StaticTrack struct {
	TrackID   string
	TrackKind domain.MediaKind
}

func (t StaticTrack) ID() string             { return t.TrackID }
func (t StaticTrack) Kind() domain.MediaKind { return t.TrackKind }

// Stream is the aggregate of currently-known tracks for one participant.
// Partial arrival (audio before video) is a normal transient state.
type Stream struct {
	Participant domain.ParticipantID

	mu     sync.Mutex
	tracks []Track
}

func NewStream(participant domain.ParticipantID) *Stream {
	return &Stream{Participant: participant}
}

// AddTrack appends t unless a track with the same id is already present.
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *Stream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Tracks returns a snapshot in arrival order.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// StreamSet is the remote stream collection: participant id -> aggregate
// stream. Safe for concurrent use.
type StreamSet struct {
	mu      sync.RWMutex
	streams map[domain.ParticipantID]*Stream
}

func NewStreamSet() *StreamSet {
	return &StreamSet{streams: make(map[domain.ParticipantID]*Stream)}
}

// Upsert returns the stream for participant, creating it on first use.
func (ss *StreamSet) Upsert(participant domain.ParticipantID) *Stream {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.streams[participant]
	if !ok {
		s = NewStream(participant)
		ss.streams[participant] = s
	}
	return s
}

// Replace installs stream for participant, superseding any previous one.
func (ss *StreamSet) Replace(participant domain.ParticipantID, stream *Stream) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.streams[participant] = stream
}

func (ss *StreamSet) Get(participant domain.ParticipantID) (*Stream, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.streams[participant]
	return s, ok
}

func (ss *StreamSet) Remove(participant domain.ParticipantID) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.streams, participant)
}

func (ss *StreamSet) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.streams)
}

// Clear removes every entry.
func (ss *StreamSet) Clear() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.streams = make(map[domain.ParticipantID]*Stream)
}

// Participants returns the ids currently present.
func (ss *StreamSet) Participants() []domain.ParticipantID {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	ids := make([]domain.ParticipantID, 0, len(ss.streams))
	for id := range ss.streams {
		ids = append(ids, id)
	}
	return ids
}
