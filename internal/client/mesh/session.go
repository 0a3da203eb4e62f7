package mesh

import (
	"context"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
)

// peerSession tracks negotiation with one remote peer: the transport, the
// lifecycle state and the candidate queue. Field access is guarded by the
// engine mutex.
type peerSession struct {
	remote    domain.ParticipantID
	transport ports.PeerTransport
	state     domain.SessionState

	// offerPending is set between sending a local offer and applying the
	// matching answer; an inbound offer during this window is glare.
	offerPending bool

	// remoteSet flips when the remote description is applied; candidates
	// arriving earlier wait in queued and are drained exactly once.
	remoteSet bool
	queued    []domain.ICECandidate
}

func (s *peerSession) queueOrApply(ctx context.Context, candidate domain.ICECandidate) error {
	if !s.remoteSet {
		s.queued = append(s.queued, candidate)
		return nil
	}
	return s.transport.AddICECandidate(ctx, candidate)
}

// drainCandidates applies the queued candidates in arrival order. Called once,
// right after the remote description is set.
func (s *peerSession) drainCandidates(ctx context.Context) error {
	for _, candidate := range s.queued {
		if err := s.transport.AddICECandidate(ctx, candidate); err != nil {
			s.queued = nil
			return err
		}
	}
	s.queued = nil
	return nil
}

func (s *peerSession) close() {
	if s.state == domain.SessionClosed {
		return
	}
	s.state = domain.SessionClosed
	s.queued = nil
	if s.transport != nil {
		s.transport.Close()
	}
}
