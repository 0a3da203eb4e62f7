// Package mesh implements the peer negotiation engine for two-party rooms:
// one peer session per remote participant, offer/answer/candidate exchange
// over the signaling channel and aggregation of remote tracks into streams.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"roomlink/internal/client/media"
	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"go.uber.org/zap"
)

// Signaler is the slice of the signaling client the engine needs.
type Signaler interface {
	SendOffer(roomID domain.RoomID, target domain.ParticipantID, offer domain.SessionDescription) error
	SendAnswer(roomID domain.RoomID, target domain.ParticipantID, answer domain.SessionDescription) error
	SendCandidate(roomID domain.RoomID, target domain.ParticipantID, candidate domain.ICECandidate) error
	LeaveRoom(roomID domain.RoomID) error
}

// Engine negotiates direct sessions with every other room participant. It
// consumes signaling events from a single queue, so event handling is strictly
// sequential; transport callbacks are the only concurrent entry points.
type Engine struct {
	roomID      domain.RoomID
	localID     domain.ParticipantID
	signaler    Signaler
	factory     ports.PeerTransportFactory
	localTracks []media.Track
	streams     *media.StreamSet
	logger      *zap.SugaredLogger

	onRemoteStream func(participant domain.ParticipantID, stream *media.Stream)
	onSessionState func(participant domain.ParticipantID, state domain.SessionState)

	mu       sync.Mutex
	sessions map[domain.ParticipantID]*peerSession
	closed   bool
}

// NewEngine builds the engine for one room. Local tracks are mandatory:
// sessions are never attempted without local media to offer.
func NewEngine(
	roomID domain.RoomID,
	localID domain.ParticipantID,
	signaler Signaler,
	factory ports.PeerTransportFactory,
	localTracks []media.Track,
	logger *zap.SugaredLogger,
) (*Engine, error) {
	if len(localTracks) == 0 {
		return nil, fmt.Errorf("local media required before negotiating: %w", domain.ErrNegotiationFailed)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		roomID:      roomID,
		localID:     localID,
		signaler:    signaler,
		factory:     factory,
		localTracks: localTracks,
		streams:     media.NewStreamSet(),
		logger:      logger,
		sessions:    make(map[domain.ParticipantID]*peerSession),
	}, nil
}

// OnRemoteStream registers the remote stream notification. The same stream is
// reported again as further tracks arrive.
func (e *Engine) OnRemoteStream(fn func(participant domain.ParticipantID, stream *media.Stream)) {
	e.onRemoteStream = fn
}

// OnSessionState registers the per-peer state notification.
func (e *Engine) OnSessionState(fn func(participant domain.ParticipantID, state domain.SessionState)) {
	e.onSessionState = fn
}

// Streams exposes the remote stream collection.
func (e *Engine) Streams() *media.StreamSet {
	return e.streams
}

// SessionState returns the current state for a remote peer.
func (e *Engine) SessionState(remote domain.ParticipantID) domain.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[remote]; ok {
		return s.state
	}
	return domain.SessionUninitialized
}

// Run processes signaling events until the queue closes or the context is
// cancelled.
func (e *Engine) Run(ctx context.Context, events <-chan *domain.SignalMessage) error {
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				e.Close()
				return nil
			}
			e.HandleEvent(ctx, msg)
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		}
	}
}

// HandleEvent dispatches one signaling event.
func (e *Engine) HandleEvent(ctx context.Context, msg *domain.SignalMessage) {
	switch msg.Type {
	case domain.MsgRoomCreated:
		e.logger.Infow("room created", "room", msg.RoomID)
	case domain.MsgRoomJoined:
		e.handleRoomJoined(ctx, msg)
	case domain.MsgUserJoined:
		// The joiner initiates toward us; nothing to do until its offer
		// arrives.
		e.logger.Infow("participant joined", "room", e.roomID, "participant", msg.UserID)
	case domain.MsgOffer:
		e.handleOffer(ctx, msg)
	case domain.MsgAnswer:
		e.handleAnswer(ctx, msg)
	case domain.MsgICECandidate:
		e.handleCandidate(ctx, msg)
	case domain.MsgUserLeft:
		e.handleUserLeft(msg.UserID)
	case domain.MsgRoomFull:
		e.logger.Warnw("room is full", "room", msg.RoomID)
	case domain.MsgError:
		e.logger.Warnw("signaling error", "room", e.roomID, "error", msg.Error)
	default:
		e.logger.Debugw("ignoring signaling event", "type", msg.Type)
	}
}

// handleRoomJoined initiates toward every participant already present. As the
// most recent joiner we always hold the initiating role, which avoids glare in
// the common case.
func (e *Engine) handleRoomJoined(ctx context.Context, msg *domain.SignalMessage) {
	var payload domain.RoomJoinedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("malformed room-joined payload", "error", err)
		return
	}
	for _, remote := range payload.Participants {
		if remote == e.localID {
			continue
		}
		if err := e.initiate(ctx, remote); err != nil {
			e.logger.Errorw("failed to initiate session", "remote", remote, "error", err)
		}
	}
}

// initiate creates a session toward remote and sends the offer.
func (e *Engine) initiate(ctx context.Context, remote domain.ParticipantID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrSessionClosed
	}
	if _, ok := e.sessions[remote]; ok {
		return nil
	}

	s, err := e.newSessionLocked(ctx, remote)
	if err != nil {
		return err
	}
	return e.sendOfferLocked(ctx, s)
}

func (e *Engine) sendOfferLocked(ctx context.Context, s *peerSession) error {
	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		return e.failLocked(s, fmt.Errorf("create offer: %w", err))
	}
	if err := s.transport.SetLocalDescription(ctx, offer); err != nil {
		return e.failLocked(s, fmt.Errorf("set local offer: %w", err))
	}
	s.offerPending = true
	e.setStateLocked(s, domain.SessionNegotiating)
	if err := e.signaler.SendOffer(e.roomID, s.remote, offer); err != nil {
		return e.failLocked(s, fmt.Errorf("send offer: %w", err))
	}
	return nil
}

// newSessionLocked mints a transport, attaches the local tracks and wires the
// asynchronous callbacks. Caller holds e.mu.
func (e *Engine) newSessionLocked(ctx context.Context, remote domain.ParticipantID) (*peerSession, error) {
	transport, err := e.factory.NewPeerTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	for _, track := range e.localTracks {
		if err := transport.AddTrack(track); err != nil {
			transport.Close()
			return nil, fmt.Errorf("%w: add track: %v", domain.ErrNegotiationFailed, err)
		}
	}

	s := &peerSession{remote: remote, transport: transport, state: domain.SessionUninitialized}
	e.sessions[remote] = s

	transport.OnICECandidate(func(candidate domain.ICECandidate) {
		if err := e.signaler.SendCandidate(e.roomID, remote, candidate); err != nil {
			e.logger.Debugw("failed to send candidate", "remote", remote, "error", err)
		}
	})
	transport.OnTrack(func(track media.Track) {
		stream := e.streams.Upsert(remote)
		stream.AddTrack(track)
		e.logger.Infow("remote track arrived", "remote", remote, "kind", track.Kind())
		if e.onRemoteStream != nil {
			e.onRemoteStream(remote, stream)
		}
	})
	transport.OnStateChange(func(state domain.SessionState) {
		go e.updateSessionState(remote, state)
	})
	return s, nil
}

func (e *Engine) updateSessionState(remote domain.ParticipantID, state domain.SessionState) {
	e.mu.Lock()
	s, ok := e.sessions[remote]
	if !ok || s.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.setStateLocked(s, state)
	e.mu.Unlock()
}

func (e *Engine) setStateLocked(s *peerSession, state domain.SessionState) {
	if s.state == state {
		return
	}
	s.state = state
	if e.onSessionState != nil {
		e.onSessionState(s.remote, state)
	}
}

// failLocked marks the session failed and returns the wrapped error. The
// transport stays closed; recovery requires a fresh session.
func (e *Engine) failLocked(s *peerSession, err error) error {
	e.logger.Errorw("negotiation failed", "remote", s.remote, "error", err)
	e.setStateLocked(s, domain.SessionFailed)
	s.transport.Close()
	return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
}

// handleOffer answers a remote offer. When both sides offered at once, the
// lexically lower participant id wins: its offer is answered, the other side
// discards its own attempt and answers instead.
func (e *Engine) handleOffer(ctx context.Context, msg *domain.SignalMessage) {
	var payload domain.OfferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("malformed offer payload", "from", msg.UserID, "error", err)
		return
	}
	from := msg.UserID

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	s, ok := e.sessions[from]
	if ok && s.offerPending {
		if e.localID < from {
			// Our offer wins; the remote will answer it.
			e.logger.Debugw("ignoring colliding offer", "from", from)
			return
		}
		// Their offer wins; discard our attempt and start over as the
		// answering side.
		e.logger.Debugw("yielding to colliding offer", "from", from)
		s.close()
		delete(e.sessions, from)
		ok = false
	}
	if !ok {
		var err error
		s, err = e.newSessionLocked(ctx, from)
		if err != nil {
			e.logger.Errorw("failed to create session for offer", "from", from, "error", err)
			return
		}
	}

	if err := s.transport.SetRemoteDescription(ctx, payload.Offer); err != nil {
		e.failLocked(s, fmt.Errorf("set remote offer: %w", err))
		return
	}
	s.remoteSet = true
	if err := s.drainCandidates(ctx); err != nil {
		e.failLocked(s, fmt.Errorf("apply queued candidates: %w", err))
		return
	}

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		e.failLocked(s, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.transport.SetLocalDescription(ctx, answer); err != nil {
		e.failLocked(s, fmt.Errorf("set local answer: %w", err))
		return
	}
	e.setStateLocked(s, domain.SessionNegotiating)
	if err := e.signaler.SendAnswer(e.roomID, from, answer); err != nil {
		e.failLocked(s, fmt.Errorf("send answer: %w", err))
	}
}

func (e *Engine) handleAnswer(ctx context.Context, msg *domain.SignalMessage) {
	var payload domain.AnswerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("malformed answer payload", "from", msg.UserID, "error", err)
		return
	}
	from := msg.UserID

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[from]
	if !ok || !s.offerPending {
		e.logger.Debugw("dropping unexpected answer", "from", from)
		return
	}

	if err := s.transport.SetRemoteDescription(ctx, payload.Answer); err != nil {
		e.failLocked(s, fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.offerPending = false
	s.remoteSet = true
	if err := s.drainCandidates(ctx); err != nil {
		e.failLocked(s, fmt.Errorf("apply queued candidates: %w", err))
	}
}

func (e *Engine) handleCandidate(ctx context.Context, msg *domain.SignalMessage) {
	var payload domain.ICECandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		e.logger.Warnw("malformed candidate payload", "from", msg.UserID, "error", err)
		return
	}
	from := msg.UserID

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[from]
	if !ok || s.state.Terminal() {
		e.logger.Debugw("dropping candidate without session", "from", from)
		return
	}
	if err := s.queueOrApply(ctx, payload.Candidate); err != nil {
		e.logger.Warnw("failed to apply candidate", "from", from, "error", err)
	}
}

func (e *Engine) handleUserLeft(remote domain.ParticipantID) {
	e.mu.Lock()
	if s, ok := e.sessions[remote]; ok {
		s.close()
		delete(e.sessions, remote)
	}
	e.mu.Unlock()
	e.streams.Remove(remote)
	e.logger.Infow("participant left", "room", e.roomID, "participant", remote)
}

// Close tears down every session and leaves the room. Safe to call more than
// once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for remote, s := range e.sessions {
		s.close()
		delete(e.sessions, remote)
	}
	e.mu.Unlock()

	e.streams.Clear()
	if err := e.signaler.LeaveRoom(e.roomID); err != nil {
		e.logger.Debugw("leave notification failed", "room", e.roomID, "error", err)
	}
	return nil
}
