package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomExists          = errors.New("room already exists")
	ErrRoomFull            = errors.New("room is full")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyJoined       = errors.New("participant already in room")
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrCapabilityMismatch  = errors.New("capability mismatch")
	ErrSessionClosed       = errors.New("session closed")
	ErrTransportNotReady   = errors.New("transport not ready")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
)
