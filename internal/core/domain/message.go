package domain

import "encoding/json"

// MessageType identifies a signaling message on the wire.
type MessageType string

// Room lifecycle and negotiation relay messages.
const (
	// MsgConnected delivers the registry-assigned participant identifier
	// right after the signaling channel opens.
	MsgConnected    MessageType = "connected"
	MsgCreateRoom   MessageType = "create-room"
	MsgJoinRoom     MessageType = "join-room"
	MsgLeaveRoom    MessageType = "leave-room"
	MsgRoomCreated  MessageType = "room-created"
	MsgRoomJoined   MessageType = "room-joined"
	MsgRoomFull     MessageType = "room-full"
	MsgUserJoined   MessageType = "user-joined"
	MsgUserLeft     MessageType = "user-left"
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"
	MsgError        MessageType = "error"
)

// SFU relay request/response operations carried over the same channel.
// Requests carry a request_id; the matching response echoes it.
const (
	MsgGetRouterCapabilities MessageType = "getRouterRtpCapabilities"
	MsgCreateTransport       MessageType = "createWebRtcTransport"
	MsgConnectTransport      MessageType = "connectTransport"
	MsgProduce               MessageType = "produce"
	MsgConsume               MessageType = "consume"
	MsgResumeConsumer        MessageType = "resumeConsumer"
	MsgGetProducers          MessageType = "getProducers"
	MsgNewProducer           MessageType = "newProducer"
	MsgResponse              MessageType = "response"
)

// SignalMessage is the envelope for every message on the signaling channel.
// Negotiation payloads (offer/answer/candidate, SFU parameters) are opaque to
// the registry; it only reads the routing fields.
type SignalMessage struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	RoomID    RoomID          `json:"room_id,omitempty"`
	UserID    ParticipantID   `json:"user_id,omitempty"`
	Target    ParticipantID   `json:"target_user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MarshalPayload encodes a payload value for the envelope. Payload types in
// this package marshal without error; a failure yields a null payload.
func MarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

type ConnectedPayload struct {
	UserID ParticipantID `json:"userId"`
}

// CreateRoomPayload names the room and picks its topology; topology defaults
// to mesh when omitted.
type CreateRoomPayload struct {
	RoomID   RoomID   `json:"roomId"`
	Topology Topology `json:"topology,omitempty"`
}

type JoinRoomPayload struct {
	RoomID RoomID `json:"roomId"`
}

type RoomCreatedPayload struct {
	RoomID RoomID `json:"roomId"`
}

// RoomJoinedPayload is the joiner's membership snapshot. Participants excludes
// the joiner itself.
type RoomJoinedPayload struct {
	RoomID       RoomID          `json:"roomId"`
	Participants []ParticipantID `json:"participants"`
}

type UserJoinedPayload struct {
	UserID ParticipantID `json:"userId"`
}

type UserLeftPayload struct {
	UserID ParticipantID `json:"userId"`
}

// SessionDescription mirrors the transport capability's offer/answer value.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OfferPayload struct {
	Offer SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	Answer SessionDescription `json:"answer"`
}

// ICECandidate is a connectivity proposal; order-sensitive relative to the
// description exchange, opaque to the registry.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type ICECandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}

// TransportInfo is returned by createWebRtcTransport. Connection-establishment
// parameters are exchanged later through connectTransport.
type TransportInfo struct {
	TransportID string          `json:"id"`
	Direction   string          `json:"direction"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ConnectTransportPayload struct {
	TransportID string          `json:"transportId"`
	DTLS        json.RawMessage `json:"dtlsParameters"`
}

type ProducePayload struct {
	TransportID string          `json:"transportId"`
	Kind        string          `json:"kind"`
	RTP         json.RawMessage `json:"rtpParameters"`
}

type ProduceResponse struct {
	ProducerID string `json:"id"`
}

type ConsumePayload struct {
	TransportID  string          `json:"transportId"`
	ProducerID   string          `json:"producerId"`
	Capabilities json.RawMessage `json:"rtpCapabilities"`
}

// ConsumerParameters describe a relay-side consumer; consumers start paused
// until resumeConsumer is called.
type ConsumerParameters struct {
	ConsumerID string          `json:"id"`
	ProducerID string          `json:"producerId"`
	Kind       string          `json:"kind"`
	RTP        json.RawMessage `json:"rtpParameters"`
}

type ResumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

// ProducerInfo identifies an active producer for late-joiner catch-up and
// newProducer notifications.
type ProducerInfo struct {
	ProducerID string        `json:"producerId"`
	PeerID     ParticipantID `json:"peerId"`
	Kind       string        `json:"kind"`
}

type ProducerListPayload struct {
	Producers []ProducerInfo `json:"producers"`
}
