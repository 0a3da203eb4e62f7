package ports

import (
	"context"
	"encoding/json"

	"roomlink/internal/core/domain"
)

// PeerTransport is the opaque per-connection transport capability used by the
// mesh negotiation engine: description and candidate operations plus
// asynchronous track/state notifications. One instance per remote peer,
// exclusively owned by its peer session.
type PeerTransport interface {
	// CreateOffer requests a local description of kind "offer" with
	// receive-audio/receive-video affirmed.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error

	AddTrack(track domain.Track) error

	// OnTrack fires when a remote track arrives; the engine aggregates
	// tracks into the per-peer remote stream.
	OnTrack(fn func(track domain.Track))
	// OnICECandidate fires for each locally gathered candidate.
	OnICECandidate(fn func(candidate domain.ICECandidate))
	// OnStateChange reports connected/failed transitions.
	OnStateChange(fn func(state domain.SessionState))

	Close() error
}

// PeerTransportFactory mints transports. The pion implementation lives in
// infrastructure; tests supply fakes.
type PeerTransportFactory interface {
	NewPeerTransport(ctx context.Context) (PeerTransport, error)
}

// RelayDevice is the client half of the selective-forwarding capability:
// it is loaded once with the router's capabilities (immutable afterward) and
// mints at most one send and one receive transport.
type RelayDevice interface {
	// Load initializes the device from the router capabilities. Returns
	// domain.ErrCapabilityMismatch when they are malformed or unsupported.
	Load(routerCapabilities json.RawMessage) error
	Loaded() bool
	// Capabilities returns the negotiated device capabilities for
	// compatibility checks during consume.
	Capabilities() json.RawMessage

	CreateSendTransport(info *domain.TransportInfo) (RelayTransport, error)
	CreateRecvTransport(info *domain.TransportInfo) (RelayTransport, error)
}

// RelayTransport is one directional transport bound to relay-side parameters.
// The orchestrator wires the three callbacks before first use.
type RelayTransport interface {
	ID() string

	// OnConnect installs the connection-establishment exchange. It is
	// invoked once, before the transport becomes usable; its error is
	// fatal to this transport only.
	OnConnect(fn func(ctx context.Context, dtls json.RawMessage) (json.RawMessage, error))
	// OnProduce installs the producer registration exchange (send
	// transport only); fn returns the relay-assigned producer id.
	OnProduce(fn func(ctx context.Context, kind domain.MediaKind, rtp json.RawMessage) (string, error))
	OnStateChange(fn func(status domain.ConnectionStatus))

	// Produce begins sending track through the relay.
	Produce(ctx context.Context, track domain.Track) (RelayProducer, error)
	// Consume constructs a consumer from relay-issued parameters. The
	// consumer starts paused; the orchestrator resumes it via the relay
	// service after bookkeeping.
	Consume(ctx context.Context, params *domain.ConsumerParameters) (RelayConsumer, error)

	Close() error
	Closed() bool
}

// RelayProducer is one outbound media source registered with the relay.
type RelayProducer interface {
	ID() string
	Kind() domain.MediaKind
	OnTrackEnded(fn func())
	OnTransportClose(fn func())
	Close() error
	Closed() bool
}

// RelayConsumer is one inbound media source delivered by the relay.
type RelayConsumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Track() domain.Track
	OnTransportClose(fn func())
	Close() error
	Closed() bool
}
