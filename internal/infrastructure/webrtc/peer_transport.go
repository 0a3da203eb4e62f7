// Package webrtc provides the pion-backed peer transport used by the mesh
// negotiation engine.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"roomlink/internal/client/media"
	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Factory mints peer transports sharing one ICE server configuration.
type Factory struct {
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewFactory(iceServers []string, logger *zap.SugaredLogger) *Factory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{config: cfg, logger: logger}
}

func (f *Factory) NewPeerTransport(ctx context.Context) (ports.PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &peerTransport{pc: pc, logger: f.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(&remoteTrack{remote: remote})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onStateChange
		t.mu.Unlock()
		if fn == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(domain.SessionConnected)
		case webrtc.PeerConnectionStateFailed:
			fn(domain.SessionFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(domain.SessionClosed)
		}
	})

	return t, nil
}

var _ ports.PeerTransportFactory = (*Factory)(nil)

type peerTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu            sync.Mutex
	onCandidate   func(candidate domain.ICECandidate)
	onTrack       func(track media.Track)
	onStateChange func(state domain.SessionState)
}

func (t *peerTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *peerTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *peerTransport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *peerTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (t *peerTransport) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

// AddTrack attaches a local track. Tracks created by NewLocalTrack carry their
// pion handle; anything else gets a fresh RTP track with the same identity.
func (t *peerTransport) AddTrack(track media.Track) error {
	var local webrtc.TrackLocal
	if lt, ok := track.(*LocalTrack); ok {
		local = lt.track
	} else {
		fresh, err := newStaticRTPTrack(track.Kind(), track.ID())
		if err != nil {
			return err
		}
		local = fresh
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	// Drain sender RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *peerTransport) OnTrack(fn func(track media.Track)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *peerTransport) OnICECandidate(fn func(candidate domain.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *peerTransport) OnStateChange(fn func(state domain.SessionState)) {
	t.mu.Lock()
	t.onStateChange = fn
	t.mu.Unlock()
}

func (t *peerTransport) Close() error {
	return t.pc.Close()
}

// LocalTrack is an application-fed RTP track for sending over a peer
// transport.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticRTP
	kind  domain.MediaKind
}

func NewLocalTrack(kind domain.MediaKind, id string) (*LocalTrack, error) {
	track, err := newStaticRTPTrack(kind, id)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{track: track, kind: kind}, nil
}

func (t *LocalTrack) ID() string             { return t.track.ID() }
func (t *LocalTrack) Kind() domain.MediaKind { return t.kind }

// WriteRTP feeds one packet into the track.
func (t *LocalTrack) WriteRTP(packet *rtp.Packet) error {
	return t.track.WriteRTP(packet)
}

func newStaticRTPTrack(kind domain.MediaKind, id string) (*webrtc.TrackLocalStaticRTP, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case domain.KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case domain.KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	return track, nil
}

type remoteTrack struct {
	remote *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() domain.MediaKind {
	if t.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

// Remote exposes the underlying pion track for packet reads.
func (t *remoteTrack) Remote() *webrtc.TrackRemote { return t.remote }
