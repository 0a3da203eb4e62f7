package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the relay's WebRTC settings.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// routerCapabilities is the blob handed to devices by getRouterRtpCapabilities.
type routerCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

type codecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

var supportedCodecs = routerCapabilities{
	Codecs: []codecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	},
}

// Relay is the selective-forwarding backend behind ports.MediaRelay: one
// router per room, one peer connection per transport, RTP fan-out from each
// producer to its per-consumer local tracks.
type Relay struct {
	config Config

	mu      sync.RWMutex
	routers map[domain.RoomID]*router

	logger *zap.SugaredLogger
}

type router struct {
	mu         sync.RWMutex
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

type transport struct {
	id          string
	participant domain.ParticipantID
	direction   string
	pc          *webrtc.PeerConnection
}

type producer struct {
	id          string
	participant domain.ParticipantID
	transportID string
	kind        domain.MediaKind

	mu     sync.RWMutex
	closed bool
	// consumer tracks fed by this producer's forward loop
	sinks map[string]*consumerSink
}

type consumerSink struct {
	track  *webrtc.TrackLocalStaticRTP
	paused bool
}

type consumer struct {
	id          string
	producerID  string
	participant domain.ParticipantID
	transportID string
	kind        domain.MediaKind
	sender      *webrtc.RTPSender
}

const (
	directionSend = "send"
	directionRecv = "recv"
)

func NewRelay(config Config, logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		config:  config,
		routers: make(map[domain.RoomID]*router),
		logger:  logger,
	}
}

func (r *Relay) router(roomID domain.RoomID) *router {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routers[roomID]
	if !ok {
		rt = &router{
			transports: make(map[string]*transport),
			producers:  make(map[string]*producer),
			consumers:  make(map[string]*consumer),
		}
		r.routers[roomID] = rt
	}
	return rt
}

func (r *Relay) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error) {
	return json.Marshal(supportedCodecs)
}

func (r *Relay) CreateTransport(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, direction string) (*domain.TransportInfo, error) {
	if direction != directionSend && direction != directionRecv {
		return nil, fmt.Errorf("unknown transport direction: %q", direction)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: r.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		id:          utils.GenerateTransportID(),
		participant: participant,
		direction:   direction,
		pc:          pc,
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		r.logger.Debugw("transport ICE state changed",
			"room_id", roomID,
			"transport_id", t.id,
			"state", state.String(),
		)
	})

	if direction == directionSend {
		pc.OnTrack(r.handleIncomingTrack(roomID, t))
	}

	rt := r.router(roomID)
	rt.mu.Lock()
	rt.transports[t.id] = t
	rt.mu.Unlock()

	r.logger.Infow("transport created",
		"room_id", roomID,
		"participant", participant,
		"transport_id", t.id,
		"direction", direction,
	)

	return &domain.TransportInfo{TransportID: t.id, Direction: direction}, nil
}

// ConnectTransport completes the connection-establishment exchange: the
// client's blob carries its offer, the returned blob carries our answer.
func (r *Relay) ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID string, dtls json.RawMessage) (json.RawMessage, error) {
	rt := r.router(roomID)
	rt.mu.RLock()
	t, ok := rt.transports[transportID]
	rt.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTransportNotReady
	}

	var params struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(dtls, &params); err != nil {
		return nil, fmt.Errorf("invalid transport parameters: %w", err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: params.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := t.pc.LocalDescription()
	return json.Marshal(map[string]string{"sdp": local.SDP})
}

func (r *Relay) Produce(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, transportID string, kind domain.MediaKind, rtpParams json.RawMessage) (string, error) {
	rt := r.router(roomID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	t, ok := rt.transports[transportID]
	if !ok || t.direction != directionSend {
		return "", domain.ErrTransportNotReady
	}
	if t.participant != participant {
		return "", fmt.Errorf("transport %s is not owned by %s", transportID, participant)
	}

	p := &producer{
		id:          utils.GenerateProducerID(),
		participant: participant,
		transportID: transportID,
		kind:        kind,
		sinks:       make(map[string]*consumerSink),
	}
	rt.producers[p.id] = p

	r.logger.Infow("producer registered",
		"room_id", roomID,
		"participant", participant,
		"producer_id", p.id,
		"kind", kind,
	)
	return p.id, nil
}

// handleIncomingTrack binds an arriving remote track to the registered
// producer of the same kind on this transport, then runs the forward loop.
func (r *Relay) handleIncomingTrack(roomID domain.RoomID, t *transport) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := r.router(roomID)

		rt.mu.RLock()
		var p *producer
		for _, candidate := range rt.producers {
			if candidate.transportID == t.id && string(candidate.kind) == remote.Kind().String() {
				p = candidate
				break
			}
		}
		rt.mu.RUnlock()

		if p == nil {
			r.logger.Warnw("no producer registered for incoming track",
				"room_id", roomID,
				"transport_id", t.id,
				"kind", remote.Kind().String(),
			)
			return
		}

		if strings.HasPrefix(remote.Codec().MimeType, "video") {
			go r.sendPLI(t.pc, remote)
		}
		go r.forward(roomID, p, remote)
	}
}

// sendPLI periodically requests keyframes so late consumers can render.
func (r *Relay) sendPLI(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// forward copies RTP from the producer's remote track into every unpaused
// consumer sink.
func (r *Relay) forward(roomID domain.RoomID, p *producer, remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if err != io.EOF {
				r.logger.Debugw("producer track read ended",
					"room_id", roomID,
					"producer_id", p.id,
					"error", err,
				)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		for _, sink := range p.sinks {
			if sink.paused {
				continue
			}
			if err := sink.track.WriteRTP(&pkt); err != nil && err != io.ErrClosedPipe {
				r.logger.Debugw("failed to forward packet", "producer_id", p.id, "error", err)
			}
		}
		p.mu.RUnlock()
	}
}

func (r *Relay) Consume(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID, transportID, producerID string, capabilities json.RawMessage) (*domain.ConsumerParameters, error) {
	rt := r.router(roomID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	t, ok := rt.transports[transportID]
	if !ok || t.direction != directionRecv {
		return nil, domain.ErrTransportNotReady
	}
	p, ok := rt.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	if err := checkCapabilities(capabilities, p.kind); err != nil {
		return nil, err
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if p.kind == domain.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}

	consumerID := utils.GenerateConsumerID()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, consumerID, string(p.participant))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer track: %w", err)
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add consumer track: %w", err)
	}

	// Discard RTCP destined for the consumer; keeps the interceptor happy.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &consumer{
		id:          consumerID,
		producerID:  producerID,
		participant: participant,
		transportID: transportID,
		kind:        p.kind,
		sender:      sender,
	}
	rt.consumers[c.id] = c

	// Consumers start paused; media flows after resumeConsumer.
	p.mu.Lock()
	p.sinks[c.id] = &consumerSink{track: local, paused: true}
	p.mu.Unlock()

	r.logger.Infow("consumer created",
		"room_id", roomID,
		"participant", participant,
		"consumer_id", c.id,
		"producer_id", producerID,
		"kind", p.kind,
	)

	rtpParams, _ := json.Marshal(map[string]interface{}{
		"mimeType": codec.MimeType,
		"trackId":  consumerID,
	})
	return &domain.ConsumerParameters{
		ConsumerID: c.id,
		ProducerID: producerID,
		Kind:       string(p.kind),
		RTP:        rtpParams,
	}, nil
}

func checkCapabilities(capabilities json.RawMessage, kind domain.MediaKind) error {
	if len(capabilities) == 0 {
		return nil
	}
	var caps routerCapabilities
	if err := json.Unmarshal(capabilities, &caps); err != nil {
		return domain.ErrCapabilityMismatch
	}
	want := "audio/"
	if kind == domain.KindVideo {
		want = "video/"
	}
	for _, c := range caps.Codecs {
		if strings.HasPrefix(strings.ToLower(c.MimeType), want) {
			return nil
		}
	}
	return domain.ErrCapabilityMismatch
}

func (r *Relay) ResumeConsumer(ctx context.Context, roomID domain.RoomID, consumerID string) error {
	rt := r.router(roomID)
	rt.mu.RLock()
	c, ok := rt.consumers[consumerID]
	if !ok {
		rt.mu.RUnlock()
		return domain.ErrConsumerNotFound
	}
	p, pok := rt.producers[c.producerID]
	rt.mu.RUnlock()
	if !pok {
		return domain.ErrProducerNotFound
	}

	p.mu.Lock()
	if sink, ok := p.sinks[consumerID]; ok {
		sink.paused = false
	}
	p.mu.Unlock()
	return nil
}

func (r *Relay) Producers(ctx context.Context, roomID domain.RoomID, exclude domain.ParticipantID) ([]domain.ProducerInfo, error) {
	rt := r.router(roomID)
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]domain.ProducerInfo, 0, len(rt.producers))
	for _, p := range rt.producers {
		if p.participant == exclude {
			continue
		}
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			continue
		}
		out = append(out, domain.ProducerInfo{
			ProducerID: p.id,
			PeerID:     p.participant,
			Kind:       string(p.kind),
		})
	}
	return out, nil
}

// CloseParticipant tears down every transport, producer and consumer the
// participant owns in the room. Idempotent.
func (r *Relay) CloseParticipant(ctx context.Context, roomID domain.RoomID, participant domain.ParticipantID) error {
	r.mu.RLock()
	rt, ok := r.routers[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rt.mu.Lock()
	for id, p := range rt.producers {
		if p.participant != participant {
			continue
		}
		p.mu.Lock()
		p.closed = true
		p.sinks = make(map[string]*consumerSink)
		p.mu.Unlock()
		delete(rt.producers, id)
	}
	for id, c := range rt.consumers {
		if c.participant != participant {
			// Detach this participant's sinks from departed producers.
			continue
		}
		if p, ok := rt.producers[c.producerID]; ok {
			p.mu.Lock()
			delete(p.sinks, c.id)
			p.mu.Unlock()
		}
		delete(rt.consumers, id)
	}
	var pcs []*webrtc.PeerConnection
	for id, t := range rt.transports {
		if t.participant != participant {
			continue
		}
		pcs = append(pcs, t.pc)
		delete(rt.transports, id)
	}
	empty := len(rt.transports) == 0 && len(rt.producers) == 0
	rt.mu.Unlock()

	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			r.logger.Debugw("error closing transport", "participant", participant, "error", err)
		}
	}

	if empty {
		r.mu.Lock()
		delete(r.routers, roomID)
		r.mu.Unlock()
	}

	r.logger.Infow("participant media closed", "room_id", roomID, "participant", participant)
	return nil
}

var _ ports.MediaRelay = (*Relay)(nil)
