// Package relay implements the client session orchestrator for relayed rooms:
// device loading, send/receive transport setup, producing local tracks and
// consuming every remote producer through the selective forwarder.
package relay

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

const (
	directionSend = "send"
	directionRecv = "recv"
)

// API is the slice of the signaling client the orchestrator needs.
type API interface {
	GetRouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, direction string) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID string, dtls json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, roomID domain.RoomID, transportID string, kind domain.MediaKind, rtp json.RawMessage) (string, error)
	Consume(ctx context.Context, roomID domain.RoomID, transportID, producerID string, capabilities json.RawMessage) (*domain.ConsumerParameters, error)
	ResumeConsumer(ctx context.Context, roomID domain.RoomID, consumerID string) error
	GetProducers(ctx context.Context, roomID domain.RoomID) ([]domain.ProducerInfo, error)
	LeaveRoom(roomID domain.RoomID) error
}

// Orchestrator drives one relayed session. Signaling events arrive on a single
// queue; transport state callbacks are the only concurrent entry points.
type Orchestrator struct {
	roomID domain.RoomID
	api    API
	device ports.RelayDevice
	logger *zap.SugaredLogger

	streams *media.StreamSet

	onRemoteStream func(participant domain.ParticipantID, stream *media.Stream)
	onStatusChange func(status domain.ConnectionStatus)

	mu            sync.Mutex
	sendTransport ports.RelayTransport
	recvTransport ports.RelayTransport
	producers     map[string]ports.RelayProducer
	consumers     map[string]ports.RelayConsumer
	// consumerByProducer dedups repeated newProducer notifications.
	consumerByProducer map[string]string
	// consumersByPeer maps a participant to its consumer ids so a departure
	// tears down exactly that participant's consumers.
	consumersByPeer map[domain.ParticipantID][]string
	peerByConsumer  map[string]domain.ParticipantID
	status          domain.ConnectionStatus
	transportStatus map[string]domain.ConnectionStatus
	closed          bool
}

func NewOrchestrator(roomID domain.RoomID, api API, device ports.RelayDevice, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		roomID:             roomID,
		api:                api,
		device:             device,
		logger:             logger,
		streams:            media.NewStreamSet(),
		producers:          make(map[string]ports.RelayProducer),
		consumers:          make(map[string]ports.RelayConsumer),
		consumerByProducer: make(map[string]string),
		consumersByPeer:    make(map[domain.ParticipantID][]string),
		peerByConsumer:     make(map[string]domain.ParticipantID),
		status:             domain.StatusIdle,
		transportStatus:    make(map[string]domain.ConnectionStatus),
	}
}

func (o *Orchestrator) OnRemoteStream(fn func(participant domain.ParticipantID, stream *media.Stream)) {
	o.onRemoteStream = fn
}

func (o *Orchestrator) OnStatusChange(fn func(status domain.ConnectionStatus)) {
	o.onStatusChange = fn
}

func (o *Orchestrator) Streams() *media.StreamSet {
	return o.streams
}

func (o *Orchestrator) Status() domain.ConnectionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Setup performs the relay handshake in order: load the device from the
// router capabilities, open both transports, publish the local tracks and
// consume every producer already active in the room. Local media is mandatory.
func (o *Orchestrator) Setup(ctx context.Context, localTracks []media.Track) error {
	if len(localTracks) == 0 {
		return fmt.Errorf("local media required before joining relay: %w", domain.ErrNegotiationFailed)
	}

	o.setStatus(domain.StatusConnecting)

	if !o.device.Loaded() {
		capabilities, err := o.api.GetRouterCapabilities(ctx, o.roomID)
		if err != nil {
			o.setStatus(domain.StatusFailed)
			return fmt.Errorf("fetch router capabilities: %w", err)
		}
		if err := o.device.Load(capabilities); err != nil {
			o.setStatus(domain.StatusFailed)
			return fmt.Errorf("load device: %w", err)
		}
	}

	send, err := o.openTransport(ctx, directionSend)
	if err != nil {
		o.setStatus(domain.StatusFailed)
		return err
	}
	recv, err := o.openTransport(ctx, directionRecv)
	if err != nil {
		send.Close()
		o.setStatus(domain.StatusFailed)
		return err
	}

	o.mu.Lock()
	o.sendTransport = send
	o.recvTransport = recv
	o.mu.Unlock()

	for _, track := range localTracks {
		producer, err := send.Produce(ctx, track)
		if err != nil {
			return fmt.Errorf("produce %s track: %w", track.Kind(), err)
		}
		o.mu.Lock()
		o.producers[producer.ID()] = producer
		o.mu.Unlock()
		producer.OnTrackEnded(func() {
			o.removeProducer(producer.ID())
		})
		producer.OnTransportClose(func() {
			o.removeProducer(producer.ID())
		})
		o.logger.Infow("producing track", "room", o.roomID, "producer", producer.ID(), "kind", producer.Kind())
	}

	return o.consumeExisting(ctx)
}

// consumeExisting catches up on producers that were active before we joined.
func (o *Orchestrator) consumeExisting(ctx context.Context) error {
	existing, err := o.api.GetProducers(ctx, o.roomID)
	if err != nil {
		return fmt.Errorf("list producers: %w", err)
	}
	for _, info := range existing {
		if err := o.consume(ctx, info); err != nil {
			o.logger.Errorw("failed to consume existing producer",
				"producer", info.ProducerID, "peer", info.PeerID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) openTransport(ctx context.Context, direction string) (ports.RelayTransport, error) {
	info, err := o.api.CreateTransport(ctx, o.roomID, direction)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", direction, err)
	}

	var transport ports.RelayTransport
	if direction == directionSend {
		transport, err = o.device.CreateSendTransport(info)
	} else {
		transport, err = o.device.CreateRecvTransport(info)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", direction, err)
	}

	transport.OnConnect(func(ctx context.Context, dtls json.RawMessage) (json.RawMessage, error) {
		return o.api.ConnectTransport(ctx, o.roomID, transport.ID(), dtls)
	})
	if direction == directionSend {
		transport.OnProduce(func(ctx context.Context, kind domain.MediaKind, rtp json.RawMessage) (string, error) {
			return o.api.Produce(ctx, o.roomID, transport.ID(), kind, rtp)
		})
	}
	transport.OnStateChange(func(status domain.ConnectionStatus) {
		o.updateTransportStatus(transport.ID(), status)
	})
	return transport, nil
}

// updateTransportStatus folds per-transport statuses into the session status:
// connected when any transport is connected, failed only when all are.
func (o *Orchestrator) updateTransportStatus(transportID string, status domain.ConnectionStatus) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.transportStatus[transportID] = status

	next := o.status
	anyConnected := false
	allFailed := len(o.transportStatus) > 0
	for _, s := range o.transportStatus {
		if s == domain.StatusConnected {
			anyConnected = true
		}
		if s != domain.StatusFailed {
			allFailed = false
		}
	}
	switch {
	case anyConnected:
		next = domain.StatusConnected
	case allFailed:
		next = domain.StatusFailed
	case status == domain.StatusDisconnected && o.status == domain.StatusConnected:
		next = domain.StatusDisconnected
	}
	changed := next != o.status
	o.status = next
	o.mu.Unlock()

	if changed && o.onStatusChange != nil {
		o.onStatusChange(next)
	}
}

func (o *Orchestrator) setStatus(status domain.ConnectionStatus) {
	o.mu.Lock()
	changed := status != o.status
	o.status = status
	o.mu.Unlock()
	if changed && o.onStatusChange != nil {
		o.onStatusChange(status)
	}
}

// Run processes signaling events until the queue closes or the context is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, events <-chan *domain.SignalMessage) error {
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				o.Close()
				return nil
			}
			o.HandleEvent(ctx, msg)
		case <-ctx.Done():
			o.Close()
			return ctx.Err()
		}
	}
}

// HandleEvent dispatches one signaling event.
func (o *Orchestrator) HandleEvent(ctx context.Context, msg *domain.SignalMessage) {
	switch msg.Type {
	case domain.MsgNewProducer:
		var info domain.ProducerInfo
		if err := json.Unmarshal(msg.Payload, &info); err != nil {
			o.logger.Warnw("malformed newProducer payload", "error", err)
			return
		}
		if err := o.consume(ctx, info); err != nil {
			o.logger.Errorw("failed to consume new producer",
				"producer", info.ProducerID, "peer", info.PeerID, "error", err)
		}
	case domain.MsgUserLeft:
		o.handleUserLeft(msg.UserID)
	case domain.MsgUserJoined:
		o.logger.Infow("participant joined", "room", o.roomID, "participant", msg.UserID)
	case domain.MsgError:
		o.logger.Warnw("signaling error", "room", o.roomID, "error", msg.Error)
	default:
		o.logger.Debugw("ignoring signaling event", "type", msg.Type)
	}
}

// consume subscribes to one remote producer: request parameters from the
// relay, build the consumer paused, register it, then resume. Repeat
// notifications for an already-consumed producer are ignored.
func (o *Orchestrator) consume(ctx context.Context, info domain.ProducerInfo) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if _, ok := o.consumerByProducer[info.ProducerID]; ok {
		o.mu.Unlock()
		o.logger.Debugw("already consuming producer", "producer", info.ProducerID)
		return nil
	}
	recv := o.recvTransport
	o.mu.Unlock()

	if recv == nil {
		return domain.ErrTransportNotReady
	}

	params, err := o.api.Consume(ctx, o.roomID, recv.ID(), info.ProducerID, o.device.Capabilities())
	if err != nil {
		return fmt.Errorf("request consumer: %w", err)
	}
	consumer, err := recv.Consume(ctx, params)
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		consumer.Close()
		return domain.ErrSessionClosed
	}
	o.consumers[consumer.ID()] = consumer
	o.consumerByProducer[info.ProducerID] = consumer.ID()
	o.consumersByPeer[info.PeerID] = append(o.consumersByPeer[info.PeerID], consumer.ID())
	o.peerByConsumer[consumer.ID()] = info.PeerID
	o.mu.Unlock()

	consumer.OnTransportClose(func() {
		o.dropConsumer(consumer.ID())
	})

	if err := o.api.ResumeConsumer(ctx, o.roomID, consumer.ID()); err != nil {
		o.dropConsumer(consumer.ID())
		consumer.Close()
		return fmt.Errorf("resume consumer: %w", err)
	}

	stream := o.streams.Upsert(info.PeerID)
	stream.AddTrack(consumer.Track())
	o.logger.Infow("consuming producer",
		"room", o.roomID, "producer", info.ProducerID, "consumer", consumer.ID(),
		"peer", info.PeerID, "kind", consumer.Kind())
	if o.onRemoteStream != nil {
		o.onRemoteStream(info.PeerID, stream)
	}
	return nil
}

// removeProducer deregisters a producer whose source track ended or whose
// transport closed. Repeat invocations are no-ops.
func (o *Orchestrator) removeProducer(producerID string) {
	o.mu.Lock()
	producer, ok := o.producers[producerID]
	if ok {
		delete(o.producers, producerID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if !producer.Closed() {
		producer.Close()
	}
	o.logger.Infow("producer removed", "room", o.roomID, "producer", producerID)
}

// dropConsumer removes one consumer from every index.
func (o *Orchestrator) dropConsumer(consumerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	consumer, ok := o.consumers[consumerID]
	if !ok {
		return
	}
	delete(o.consumers, consumerID)
	delete(o.consumerByProducer, consumer.ProducerID())
	if peer, ok := o.peerByConsumer[consumerID]; ok {
		delete(o.peerByConsumer, consumerID)
		ids := o.consumersByPeer[peer]
		for i, id := range ids {
			if id == consumerID {
				o.consumersByPeer[peer] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(o.consumersByPeer[peer]) == 0 {
			delete(o.consumersByPeer, peer)
		}
	}
}

// handleUserLeft closes exactly the departed participant's consumers and
// removes its stream. Other participants are untouched.
func (o *Orchestrator) handleUserLeft(peer domain.ParticipantID) {
	o.mu.Lock()
	ids := o.consumersByPeer[peer]
	toClose := make([]ports.RelayConsumer, 0, len(ids))
	for _, id := range ids {
		if consumer, ok := o.consumers[id]; ok {
			toClose = append(toClose, consumer)
			delete(o.consumers, id)
			delete(o.consumerByProducer, consumer.ProducerID())
			delete(o.peerByConsumer, id)
		}
	}
	delete(o.consumersByPeer, peer)
	o.mu.Unlock()

	for _, consumer := range toClose {
		if !consumer.Closed() {
			consumer.Close()
		}
	}
	o.streams.Remove(peer)
	o.logger.Infow("participant left", "room", o.roomID, "participant", peer)
}

// Close tears down producers, consumers and transports, then leaves the room.
// Safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	producers := make([]ports.RelayProducer, 0, len(o.producers))
	for _, p := range o.producers {
		producers = append(producers, p)
	}
	consumers := make([]ports.RelayConsumer, 0, len(o.consumers))
	for _, c := range o.consumers {
		consumers = append(consumers, c)
	}
	send, recv := o.sendTransport, o.recvTransport
	o.producers = make(map[string]ports.RelayProducer)
	o.consumers = make(map[string]ports.RelayConsumer)
	o.consumerByProducer = make(map[string]string)
	o.consumersByPeer = make(map[domain.ParticipantID][]string)
	o.peerByConsumer = make(map[string]domain.ParticipantID)
	o.status = domain.StatusDisconnected
	o.mu.Unlock()

	for _, p := range producers {
		if !p.Closed() {
			p.Close()
		}
	}
	for _, c := range consumers {
		if !c.Closed() {
			c.Close()
		}
	}
	if send != nil && !send.Closed() {
		send.Close()
	}
	if recv != nil && !recv.Closed() {
		recv.Close()
	}

	o.streams.Clear()
	if err := o.api.LeaveRoom(o.roomID); err != nil {
		o.logger.Debugw("leave notification failed", "room", o.roomID, "error", err)
	}
	if o.onStatusChange != nil {
		o.onStatusChange(domain.StatusDisconnected)
	}
	return nil
}
