package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	apperrors "roomlink/pkg/errors"
	"roomlink/pkg/tracing"
	"roomlink/pkg/utils"
	"roomlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectionMetrics receives connection and relay-operation observations.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	RelayOperation(operation string, err error)
}

// Options tune the websocket server; zero values fall back to defaults.
type Options struct {
	AllowedOrigin     string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64
	Burst             int
}

type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; FIFO per ordered channel
}

func (c *connection) writeJSON(timeout time.Duration, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// WebSocketServer terminates one signaling channel per participant and routes
// messages to the room registry and the media relay. It implements
// ports.MessageSink.
type WebSocketServer struct {
	registry ports.RoomRegistry
	relay    ports.MediaRelay
	metrics  ConnectionMetrics

	upgrader websocket.Upgrader
	opts     Options

	connections map[domain.ParticipantID]*connection
	// participant -> room currently created/joined through this server,
	// used for relay cleanup on disconnect.
	roomOf map[domain.ParticipantID]domain.RoomID
	mu     sync.RWMutex

	logger *zap.SugaredLogger
}

// NewWebSocketServer builds the server. relay and metrics may be nil; relay
// operations then answer with an error.
func NewWebSocketServer(registry ports.RoomRegistry, relay ports.MediaRelay, metrics ConnectionMetrics, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &WebSocketServer{
		registry:    registry,
		relay:       relay,
		metrics:     metrics,
		opts:        opts,
		connections: make(map[domain.ParticipantID]*connection),
		roomOf:      make(map[domain.ParticipantID]domain.RoomID),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == opts.AllowedOrigin
		},
	}
	return s
}

// SetRegistry installs the room registry. The registry takes this server as
// its message sink, so the two are wired after construction.
func (s *WebSocketServer) SetRegistry(registry ports.RoomRegistry) {
	s.registry = registry
}

// Send implements ports.MessageSink.
func (s *WebSocketServer) Send(participant domain.ParticipantID, msg *domain.SignalMessage) error {
	s.mu.RLock()
	c, exists := s.connections[participant]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("participant %s not connected", participant)
	}
	return c.writeJSON(s.opts.WriteTimeout, msg)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The participant identifier is assigned here, at connection time.
	participant := domain.ParticipantID(utils.GenerateParticipantID())

	c := &connection{conn: conn}
	s.mu.Lock()
	s.connections[participant] = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	s.logger.Infow("participant connected", "participant", participant, "remote", r.RemoteAddr)

	c.writeJSON(s.opts.WriteTimeout, &domain.SignalMessage{
		Type:    domain.MsgConnected,
		UserID:  participant,
		Payload: domain.MarshalPayload(domain.ConnectedPayload{UserID: participant}),
	})

	if s.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalMessage, 16)
	errorChan := make(chan error, 1)
	// Closed when the select loop exits so the reader never blocks on a
	// full messageChan after nobody is draining it.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg domain.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.sendError(c, msg.RequestID, apperrors.NewAppError(apperrors.ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests))
				continue
			}
			if err := s.handleMessage(r.Context(), participant, c, &msg); err != nil {
				s.logger.Infow("error handling message", "participant", participant, "type", msg.Type, "error", err)
				s.sendError(c, msg.RequestID, classify(err))
			}

		case <-pingTicker.C:
			c.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "participant", participant, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "participant", participant, "error", err)
			}
			break loop
		}
	}

	s.disconnect(participant)
}

func (s *WebSocketServer) disconnect(participant domain.ParticipantID) {
	s.mu.Lock()
	delete(s.connections, participant)
	roomID, hadRoom := s.roomOf[participant]
	delete(s.roomOf, participant)
	s.mu.Unlock()

	ctx := context.Background()
	if hadRoom && s.relay != nil {
		if err := s.relay.CloseParticipant(ctx, roomID, participant); err != nil {
			s.logger.Debugw("relay cleanup on disconnect failed", "participant", participant, "error", err)
		}
	}
	s.registry.Disconnect(ctx, participant)

	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	s.logger.Infow("participant disconnected", "participant", participant)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, participant domain.ParticipantID, c *connection, msg *domain.SignalMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(participant))
	defer span.End()

	var err error
	switch msg.Type {
	case domain.MsgCreateRoom:
		err = s.handleCreateRoom(ctx, participant, msg)
	case domain.MsgJoinRoom:
		err = s.handleJoinRoom(ctx, participant, msg)
	case domain.MsgLeaveRoom:
		err = s.handleLeaveRoom(ctx, participant, msg)
	case domain.MsgOffer, domain.MsgAnswer:
		err = s.handleDescription(ctx, participant, msg)
	case domain.MsgICECandidate:
		err = s.handleCandidate(ctx, participant, msg)
	case domain.MsgGetRouterCapabilities, domain.MsgCreateTransport, domain.MsgConnectTransport,
		domain.MsgProduce, domain.MsgConsume, domain.MsgResumeConsumer, domain.MsgGetProducers:
		err = s.handleRelayOperation(ctx, participant, c, msg)
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) handleCreateRoom(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) error {
	var payload domain.CreateRoomPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid create-room payload: %w", err)
		}
	}
	if payload.RoomID == "" {
		payload.RoomID = msg.RoomID
	}
	if err := validation.RoomID(string(payload.RoomID)); err != nil {
		return err
	}
	if payload.Topology == "" {
		payload.Topology = domain.TopologyMesh
	}
	if payload.Topology != domain.TopologyMesh && payload.Topology != domain.TopologySFU {
		return fmt.Errorf("unknown topology: %s", payload.Topology)
	}

	if err := s.registry.Create(ctx, payload.RoomID, payload.Topology, participant); err != nil {
		return err
	}

	s.mu.Lock()
	s.roomOf[participant] = payload.RoomID
	s.mu.Unlock()
	return nil
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) error {
	var payload domain.JoinRoomPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid join-room payload: %w", err)
		}
	}
	if payload.RoomID == "" {
		payload.RoomID = msg.RoomID
	}
	if err := validation.RoomID(string(payload.RoomID)); err != nil {
		return err
	}

	err := s.registry.Join(ctx, payload.RoomID, participant)
	if err == domain.ErrRoomFull {
		// room-full is a dedicated rejection, not a generic error.
		s.mu.RLock()
		c := s.connections[participant]
		s.mu.RUnlock()
		if c != nil {
			c.writeJSON(s.opts.WriteTimeout, &domain.SignalMessage{
				Type:   domain.MsgRoomFull,
				RoomID: payload.RoomID,
				Error:  "room is full",
			})
		}
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.roomOf[participant] = payload.RoomID
	s.mu.Unlock()
	return nil
}

func (s *WebSocketServer) handleLeaveRoom(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) error {
	roomID := msg.RoomID
	if roomID == "" {
		var payload domain.JoinRoomPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			roomID = payload.RoomID
		}
	}
	if roomID == "" {
		return fmt.Errorf("leave-room requires a room id")
	}

	if s.relay != nil {
		if err := s.relay.CloseParticipant(ctx, roomID, participant); err != nil {
			s.logger.Debugw("relay cleanup on leave failed", "participant", participant, "error", err)
		}
	}

	s.mu.Lock()
	if s.roomOf[participant] == roomID {
		delete(s.roomOf, participant)
	}
	s.mu.Unlock()

	return s.registry.Leave(ctx, roomID, participant)
}

// handleDescription relays an offer or answer; the payload stays opaque
// beyond a shape check on the SDP.
func (s *WebSocketServer) handleDescription(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) error {
	if msg.RoomID == "" {
		return fmt.Errorf("%s requires a room id", msg.Type)
	}

	var payload struct {
		Offer  *domain.SessionDescription `json:"offer"`
		Answer *domain.SessionDescription `json:"answer"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	desc := payload.Offer
	if desc == nil {
		desc = payload.Answer
	}
	if desc == nil {
		return fmt.Errorf("%s payload missing description", msg.Type)
	}
	if err := validation.SDP(desc.SDP); err != nil {
		return fmt.Errorf("invalid %s: %w", msg.Type, err)
	}

	s.registry.Relay(ctx, msg.RoomID, participant, msg)
	return nil
}

func (s *WebSocketServer) handleCandidate(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) error {
	if msg.RoomID == "" {
		return fmt.Errorf("ice-candidate requires a room id")
	}

	var payload domain.ICECandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ice-candidate payload: %w", err)
	}
	if err := validation.ICECandidate(payload.Candidate.Candidate); err != nil {
		return err
	}

	s.registry.Relay(ctx, msg.RoomID, participant, msg)
	return nil
}

// handleRelayOperation serves SFU request/response operations. The matching
// response echoes the request id; errors travel in the error field.
func (s *WebSocketServer) handleRelayOperation(ctx context.Context, participant domain.ParticipantID, c *connection, msg *domain.SignalMessage) error {
	if s.relay == nil {
		return fmt.Errorf("media relay is not enabled")
	}
	if msg.RoomID == "" {
		return fmt.Errorf("%s requires a room id", msg.Type)
	}

	ctx, span := tracing.TraceRelayOperation(ctx, string(msg.Type), string(msg.RoomID))
	defer span.End()

	result, err := s.dispatchRelayOperation(ctx, participant, msg)
	if s.metrics != nil {
		s.metrics.RelayOperation(string(msg.Type), err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return c.writeJSON(s.opts.WriteTimeout, &domain.SignalMessage{
			Type:      domain.MsgResponse,
			RequestID: msg.RequestID,
			RoomID:    msg.RoomID,
			Error:     err.Error(),
		})
	}

	return c.writeJSON(s.opts.WriteTimeout, &domain.SignalMessage{
		Type:      domain.MsgResponse,
		RequestID: msg.RequestID,
		RoomID:    msg.RoomID,
		Payload:   result,
	})
}

func (s *WebSocketServer) dispatchRelayOperation(ctx context.Context, participant domain.ParticipantID, msg *domain.SignalMessage) (json.RawMessage, error) {
	switch msg.Type {
	case domain.MsgGetRouterCapabilities:
		caps, err := s.relay.RouterCapabilities(ctx, msg.RoomID)
		if err != nil {
			return nil, err
		}
		return domain.MarshalPayload(map[string]json.RawMessage{"rtpCapabilities": caps}), nil

	case domain.MsgCreateTransport:
		var payload struct {
			Direction string `json:"direction"`
		}
		if len(msg.Payload) > 0 {
			json.Unmarshal(msg.Payload, &payload)
		}
		info, err := s.relay.CreateTransport(ctx, msg.RoomID, participant, payload.Direction)
		if err != nil {
			return nil, err
		}
		return domain.MarshalPayload(info), nil

	case domain.MsgConnectTransport:
		var payload domain.ConnectTransportPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid connectTransport payload: %w", err)
		}
		answer, err := s.relay.ConnectTransport(ctx, msg.RoomID, payload.TransportID, payload.DTLS)
		if err != nil {
			return nil, err
		}
		return answer, nil

	case domain.MsgProduce:
		var payload domain.ProducePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid produce payload: %w", err)
		}
		producerID, err := s.relay.Produce(ctx, msg.RoomID, participant, payload.TransportID, domain.MediaKind(payload.Kind), payload.RTP)
		if err != nil {
			return nil, err
		}
		// Everyone else learns about the new producer out-of-band.
		s.registry.Relay(ctx, msg.RoomID, participant, &domain.SignalMessage{
			Type: domain.MsgNewProducer,
			Payload: domain.MarshalPayload(domain.ProducerInfo{
				ProducerID: producerID,
				PeerID:     participant,
				Kind:       payload.Kind,
			}),
		})
		return domain.MarshalPayload(domain.ProduceResponse{ProducerID: producerID}), nil

	case domain.MsgConsume:
		var payload domain.ConsumePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid consume payload: %w", err)
		}
		params, err := s.relay.Consume(ctx, msg.RoomID, participant, payload.TransportID, payload.ProducerID, payload.Capabilities)
		if err != nil {
			return nil, err
		}
		return domain.MarshalPayload(params), nil

	case domain.MsgResumeConsumer:
		var payload domain.ResumeConsumerPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid resumeConsumer payload: %w", err)
		}
		if err := s.relay.ResumeConsumer(ctx, msg.RoomID, payload.ConsumerID); err != nil {
			return nil, err
		}
		return domain.MarshalPayload(map[string]bool{"resumed": true}), nil

	case domain.MsgGetProducers:
		producers, err := s.relay.Producers(ctx, msg.RoomID, participant)
		if err != nil {
			return nil, err
		}
		return domain.MarshalPayload(domain.ProducerListPayload{Producers: producers}), nil
	}

	return nil, fmt.Errorf("unknown relay operation: %s", msg.Type)
}

func (s *WebSocketServer) sendError(c *connection, requestID string, appErr *apperrors.AppError) {
	c.writeJSON(s.opts.WriteTimeout, &domain.SignalMessage{
		Type:      domain.MsgError,
		RequestID: requestID,
		Error:     appErr.Error(),
	})
}

// classify maps an internal error onto its wire classification.
func classify(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.NewNotFoundError("room")
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.NewNotFoundError("participant")
	case errors.Is(err, domain.ErrRoomExists):
		return apperrors.NewAlreadyExistsError("room")
	case errors.Is(err, domain.ErrAlreadyJoined):
		return apperrors.NewAlreadyExistsError("membership")
	case errors.Is(err, domain.ErrRoomFull):
		return apperrors.NewRoomFullError()
	case errors.Is(err, domain.ErrCapabilityMismatch):
		return apperrors.NewCapabilityMismatchError(err.Error())
	case errors.Is(err, domain.ErrNegotiationFailed):
		return apperrors.NewNegotiationError(err.Error(), err)
	default:
		return apperrors.NewInvalidInputError(err.Error())
	}
}

// ConnectedParticipants returns the participants with an open channel.
func (s *WebSocketServer) ConnectedParticipants() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(s.connections))
	for id := range s.connections {
		out = append(out, id)
	}
	return out
}
