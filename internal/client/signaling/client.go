// Package signaling implements the client end of the signaling channel: one
// websocket connection, a single inbound event queue, and request/response
// correlation for the SFU relay operations.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/pkg/retry"
	"roomlink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	eventBuffer           = 32
)

// Client is a signaling channel client. Events arrive on one queue so the
// negotiation components can process them strictly one at a time.
type Client struct {
	url      string
	retryCfg retry.Config
	logger   *zap.SugaredLogger

	conn    *websocket.Conn
	writeMu sync.Mutex

	id domain.ParticipantID

	events chan *domain.SignalMessage

	pendingMu sync.Mutex
	pending   map[string]chan *domain.SignalMessage

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(url string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		url:      url,
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
		events:   make(chan *domain.SignalMessage, eventBuffer),
		pending:  make(map[string]chan *domain.SignalMessage),
		done:     make(chan struct{}),
	}
}

// Connect dials the signaling server with bounded backoff, waits for the
// assigned participant identifier, and starts the read pump.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := retry.DoWithResult(ctx, c.retryCfg, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		return conn, err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	c.conn = conn

	// The first message assigns our identity.
	var hello domain.SignalMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read connect handshake: %w", err)
	}
	if hello.Type != domain.MsgConnected || hello.UserID == "" {
		conn.Close()
		return fmt.Errorf("unexpected handshake message: %s", hello.Type)
	}
	c.id = hello.UserID
	c.logger.Infow("connected to signaling server", "participant", c.id)

	go c.readPump()
	return nil
}

// ID returns the registry-assigned participant identifier.
func (c *Client) ID() domain.ParticipantID {
	return c.id
}

// Events returns the inbound event queue. The channel closes when the
// connection drops or Close is called.
func (c *Client) Events() <-chan *domain.SignalMessage {
	return c.events
}

func (c *Client) readPump() {
	defer func() {
		c.failPending(fmt.Errorf("signaling connection closed"))
		close(c.events)
	}()

	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infow("signaling read loop ended", "error", err)
			}
			return
		}

		// Errors raised before an operation dispatches come back as error
		// messages but still carry the request id.
		if msg.RequestID != "" && (msg.Type == domain.MsgResponse || msg.Type == domain.MsgError) {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.RequestID]
			delete(c.pending, msg.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		select {
		case c.events <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &domain.SignalMessage{Type: domain.MsgResponse, RequestID: id, Error: err.Error()}
		delete(c.pending, id)
	}
}

func (c *Client) send(msg *domain.SignalMessage) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// request sends a relay operation and waits for the correlated response.
func (c *Client) request(ctx context.Context, msg *domain.SignalMessage) (*domain.SignalMessage, error) {
	msg.RequestID = utils.GenerateRequestID()

	ch := make(chan *domain.SignalMessage, 1)
	c.pendingMu.Lock()
	c.pending[msg.RequestID] = ch
	c.pendingMu.Unlock()

	if err := c.send(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s failed: %s", msg.Type, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("signaling connection closed")
	}
}

func (c *Client) CreateRoom(roomID domain.RoomID, topology domain.Topology) error {
	return c.send(&domain.SignalMessage{
		Type:    domain.MsgCreateRoom,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.CreateRoomPayload{RoomID: roomID, Topology: topology}),
	})
}

func (c *Client) JoinRoom(roomID domain.RoomID) error {
	return c.send(&domain.SignalMessage{
		Type:    domain.MsgJoinRoom,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.JoinRoomPayload{RoomID: roomID}),
	})
}

func (c *Client) LeaveRoom(roomID domain.RoomID) error {
	return c.send(&domain.SignalMessage{
		Type:   domain.MsgLeaveRoom,
		RoomID: roomID,
	})
}

func (c *Client) SendOffer(roomID domain.RoomID, target domain.ParticipantID, offer domain.SessionDescription) error {
	return c.send(&domain.SignalMessage{
		Type:    domain.MsgOffer,
		RoomID:  roomID,
		Target:  target,
		Payload: domain.MarshalPayload(domain.OfferPayload{Offer: offer}),
	})
}

func (c *Client) SendAnswer(roomID domain.RoomID, target domain.ParticipantID, answer domain.SessionDescription) error {
	return c.send(&domain.SignalMessage{
		Type:    domain.MsgAnswer,
		RoomID:  roomID,
		Target:  target,
		Payload: domain.MarshalPayload(domain.AnswerPayload{Answer: answer}),
	})
}

func (c *Client) SendCandidate(roomID domain.RoomID, target domain.ParticipantID, candidate domain.ICECandidate) error {
	return c.send(&domain.SignalMessage{
		Type:    domain.MsgICECandidate,
		RoomID:  roomID,
		Target:  target,
		Payload: domain.MarshalPayload(domain.ICECandidatePayload{Candidate: candidate}),
	})
}

func (c *Client) GetRouterCapabilities(ctx context.Context, roomID domain.RoomID) (json.RawMessage, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{Type: domain.MsgGetRouterCapabilities, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	var payload struct {
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid router capabilities response: %w", err)
	}
	return payload.RTPCapabilities, nil
}

func (c *Client) CreateTransport(ctx context.Context, roomID domain.RoomID, direction string) (*domain.TransportInfo, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{
		Type:    domain.MsgCreateTransport,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(map[string]string{"direction": direction}),
	})
	if err != nil {
		return nil, err
	}
	var info domain.TransportInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, fmt.Errorf("invalid transport response: %w", err)
	}
	return &info, nil
}

func (c *Client) ConnectTransport(ctx context.Context, roomID domain.RoomID, transportID string, dtls json.RawMessage) (json.RawMessage, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{
		Type:    domain.MsgConnectTransport,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.ConnectTransportPayload{TransportID: transportID, DTLS: dtls}),
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) Produce(ctx context.Context, roomID domain.RoomID, transportID string, kind domain.MediaKind, rtp json.RawMessage) (string, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{
		Type:    domain.MsgProduce,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.ProducePayload{TransportID: transportID, Kind: string(kind), RTP: rtp}),
	})
	if err != nil {
		return "", err
	}
	var result domain.ProduceResponse
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return "", fmt.Errorf("invalid produce response: %w", err)
	}
	return result.ProducerID, nil
}

func (c *Client) Consume(ctx context.Context, roomID domain.RoomID, transportID, producerID string, capabilities json.RawMessage) (*domain.ConsumerParameters, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{
		Type:   domain.MsgConsume,
		RoomID: roomID,
		Payload: domain.MarshalPayload(domain.ConsumePayload{
			TransportID:  transportID,
			ProducerID:   producerID,
			Capabilities: capabilities,
		}),
	})
	if err != nil {
		return nil, err
	}
	var params domain.ConsumerParameters
	if err := json.Unmarshal(resp.Payload, &params); err != nil {
		return nil, fmt.Errorf("invalid consume response: %w", err)
	}
	return &params, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, roomID domain.RoomID, consumerID string) error {
	_, err := c.request(ctx, &domain.SignalMessage{
		Type:    domain.MsgResumeConsumer,
		RoomID:  roomID,
		Payload: domain.MarshalPayload(domain.ResumeConsumerPayload{ConsumerID: consumerID}),
	})
	return err
}

func (c *Client) GetProducers(ctx context.Context, roomID domain.RoomID) ([]domain.ProducerInfo, error) {
	resp, err := c.request(ctx, &domain.SignalMessage{Type: domain.MsgGetProducers, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	var payload domain.ProducerListPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid producer list response: %w", err)
	}
	return payload.Producers, nil
}

// Close shuts the channel down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
	})
	return nil
}
