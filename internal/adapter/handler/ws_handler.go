package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/realtime"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

type MessageType string

const (
	// inbound
	MsgSubscribe       MessageType = "subscribe"
	MsgUnsubscribe     MessageType = "unsubscribe"
	MsgUpdateInventory MessageType = "update_inventory"
	MsgPing            MessageType = "ping"

	// outbound
	MsgInventoryUpdate MessageType = "inventory_update"
	MsgSubscribed      MessageType = "subscribed"
	MsgUnsubscribed    MessageType = "unsubscribed"
	MsgPong            MessageType = "pong"
	MsgError           MessageType = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	repliesBuffer  = 16
)

// Envelope is the frame for every message in either direction.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type TopicPayload struct {
	Topic string `json:"topic"`
}

type UpdateInventoryPayload struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type InventoryUpdatePayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Revision  int64  `json:"revision"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type wsClient struct {
	id      realtime.SessionID
	conn    *websocket.Conn
	sink    *realtime.BufferedSink
	replies chan Envelope
}

type messageHandler func(ctx context.Context, c *wsClient, data json.RawMessage) error

// WSHandler serves live sessions. Each connection is a registry session
// subscribed to the topic in the query string (default /inventory).
type WSHandler struct {
	mutations  *service.MutationService
	registry   *realtime.Registry
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	bufferSize int
	dispatch   map[MessageType]messageHandler
}

func NewWSHandler(mutations *service.MutationService, registry *realtime.Registry, bufferSize int, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WSHandler{
		mutations:  mutations,
		registry:   registry,
		logger:     logger,
		bufferSize: bufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.dispatch = map[MessageType]messageHandler{
		MsgSubscribe:       h.onSubscribe,
		MsgUnsubscribe:     h.onUnsubscribe,
		MsgUpdateInventory: h.onUpdateInventory,
		MsgPing:            h.onPing,
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = domain.InventoryTopic
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := realtime.NewBufferedSink(h.bufferSize)
	c := &wsClient{
		id:      h.registry.Connect(sink),
		conn:    conn,
		sink:    sink,
		replies: make(chan Envelope, repliesBuffer),
	}
	// A fresh id cannot be unknown.
	_ = h.registry.Subscribe(c.id, topic)

	log := h.logger.With(zap.String("session_id", string(c.id)))
	log.Info("client connected", zap.String("topic", topic), zap.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c, log)
	}()

	h.readLoop(r.Context(), c, log)

	h.registry.Disconnect(c.id)
	<-done
	log.Info("client disconnected")
}

func (h *WSHandler) readLoop(ctx context.Context, c *wsClient, log *zap.Logger) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(c, MsgError, ErrorPayload{Message: "malformed message"})
			continue
		}

		handle, ok := h.dispatch[msg.Type]
		if !ok {
			h.reply(c, MsgError, ErrorPayload{Message: "unknown message type: " + string(msg.Type)})
			continue
		}
		if err := handle(ctx, c, msg.Data); err != nil {
			h.reply(c, MsgError, ErrorPayload{Message: err.Error()})
		}
	}
}

// writeLoop is the connection's only writer.
func (h *WSHandler) writeLoop(c *wsClient, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.sink.Events():
			if err := h.write(c, envelope(MsgInventoryUpdate, InventoryUpdatePayload{
				ProductID: ev.ItemID,
				Quantity:  ev.NewQuantity,
				Revision:  ev.Revision,
			})); err != nil {
				log.Debug("write failed", zap.Error(err))
				h.registry.Disconnect(c.id)
				return
			}
		case msg := <-c.replies:
			if err := h.write(c, msg); err != nil {
				h.registry.Disconnect(c.id)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.registry.Disconnect(c.id)
				return
			}
		case <-c.sink.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *WSHandler) write(c *wsClient, msg Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// reply queues a direct answer; a client that stops reading loses its session.
func (h *WSHandler) reply(c *wsClient, typ MessageType, data any) {
	select {
	case c.replies <- envelope(typ, data):
	default:
		h.registry.Disconnect(c.id)
	}
}

func (h *WSHandler) onSubscribe(ctx context.Context, c *wsClient, data json.RawMessage) error {
	var p TopicPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Topic == "" {
		return errors.New("subscribe requires a topic")
	}
	if err := h.registry.Subscribe(c.id, p.Topic); err != nil {
		return nil // session already gone
	}
	h.reply(c, MsgSubscribed, p)
	return nil
}

func (h *WSHandler) onUnsubscribe(ctx context.Context, c *wsClient, data json.RawMessage) error {
	var p TopicPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Topic == "" {
		return errors.New("unsubscribe requires a topic")
	}
	if err := h.registry.Unsubscribe(c.id, p.Topic); err != nil {
		return nil
	}
	h.reply(c, MsgUnsubscribed, p)
	return nil
}

// onUpdateInventory applies a manual absolute quantity; the result reaches
// this client like any other subscriber, through the broadcast.
func (h *WSHandler) onUpdateInventory(ctx context.Context, c *wsClient, data json.RawMessage) error {
	var p UpdateInventoryPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ProductID == "" || p.Quantity == nil {
		return errors.New("update_inventory requires productId and quantity")
	}

	_, err := h.mutations.SetQuantity(ctx, p.ProductID, *p.Quantity, domain.Cause{
		Source: domain.SourceManual,
		Actor:  string(c.id),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrNotFound):
		return errors.New("product not found")
	case errors.Is(err, service.ErrInvalidQuantity):
		return errors.New("quantity cannot be negative")
	case errors.Is(err, service.ErrConflictRetryExhausted):
		return errors.New("item is busy, retry")
	case errors.Is(err, service.ErrClosed):
		return errors.New("server is shutting down")
	default:
		h.logger.Error("update_inventory failed", zap.String("session_id", string(c.id)), zap.Error(err))
		return errors.New("internal error")
	}
}

func (h *WSHandler) onPing(ctx context.Context, c *wsClient, data json.RawMessage) error {
	h.reply(c, MsgPong, nil)
	return nil
}

func envelope(typ MessageType, data any) Envelope {
	if data == nil {
		return Envelope{Type: typ}
	}
	raw, _ := json.Marshal(data)
	return Envelope{Type: typ, Data: raw}
}
