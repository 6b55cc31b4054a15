// Package push streams event bus traffic to WebSocket clients. A client
// opens the socket, sends one subscribe frame naming the event types and
// identity scope it wants, and receives matching events as JSON until it
// disconnects or goes silent.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/metrics"
)

const (
	writeWait = 10 * time.Second

	defaultPingInterval = 30 * time.Second
	// defaultLiveness is how long a subscriber may go without a pong or
	// a message before it is dropped.
	defaultLiveness = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins; callers front this with their own
	// auth middleware when exposed beyond localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SubscribeRequest is the first frame a client sends after connecting.
// An empty types list subscribes to every event type.
type SubscribeRequest struct {
	Types   []string `json:"types,omitempty"`
	UserID  string   `json:"user_id,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
	PlanID  string   `json:"plan_id,omitempty"`
}

type subscribeAck struct {
	SubscriptionID string   `json:"subscription_id"`
	Types          []string `json:"types,omitempty"`
}

type client struct {
	sub       *events.Subscription
	conn      *websocket.Conn
	connected time.Time
	mu        sync.Mutex // serializes writes (events vs pings)
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub manages live event stream connections.
type Hub struct {
	bus      *events.Bus
	ping     time.Duration
	liveness time.Duration
	logger   *zap.Logger
	mu       sync.RWMutex
	clients  map[string]*client // keyed by subscription id
}

// NewHub creates the stream hub. Zero durations take the defaults
// (30 s pings, 60 s silence before termination).
func NewHub(bus *events.Bus, ping, liveness time.Duration, logger *zap.Logger) *Hub {
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if liveness <= 0 {
		liveness = defaultLiveness
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:      bus,
		ping:     ping,
		liveness: liveness,
		logger:   logger.Named("push"),
		clients:  make(map[string]*client),
	}
}

// HandleEvents is the HTTP handler for the event stream endpoint.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	sub, req, err := h.subscribe(conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := &client{sub: sub, conn: conn, connected: time.Now().UTC()}
	h.mu.Lock()
	h.clients[sub.ID] = c
	h.mu.Unlock()
	metrics.EventSubscribers.Set(float64(h.bus.SubscriberCount()))
	h.logger.Info("event subscriber connected",
		zap.String("subscription_id", sub.ID),
		zap.String("remote_addr", r.RemoteAddr))

	// Echo the accepted filter back so the client can confirm scope.
	if err := c.writeJSON(subscribeAck{SubscriptionID: sub.ID, Types: req.Types}); err != nil {
		h.drop(c)
		return
	}

	go h.writeLoop(c)
	go h.pingLoop(c)
	h.readLoop(c)
}

// subscribe reads the first frame and registers the bus subscription.
func (h *Hub) subscribe(conn *websocket.Conn) (*events.Subscription, SubscribeRequest, error) {
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	var req SubscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return nil, req, err
	}

	filter := events.Filter{
		UserID:  req.UserID,
		AgentID: req.AgentID,
		PlanID:  req.PlanID,
	}
	for _, t := range req.Types {
		filter.Types = append(filter.Types, events.Type(t))
	}
	sub, err := h.bus.Subscribe(filter)
	return sub, req, err
}

// writeLoop pumps bus events to the socket until the subscription channel
// closes (unsubscribe or reaper) or a write fails.
func (h *Hub) writeLoop(c *client) {
	for evt := range c.sub.C {
		if err := c.writeJSON(evt); err != nil {
			h.drop(c)
			return
		}
	}
	// Channel closed by the bus: say goodbye.
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription expired")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	h.drop(c)
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readLoop consumes client frames for liveness. Every pong or message
// refreshes the subscriber's bus timestamp.
func (h *Hub) readLoop(c *client) {
	c.conn.SetPongHandler(func(string) error {
		h.bus.Touch(c.sub.ID)
		return c.conn.SetReadDeadline(time.Now().Add(h.liveness))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(h.liveness))

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		h.bus.Touch(c.sub.ID)
		_ = c.conn.SetReadDeadline(time.Now().Add(h.liveness))
	}
	h.drop(c)
}

// drop tears one client down. Safe to call from multiple loops.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, live := h.clients[c.sub.ID]
	delete(h.clients, c.sub.ID)
	h.mu.Unlock()
	if !live {
		return
	}

	drops := h.bus.Drops(c.sub.ID)
	h.bus.Unsubscribe(c.sub.ID)
	_ = c.conn.Close()
	metrics.EventSubscribers.Set(float64(h.bus.SubscriberCount()))
	h.logger.Info("event subscriber disconnected",
		zap.String("subscription_id", c.sub.ID),
		zap.Duration("connected_for", time.Since(c.connected)),
		zap.Int("dropped_events", drops))
}

// StartReaper expires subscribers silent past the liveness timeout.
// Expiring a subscription closes its channel, which ends the client's
// write loop. A non-positive interval sweeps at half the timeout.
func (h *Hub) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = h.liveness / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if expired := h.bus.Expire(h.liveness); len(expired) > 0 {
					h.logger.Info("reaped silent subscribers", zap.Int("count", len(expired)))
					metrics.EventSubscribers.Set(float64(h.bus.SubscriberCount()))
				}
			}
		}
	}()
}

// Count returns the number of connected stream clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.drop(c)
	}
}
