package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/logging"
	"github.com/nerrad567/foundry-core/internal/telemetry"
)

// Hub fans robot state changes out to connected dashboards. It is a
// telemetry.Observer.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	onCount func(n int)
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetOnCount registers a callback told the client count after every
// connect and disconnect. Call before Run.
func (h *Hub) SetOnCount(fn func(n int)) {
	h.onCount = fn
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.snapshotLocked()
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.countChanged(0)
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.countChanged(n)
	h.logger.Debug("websocket client connected", "user_id", c.userID, "company_id", c.companyID, "clients", n)
}

// Unregister removes a client and closes its outbound queue. Calling it
// again for the same client is a no-op.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()
	h.countChanged(n)
	h.logger.Debug("websocket client disconnected", "user_id", c.userID, "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RobotStateChanged pushes st to clients of the robot's company that are
// subscribed to ChannelRobotState.
func (h *Hub) RobotStateChanged(st telemetry.RobotState) {
	h.send(ChannelRobotState, st, func(c *WSClient) bool { return c.companyID == st.CompanyID })
}

// Broadcast sends an event to every client subscribed to channel. Slow
// clients whose queue is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	h.send(channel, payload, nil)
}

// send delivers an event to subscribers of channel accepted by match; a
// nil match accepts every subscriber.
func (h *Hub) send(channel string, payload any, match func(*WSClient) bool) {
	data, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := h.snapshotLocked()
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.subscribed(channel) || (match != nil && !match(c)) {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Debug("websocket event dropped", "channel", channel, "user_id", c.userID)
		}
	}
}

func (h *Hub) snapshotLocked() []*WSClient {
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) countChanged(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

// encodeFrame stamps msg with the current time and marshals it.
func encodeFrame(msg WSMessage) ([]byte, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(msg)
}
