package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
)

// Message types exchanged over the socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// ChannelRobotState carries every derived robot state change.
	ChannelRobotState = "robot.state_changed"

	wsSendBufferSize = 256
)

// WSMessage is one frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a frame received from a client. The payload is decoded
// according to Type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// wsTimings are the keepalive settings of one connection.
type wsTimings struct {
	ping  time.Duration // server ping period
	idle  time.Duration // read deadline, extended by any inbound frame or pong
	write time.Duration // per-frame write deadline
}

func timingsFor(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong := time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return wsTimings{ping: ping, idle: ping + pong, write: pong}
}

// WSClient is one connected dashboard.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex // guards subscriptions, closed and sends on send
	subscriptions map[string]struct{}
	closed        bool

	userID    string
	companyID string
	role      auth.Role
}

// enqueue queues data without blocking. It reports false if the client is
// gone or its queue is full.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the outbound queue once, which stops the write loop.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// upgrader accepts configured origins. Clients without an Origin header
// (non-browser) are accepted; the ticket authenticates them.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
}

// handleWebSocket upgrades the connection. The credential is the single-use
// ticket from POST /auth/ws-ticket, passed as the ticket query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		s.writeSecurityError(w, r, &auth.AuthenticationError{Err: auth.ErrTokenInvalid})
		return
	}
	claims, ok := s.tickets.redeem(ticket)
	if !ok {
		s.writeSecurityError(w, r, &auth.AuthenticationError{Err: auth.ErrTokenExpired})
		return
	}
	infoFrom(r.Context()).claims = &claims
	if err := auth.Require(claims.Role, auth.PermRobotRead); err != nil {
		s.writeSecurityError(w, r, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		userID:        claims.UserID,
		companyID:     claims.CompanyID,
		role:          claims.Role,
	}
	s.hub.Register(client)

	t := timingsFor(s.wsCfg)
	go client.writeLoop(t)
	go client.readLoop(t, int64(s.wsCfg.MaxMessageSize))
}

// readLoop handles inbound frames until the connection fails, then
// unregisters the client.
func (c *WSClient) readLoop(t wsTimings, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(t.idle))
	}
	c.conn.SetReadLimit(limit)
	_ = extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		_ = extend() //nolint:errcheck // as above
		c.dispatch(data)
	}
}

// writeLoop drains the send queue and pings on an interval. It exits when
// the queue is closed or a write fails.
func (c *WSClient) writeLoop(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		kind, data := websocket.PingMessage, []byte(nil)
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, nil, t) //nolint:errcheck // closing anyway
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
		}
		if err := c.write(kind, data, t); err != nil {
			return
		}
	}
}

func (c *WSClient) write(kind int, data []byte, t wsTimings) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(t.write)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *WSClient) dispatch(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.changeSubscriptions(req)
	case WSTypePing:
		c.reply(WSTypePong, req.ID, nil)
	default:
		c.replyError(req.ID, "unknown message type: "+req.Type)
	}
}

// changeSubscriptions applies a subscribe or unsubscribe frame. Subscribing
// to an unknown channel rejects the whole frame.
func (c *WSClient) changeSubscriptions(req wsRequest) {
	var body WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &body) != nil || len(body.Channels) == 0 {
		c.replyError(req.ID, "payload must list channels")
		return
	}

	subscribe := req.Type == WSTypeSubscribe
	if subscribe {
		for _, ch := range body.Channels {
			if ch != ChannelRobotState {
				c.replyError(req.ID, "unknown channel: "+ch)
				return
			}
		}
	}

	c.mu.Lock()
	for _, ch := range body.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
	}
	c.reply(WSTypeResponse, req.ID, map[string]any{key: body.Channels})
}

func (c *WSClient) reply(msgType, id string, payload any) {
	data, err := encodeFrame(WSMessage{Type: msgType, ID: id, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(WSTypeError, id, map[string]string{"message": message})
}
