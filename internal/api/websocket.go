package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/config"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// Message types on the push socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// Outbound frames buffered per client before events are dropped.
	wsSendBufferSize = 256

	wsAllChannels = "*"
)

// wsChannels are the channels a client may subscribe to: one per committed
// event type, plus the wildcard.
var wsChannels = channelSet{
	string(locker.EventLockerUpdated):   {},
	string(locker.EventLockerDeleted):   {},
	string(locker.EventBoxUpdated):      {},
	string(locker.EventHistoryAppended): {},
	wsAllChannels:                       {},
}

// WSMessage is a frame sent to or from a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
// LockerIDs narrows delivery to those lockers; without it every locker's
// events are delivered.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	LockerIDs []string `json:"locker_ids,omitempty"`
}

// wsInbound holds a client frame with the payload left undecoded until the
// type is known.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type channelSet map[string]struct{}

func (s channelSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

// unknownChannels returns the names that are not push channels.
func unknownChannels(names []string) []string {
	var bad []string
	for _, n := range names {
		if !wsChannels.has(n) {
			bad = append(bad, n)
		}
	}
	return bad
}

func channelList() string {
	names := make([]string, 0, len(wsChannels))
	for n := range wsChannels {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Hub fans committed locker events out to connected clients.
//
// Lock order is hub then client. Frames are queued with non-blocking sends
// while the hub read lock is held, so a send channel is never closed under a
// sender.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	onCount func(int)
}

// WSClient is one connected socket and its subscriptions.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	mu            sync.RWMutex
	subscriptions channelSet
	lockers       channelSet // empty means every locker
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are vetted by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		onCount: func(int) {},
	}
}

// OnClientCount registers fn to be told the client count after every
// connect and disconnect.
func (h *Hub) OnClientCount(fn func(int)) {
	if fn != nil {
		h.onCount = fn
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.onCount(n)
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Repeat calls are
// no-ops.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.onCount(n)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Publish delivers ev to every client subscribed to its type and locker.
func (h *Hub) Publish(ev locker.Event) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: string(ev.Type),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   ev,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "event", ev.Type, "locker_id", ev.LockerID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var sent, dropped int
	for c := range h.clients {
		if !c.wants(string(ev.Type), ev.LockerID) {
			continue
		}
		if c.enqueue(frame) {
			sent++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("websocket event dropped for slow clients",
			"event", ev.Type, "locker_id", ev.LockerID, "dropped", dropped)
	}
	if sent > 0 {
		h.logger.Debug("websocket event pushed", "event", ev.Type, "locker_id", ev.LockerID, "recipients", sent)
	}
}

// reply queues a frame for one client if it is still registered.
func (h *Hub) reply(c *WSClient, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		c.enqueue(frame)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.mu.Unlock()
	h.onCount(0)
}

// handleWebSocket upgrades the request to a push socket. The channels and
// locker_ids query parameters (comma separated) subscribe up front; an
// unknown channel is refused before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channels := splitList(q.Get("channels"))
	if bad := unknownChannels(channels); len(bad) > 0 {
		writeBadRequest(w, "unknown channel "+strings.Join(bad, ", ")+"; valid channels are "+channelList())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(channelSet),
		lockers:       make(channelSet),
	}
	c.subscribe(channels, splitList(q.Get("locker_ids")))

	s.hub.Register(c)
	t := newWSTiming(s.wsCfg)
	go c.writePump(t)
	go c.readPump(t, int64(s.wsCfg.MaxMessageSize))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// wsTiming holds the keepalive intervals derived from config.
type wsTiming struct {
	ping      time.Duration
	readWait  time.Duration
	writeWait time.Duration
}

func newWSTiming(cfg config.WebSocketConfig) wsTiming {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTiming{ping: ping, readWait: ping + pong, writeWait: pong}
}

func (c *WSClient) readPump(t wsTiming, limit int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.readWait)) }
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers that never answer protocol pings stay alive by talking.
		extend() //nolint:errcheck // as above
		c.handleFrame(data)
	}
}

func (c *WSClient) writePump(t wsTiming) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck // write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, open := <-c.send:
			if !open {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, frame) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleFrame(data []byte) {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch in.Type {
	case WSTypePing:
		c.sendFrame(in.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &p) != nil {
			c.sendError(in.ID, "invalid "+in.Type+" payload")
			return
		}
		if bad := unknownChannels(p.Channels); len(bad) > 0 {
			c.sendError(in.ID, "unknown channel "+strings.Join(bad, ", ")+"; valid channels are "+channelList())
			return
		}
		if in.Type == WSTypeSubscribe {
			c.subscribe(p.Channels, p.LockerIDs)
			c.sendFrame(in.ID, WSTypeResponse, map[string]any{"subscribed": p.Channels, "locker_ids": p.LockerIDs})
			c.hub.logger.Debug("websocket client subscribed", "channels", p.Channels, "locker_ids", p.LockerIDs)
			return
		}
		c.unsubscribe(p.Channels, p.LockerIDs)
		c.sendFrame(in.ID, WSTypeResponse, map[string]any{"unsubscribed": p.Channels, "locker_ids": p.LockerIDs})
	default:
		c.sendError(in.ID, "unknown message type: "+in.Type)
	}
}

func (c *WSClient) subscribe(channels, lockerIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	if len(lockerIDs) > 0 && c.lockers == nil {
		c.lockers = make(channelSet)
	}
	for _, id := range lockerIDs {
		c.lockers[id] = struct{}{}
	}
}

func (c *WSClient) unsubscribe(channels, lockerIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	for _, id := range lockerIDs {
		delete(c.lockers, id)
	}
}

// wants reports whether an event of the given type for lockerID should be
// delivered to c.
func (c *WSClient) wants(channel, lockerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subscriptions.has(channel) && !c.subscriptions.has(wsAllChannels) {
		return false
	}
	return len(c.lockers) == 0 || c.lockers.has(lockerID)
}

// enqueue queues frame without blocking. The caller holds the hub read lock.
func (c *WSClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *WSClient) sendFrame(id, msgType string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.hub.reply(c, frame)
}

func (c *WSClient) sendError(id, message string) {
	c.sendFrame(id, WSTypeError, map[string]string{"message": message})
}
