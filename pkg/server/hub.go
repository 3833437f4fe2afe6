package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/memelib/memelib/pkg/events"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
)

const (
	clientBuffer = 256
	replayLimit  = 1000
	writeTimeout = 10 * time.Second
)

// Hub fans status events out to connected WebSocket clients.
type Hub struct {
	journal *events.Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	floor  int64
	topics map[string]bool
	assets map[string]bool
}

// NewHub creates a hub. A nil journal disables ?since= replay.
func NewHub(j *events.Journal, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		journal: j,
		metrics: m,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves one client until it disconnects.
// The caller's user id comes from X-User-ID or the user query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept", "err", err)
		return
	}

	uid := r.Header.Get("X-User-ID")
	if uid == "" {
		uid = r.URL.Query().Get("user")
	}
	c := &client{
		id:     uuid.NewString(),
		userID: uid,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		topics: make(map[string]bool),
		assets: make(map[string]bool),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.register(c)
	defer h.unregister(c)

	go h.writeLoop(ctx, c)
	if r.URL.Query().Has("since") {
		h.replay(ctx, c, since)
	}
	h.readLoop(ctx, c)
}

// Broadcast queues ev for every client subscribed to its topic or asset.
func (h *Hub) Broadcast(ev models.StatusEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "err", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.wants(ev) {
			continue
		}
		h.deliver(c, b)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RealtimeClients(1)
	h.logger.Debug("realtime client connected", "client", c.id, "user", c.userID)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.RealtimeClients(-1)
	_ = c.conn.CloseNow()
	h.logger.Debug("realtime client disconnected", "client", c.id)
}

// replay queues journaled events after since for the client's user. Live
// events at or below the last replayed sequence are skipped afterwards.
func (h *Hub) replay(ctx context.Context, c *client, since int64) {
	c.mu.Lock()
	evs, err := h.journal.Since(ctx, models.EventQueryOpts{AfterSeq: since, UserID: c.userID, Limit: replayLimit})
	if err == nil && len(evs) > 0 {
		c.floor = evs[len(evs)-1].Seq
	}
	c.mu.Unlock()
	if err != nil {
		h.logger.Warn("replay events", "client", c.id, "err", err)
		return
	}

	for _, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) deliver(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		h.logger.Warn("realtime client buffer full, dropping event", "client", c.id)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				h.logger.Debug("realtime write", "client", c.id, "err", err)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("realtime read", "client", c.id, "err", err)
			}
			return
		}

		var msg models.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid control message", "client", c.id, "err", err)
			continue
		}

		switch msg.Type {
		case models.ControlSubscribe:
			c.subscribe(msg, true)
		case models.ControlUnsubscribe:
			c.subscribe(msg, false)
		case models.ControlPing:
			b, _ := json.Marshal(models.StatusEvent{Type: models.EventPong})
			h.deliver(c, b)
		default:
			h.logger.Debug("unknown control message", "client", c.id, "type", msg.Type)
		}
	}
}

func (c *client) subscribe(msg models.ControlMessage, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Topic != "" {
		set(c.topics, msg.Topic, on)
	}
	for _, id := range msg.AssetIDs {
		set(c.assets, id, on)
	}
}

func set(m map[string]bool, k string, on bool) {
	if on {
		m[k] = true
		return
	}
	delete(m, k)
}

func (c *client) wants(ev models.StatusEvent) bool {
	if c.userID != "" && ev.UserID != "" && c.userID != ev.UserID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Seq != 0 && ev.Seq <= c.floor {
		return false
	}
	topic := ev.Topic
	if topic == "" {
		topic = ev.Type
	}
	return c.topics[topic] || c.assets[ev.AssetID]
}
