// Package realtime maintains a WebSocket connection to the status stream,
// reconnecting with backoff and falling back to polling when it gives up.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
)

// Handler receives events from the stream.
type Handler func(models.StatusEvent)

// Config controls connection behaviour.
type Config struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	QueueSize            int           `yaml:"queue_size"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the standard connection settings.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		QueueSize:            100,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock sets the clock used for reconnect and heartbeat timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records connection metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns one realtime connection and its subscriptions.
type Manager struct {
	cfg     Config
	dialer  Dialer
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	// wmu serializes writes so queued messages go out before new ones.
	wmu sync.Mutex

	mu             sync.Mutex
	state          State
	attempts       int
	gen            uint64
	conn           Conn
	cancelRead     context.CancelFunc
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	visible        bool
	queue          *queue
	nextID         uint64
	topics         map[string]map[uint64]Handler
	assets         map[string]map[uint64]Handler
	listeners      map[uint64]func(State)
	fallbacks      map[uint64]func()
}

// NewManager creates a disconnected Manager for cfg.URL.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		dialer:    &WebSocketDialer{},
		clock:     clock.Real(),
		logger:    logging.Nop(),
		state:     StateDisconnected,
		visible:   true,
		queue:     newQueue(cfg.QueueSize),
		topics:    make(map[string]map[uint64]Handler),
		assets:    make(map[string]map[uint64]Handler),
		listeners: make(map[uint64]func(State)),
		fallbacks: make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Queued returns the number of messages waiting for a connection.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// OnStateChange registers l for every state transition.
func (m *Manager) OnStateChange(l func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnFallback registers cb to run when the manager gives up reconnecting.
func (m *Manager) OnFallback(cb func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.fallbacks[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.fallbacks, id)
	}
}

// Connect starts connecting. It does nothing while connecting or connected.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if m.state == StateFailed {
		m.attempts = 0
	}
	g := m.beginDialLocked()
	ls := m.listenersLocked()
	m.mu.Unlock()

	emit(ls, StateConnecting)
	go m.dial(g)
}

// NetworkOnline resets the attempt budget and reconnects after a failure.
func (m *Manager) NetworkOnline() {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	g := m.beginDialLocked()
	ls := m.listenersLocked()
	m.mu.Unlock()

	m.logger.Info("network online, reconnecting")
	emit(ls, StateConnecting)
	go m.dial(g)
}

// Disconnect closes the connection and resets the attempt counter.
// Subscriptions and queued messages are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.gen++
	m.attempts = 0
	conn := m.teardownLocked()
	m.state = StateDisconnected
	ls := m.listenersLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.metrics.RealtimeConnected(false)
	}
	emit(ls, StateDisconnected)
}

// SetVisible pauses the heartbeat while the consumer is in the background.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = visible
	if !visible {
		if m.heartbeatTimer != nil {
			m.heartbeatTimer.Stop()
			m.heartbeatTimer = nil
		}
		return
	}
	if m.state == StateConnected {
		m.scheduleHeartbeatLocked(m.gen)
	}
}

// Subscribe registers h for events on topic. Handlers survive reconnects.
func (m *Manager) Subscribe(topic string, h Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	first := len(m.topics[topic]) == 0
	if first {
		m.topics[topic] = make(map[uint64]Handler)
	}
	m.topics[topic][id] = h
	m.mu.Unlock()

	if first {
		m.sendControl(models.ControlMessage{Type: models.ControlSubscribe, Topic: topic})
	}
	return func() {
		m.mu.Lock()
		delete(m.topics[topic], id)
		last := len(m.topics[topic]) == 0
		if last {
			delete(m.topics, topic)
		}
		m.mu.Unlock()
		if last {
			m.sendControl(models.ControlMessage{Type: models.ControlUnsubscribe, Topic: topic})
		}
	}
}

// SubscribeToAssets registers h for status events of the given assets.
func (m *Manager) SubscribeToAssets(assetIDs []string, h Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	var added []string
	for _, a := range assetIDs {
		if len(m.assets[a]) == 0 {
			m.assets[a] = make(map[uint64]Handler)
			added = append(added, a)
		}
		m.assets[a][id] = h
	}
	m.mu.Unlock()

	if len(added) > 0 {
		m.sendControl(models.ControlMessage{Type: models.ControlSubscribe, AssetIDs: added})
	}
	return func() {
		m.mu.Lock()
		var removed []string
		for _, a := range assetIDs {
			delete(m.assets[a], id)
			if len(m.assets[a]) == 0 {
				if _, ok := m.assets[a]; ok {
					removed = append(removed, a)
				}
				delete(m.assets, a)
			}
		}
		m.mu.Unlock()
		if len(removed) > 0 {
			m.sendControl(models.ControlMessage{Type: models.ControlUnsubscribe, AssetIDs: removed})
		}
	}
}

// Send writes msg as JSON now if connected, otherwise queues it.
func (m *Manager) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	m.sendRaw(b, true)
	return nil
}

// sendControl writes subscription changes when connected. They are not
// queued because every subscription is replayed after connecting.
func (m *Manager) sendControl(msg models.ControlMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.sendRaw(b, false)
}

func (m *Manager) sendRaw(b []byte, queueIfOffline bool) {
	m.mu.Lock()
	conn, g := m.conn, m.gen
	if m.state != StateConnected || conn == nil {
		if queueIfOffline {
			m.enqueueLocked(b)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.wmu.Lock()
	err := m.write(conn, b)
	m.wmu.Unlock()
	if err != nil {
		m.logger.Warn("realtime write failed", "err", err)
		m.mu.Lock()
		if queueIfOffline {
			m.enqueueLocked(b)
		}
		m.mu.Unlock()
		m.fail(g, err)
	}
}

func (m *Manager) enqueueLocked(b []byte) {
	if m.queue.push(b) {
		m.metrics.RealtimeDropped()
		m.logger.Debug("realtime queue full, dropped oldest message")
	}
}

func (m *Manager) write(conn Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, b)
}

func (m *Manager) beginDialLocked() uint64 {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.gen++
	m.state = StateConnecting
	return m.gen
}

func (m *Manager) dial(g uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	cancel()
	if err != nil {
		m.fail(g, err)
		return
	}

	m.wmu.Lock()
	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		m.wmu.Unlock()
		_ = conn.Close()
		return
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelRead = cancelRead
	m.state = StateConnected
	m.attempts = 0
	subs := m.subscriptionMessagesLocked()
	outbox := append(subs, m.queue.drain()...)
	if m.visible {
		m.scheduleHeartbeatLocked(g)
	}
	ls := m.listenersLocked()
	m.mu.Unlock()

	for i, b := range outbox {
		if err := m.write(conn, b); err != nil {
			m.wmu.Unlock()
			// Subscriptions are resent on the next connect, so only user
			// messages go back on the queue.
			m.mu.Lock()
			m.queue.prepend(outbox[max(i, len(subs)):])
			m.mu.Unlock()
			m.fail(g, err)
			return
		}
	}
	m.wmu.Unlock()

	m.logger.Info("realtime connected", "url", m.cfg.URL, "flushed", len(outbox))
	m.metrics.RealtimeConnected(true)
	emit(ls, StateConnected)
	go m.readLoop(readCtx, g, conn)
}

func (m *Manager) subscriptionMessagesLocked() [][]byte {
	var out [][]byte
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		b, _ := json.Marshal(models.ControlMessage{Type: models.ControlSubscribe, Topic: t})
		out = append(out, b)
	}
	if len(m.assets) > 0 {
		ids := make([]string, 0, len(m.assets))
		for a := range m.assets {
			ids = append(ids, a)
		}
		sort.Strings(ids)
		b, _ := json.Marshal(models.ControlMessage{Type: models.ControlSubscribe, AssetIDs: ids})
		out = append(out, b)
	}
	return out
}

func (m *Manager) readLoop(ctx context.Context, g uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.fail(g, err)
			return
		}
		var ev models.StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			m.logger.Warn("realtime: bad message", "err", err)
			continue
		}
		if ev.Type == models.EventPong {
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev models.StatusEvent) {
	topic := ev.Topic
	if topic == "" {
		topic = ev.Type
	}

	m.mu.Lock()
	var hs []Handler
	for _, h := range m.topics[topic] {
		hs = append(hs, h)
	}
	if ev.AssetID != "" {
		for _, h := range m.assets[ev.AssetID] {
			hs = append(hs, h)
		}
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// fail handles the loss of connection generation g. Only the first report
// for a generation counts.
func (m *Manager) fail(g uint64, cause error) {
	m.mu.Lock()
	if g != m.gen || (m.state != StateConnecting && m.state != StateConnected) {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	conn := m.teardownLocked()

	var next State
	var fallbacks []func()
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		next = StateFailed
		for _, cb := range m.fallbacks {
			fallbacks = append(fallbacks, cb)
		}
	} else {
		next = StateReconnecting
		m.attempts++
		delay := ReconnectDelay(m.attempts)
		m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(g) })
		m.logger.Info("realtime connection lost, reconnecting",
			"attempt", m.attempts, "delay", delay, "err", cause)
	}
	m.state = next
	ls := m.listenersLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		m.metrics.RealtimeConnected(false)
	}
	emit(ls, next)

	if next == StateFailed {
		m.logger.Warn("realtime gave up, falling back to polling",
			"attempts", m.cfg.MaxReconnectAttempts, "err", cause)
		for _, cb := range fallbacks {
			cb()
		}
		return
	}
	m.metrics.RealtimeReconnect()
}

func (m *Manager) reconnect(g uint64) {
	m.mu.Lock()
	if g != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	ng := m.beginDialLocked()
	ls := m.listenersLocked()
	m.mu.Unlock()

	emit(ls, StateConnecting)
	go m.dial(ng)
}

// teardownLocked drops the current connection and its timers. The caller
// closes the returned connection outside the lock.
func (m *Manager) teardownLocked() Conn {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) scheduleHeartbeatLocked(g uint64) {
	if m.heartbeatTimer != nil {
		return
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeat(g) })
}

func (m *Manager) heartbeat(g uint64) {
	m.mu.Lock()
	if g != m.gen {
		m.mu.Unlock()
		return
	}
	m.heartbeatTimer = nil
	if m.state != StateConnected || !m.visible {
		m.mu.Unlock()
		return
	}
	m.scheduleHeartbeatLocked(g)
	m.mu.Unlock()

	m.sendControl(models.ControlMessage{Type: models.ControlPing})
}

func (m *Manager) listenersLocked() []func(State) {
	ls := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	return ls
}

func emit(ls []func(State), s State) {
	for _, l := range ls {
		l(s)
	}
}
