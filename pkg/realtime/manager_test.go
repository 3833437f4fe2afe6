package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/models"
)

var errClosed = errors.New("closed")

type fakeConn struct {
	mu     sync.Mutex
	writes []string
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, b []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(b))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func newTestManager(t *testing.T, d Dialer) (*Manager, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Unix(1700000000, 0))
	m := NewManager(Config{URL: "ws://memelib.test/api/ws"}, WithDialer(d), WithClock(c))
	t.Cleanup(m.Disconnect)
	return m, c
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, ReconnectDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 16*time.Second, ReconnectDelay(6))
	assert.Equal(t, 16*time.Second, ReconnectDelay(40))
	assert.Equal(t, time.Second, ReconnectDelay(0))
}

func TestFailsOnceAfterFiveReconnects(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, c := newTestManager(t, d)

	var failedCount, fallbackCount atomic.Int32
	m.OnStateChange(func(s State) {
		if s == StateFailed {
			failedCount.Add(1)
		}
	})
	m.OnFallback(func() { fallbackCount.Add(1) })

	m.Connect()
	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool {
			return m.State() == StateReconnecting && m.Attempts() == i
		}, waitFor, tick, "attempt %d", i)
		c.Advance(ReconnectDelay(i))
	}

	require.Eventually(t, func() bool { return m.State() == StateFailed }, waitFor, tick)
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, int32(1), failedCount.Load())
	assert.Equal(t, int32(1), fallbackCount.Load())

	c.Advance(time.Hour)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, int32(1), fallbackCount.Load())
	assert.Equal(t, 0, c.Pending())
}

func TestNetworkOnlineRecovers(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, c := newTestManager(t, d)

	m.Connect()
	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool { return m.Attempts() == i && m.State() == StateReconnecting }, waitFor, tick)
		c.Advance(ReconnectDelay(i))
	}
	require.Eventually(t, func() bool { return m.State() == StateFailed }, waitFor, tick)

	d.setFail(false)
	m.NetworkOnline()
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 0, m.Attempts())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	m.Connect()
	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
	m.Connect()
	assert.Equal(t, 1, d.dialCount())
}

func TestQueueFlushesNewestInOrder(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	for i := 0; i < 150; i++ {
		require.NoError(t, m.Send(map[string]int{"n": i}))
	}
	assert.Equal(t, 100, m.Queued())

	m.Connect()
	require.Eventually(t, func() bool {
		c := d.conn(0)
		return c != nil && len(c.written()) == 100
	}, waitFor, tick)

	got := d.conn(0).written()
	for i, w := range got {
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i+50), w)
	}
	assert.Equal(t, 0, m.Queued())

	require.NoError(t, m.Send(map[string]int{"n": 999}))
	assert.Equal(t, `{"n":999}`, d.conn(0).written()[100])
}

func TestSubscriptionsResentOnReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, c := newTestManager(t, d)

	h := func(models.StatusEvent) {}
	m.Subscribe(models.EventEmbeddingStatus, h)
	m.SubscribeToAssets([]string{"a2", "a1"}, h)

	want := []string{
		`{"type":"subscribe","topic":"embedding_status"}`,
		`{"type":"subscribe","assetIds":["a1","a2"]}`,
	}

	m.Connect()
	require.Eventually(t, func() bool {
		conn := d.conn(0)
		return conn != nil && len(conn.written()) == 2
	}, waitFor, tick)
	assert.Equal(t, want, d.conn(0).written())

	d.conn(0).Close()
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, waitFor, tick)
	assert.Equal(t, 1, m.Attempts())

	c.Advance(ReconnectDelay(1))
	require.Eventually(t, func() bool {
		conn := d.conn(1)
		return conn != nil && len(conn.written()) == 2
	}, waitFor, tick)
	assert.Equal(t, want, d.conn(1).written())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 0, m.Attempts())
}

func TestDispatchesEvents(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	topicEvents := make(chan models.StatusEvent, 4)
	assetEvents := make(chan models.StatusEvent, 4)
	m.Subscribe(models.EventEmbeddingStatus, func(ev models.StatusEvent) { topicEvents <- ev })
	m.SubscribeToAssets([]string{"a1"}, func(ev models.StatusEvent) { assetEvents <- ev })

	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	conn := d.conn(0)
	conn.in <- []byte(`{"type":"pong"}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"embedding_status","assetId":"a1","status":"ready","hasEmbedding":true}`)

	select {
	case ev := <-topicEvents:
		assert.Equal(t, "a1", ev.AssetID)
		assert.Equal(t, models.StatusReady, ev.Status)
	case <-time.After(waitFor):
		t.Fatal("topic handler not called")
	}
	select {
	case ev := <-assetEvents:
		assert.True(t, ev.HasEmbedding)
	case <-time.After(waitFor):
		t.Fatal("asset handler not called")
	}
	assert.Empty(t, topicEvents)
}

func TestHeartbeatPausesWhenHidden(t *testing.T) {
	d := &fakeDialer{}
	m, c := newTestManager(t, d)

	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateConnected && c.Pending() == 1 }, waitFor, tick)

	c.Advance(30 * time.Second)
	assert.Equal(t, []string{`{"type":"ping"}`}, d.conn(0).written())

	m.SetVisible(false)
	assert.Equal(t, 0, c.Pending())
	c.Advance(time.Minute)
	assert.Len(t, d.conn(0).written(), 1)

	m.SetVisible(true)
	c.Advance(30 * time.Second)
	assert.Len(t, d.conn(0).written(), 2)
}

func TestDisconnectResetsAttempts(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, c := newTestManager(t, d)

	var states []State
	var mu sync.Mutex
	m.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, waitFor, tick)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, 0, c.Pending())

	c.Advance(time.Minute)
	assert.Equal(t, 1, d.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateDisconnected}, states)
}

func TestWebSocketDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg models.ControlMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != models.ControlSubscribe {
			return
		}
		ev, _ := json.Marshal(models.StatusEvent{Type: models.EventEmbeddingStatus, Topic: msg.Topic, AssetID: "a9", Status: models.StatusProcessing})
		_ = c.Write(ctx, websocket.MessageText, ev)
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := NewManager(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	defer m.Disconnect()

	got := make(chan models.StatusEvent, 1)
	m.Subscribe(models.EventEmbeddingStatus, func(ev models.StatusEvent) { got <- ev })
	m.Connect()

	select {
	case ev := <-got:
		assert.Equal(t, "a9", ev.AssetID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received over websocket")
	}
}
