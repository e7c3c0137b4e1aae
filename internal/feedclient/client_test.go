package feedclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SoundAsleep/internal/feed"
	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/protocol"
	"SoundAsleep/internal/session"
	"SoundAsleep/internal/stream"
)

type staticSource struct{}

func (staticSource) ID() string { return "session-live" }
func (staticSource) CurrentSamples() []stream.Sample {
	return []stream.Sample{{Sequence: 10, Value: 0.1}, {Sequence: 11, Value: -0.1}}
}
func (staticSource) SamplesSince(uint64) []stream.Sample { return nil }
func (staticSource) CurrentImpedances() []impedance.Reading {
	return []impedance.Reading{{Channel: 0, Value: 30}}
}
func (staticSource) CurrentEvents() []session.EventRecord {
	return []session.EventRecord{{Timestamp: time.Unix(100, 0), Display: "00:01:40", Message: "App initialized."}}
}
func (staticSource) CurrentConfig() session.Config { return session.DefaultConfig() }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recorder 收集回调
type recorder struct {
	mu      sync.Mutex
	hellos  []protocol.Hello
	batches []protocol.SampleBatch
	events  []protocol.Event
	configs []map[string]any
	imps    []protocol.Impedances
	states  []State
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnHello: func(h protocol.Hello) { r.mu.Lock(); r.hellos = append(r.hellos, h); r.mu.Unlock() },
		OnSamples: func(b protocol.SampleBatch) {
			r.mu.Lock()
			r.batches = append(r.batches, b)
			r.mu.Unlock()
		},
		OnEvent:      func(e protocol.Event) { r.mu.Lock(); r.events = append(r.events, e); r.mu.Unlock() },
		OnConfig:     func(c map[string]any) { r.mu.Lock(); r.configs = append(r.configs, c); r.mu.Unlock() },
		OnImpedances: func(i protocol.Impedances) { r.mu.Lock(); r.imps = append(r.imps, i); r.mu.Unlock() },
		OnStateChange: func(_, s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, b := range r.batches {
		out = append(out, b.Sequences...)
	}
	return out
}

func TestConnectReceivesSnapshot(t *testing.T) {
	hub := feed.NewHub(staticSource{}, feed.Config{PushInterval: time.Hour})
	require.NoError(t, hub.Start())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown(context.Background())

	rec := &recorder{}
	c := New(DefaultConfig(wsURL(srv)), rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.ErrorIs(t, c.Connect(context.Background()), ErrNotDisconnected)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 1 && len(rec.imps) == 1 && len(rec.configs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, "session-live", rec.hellos[0].SessionID)
	assert.Equal(t, "App initialized.", rec.events[0].Message)
	assert.Equal(t, []float64{30}, rec.imps[0].Values)
	assert.Equal(t, "YASA", rec.configs[0]["algorithm"])
	rec.mu.Unlock()

	assert.Equal(t, []uint64{10, 11}, rec.sequences())
	stats := c.Stats()
	assert.Equal(t, "CONNECTED", stats.State)
	assert.Equal(t, "session-live", stats.SessionID)
	assert.Equal(t, uint64(11), stats.LastSeq)
}

// scriptedServer 每次连接发送 Hello 和一批采样后断开
func scriptedServer(t *testing.T, batches [][]uint64) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, _ := protocol.EncodeHello(protocol.Hello{SessionID: "s", Capacity: 3, RateHz: 30, ServerTime: time.Now()})
		_ = ws.WriteMessage(websocket.BinaryMessage, hello)

		if n < len(batches) {
			seqs := batches[n]
			vals := make([]float64, len(seqs))
			frame, _ := protocol.EncodeSampleBatch(protocol.SampleBatch{Sequences: seqs, Values: vals})
			_ = ws.WriteMessage(websocket.BinaryMessage, frame)
		}
		if n+1 < len(batches) {
			return // 断开，触发重连
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestReconnectDropsDuplicateSamples(t *testing.T) {
	srv, conns := scriptedServer(t, [][]uint64{{1, 2, 3}, {2, 3, 4}, {3, 4}})

	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectInterval = 10 * time.Millisecond
	rec := &recorder{}
	c := New(cfg, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool {
		return conns.Load() == 3 && c.Stats().Duplicates == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint64{1, 2, 3, 4}, rec.sequences())
	assert.Equal(t, int64(2), c.Stats().Reconnects)
	assert.Equal(t, StateConnected, c.State())
}

// sequencedSource 带序列号的日志
type sequencedSource struct{ staticSource }

func (sequencedSource) CurrentEvents() []session.EventRecord {
	return []session.EventRecord{
		{Seq: 2, Timestamp: time.Unix(101, 0), Display: "00:01:41", Message: "Awaiting device pairing…"},
		{Seq: 1, Timestamp: time.Unix(100, 0), Display: "00:01:40", Message: "App initialized."},
	}
}

func (r *recorder) eventSeqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.events))
	for i, e := range r.events {
		out[i] = e.Seq
	}
	return out
}

// dropConnection 关闭底层连接，触发重连
func dropConnection(c *Client) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func TestReconnectDeliversEachEventOnce(t *testing.T) {
	hub := feed.NewHub(sequencedSource{}, feed.Config{PushInterval: time.Hour})
	require.NoError(t, hub.Start())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Shutdown(context.Background())

	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectInterval = 10 * time.Millisecond
	rec := &recorder{}
	c := New(cfg, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(rec.eventSeqs()) == 2 }, 2*time.Second, 10*time.Millisecond)

	for i := 1; i <= 3; i++ {
		dropConnection(c)
		require.Eventually(t, func() bool {
			return c.Stats().Reconnects == int64(i) && c.Stats().DuplicateEvents == uint64(2*i)
		}, 5*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, []uint64{1, 2}, rec.eventSeqs())
	rec.mu.Lock()
	assert.Len(t, rec.hellos, 4)
	rec.mu.Unlock()
}

func TestNewSessionReplaysEvents(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		sid := "first"
		if n > 1 {
			sid = "second"
		}
		hello, _ := protocol.EncodeHello(protocol.Hello{SessionID: sid})
		_ = ws.WriteMessage(websocket.BinaryMessage, hello)
		ev, _ := protocol.EncodeEvent(protocol.Event{Seq: 1, Message: sid})
		_ = ws.WriteMessage(websocket.BinaryMessage, ev)
		if n == 1 {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectInterval = 10 * time.Millisecond
	rec := &recorder{}
	c := New(cfg, rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(rec.eventSeqs()) == 2 }, 5*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "first", rec.events[0].Message)
	assert.Equal(t, "second", rec.events[1].Message)
	rec.mu.Unlock()
	assert.Zero(t, c.Stats().DuplicateEvents)
}

func TestFramesMaySpanMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, _ := protocol.EncodeHello(protocol.Hello{SessionID: "s"})
		ev, _ := protocol.EncodeEvent(protocol.Event{Seq: 1, Message: "App initialized."})
		batch, _ := protocol.EncodeSampleBatch(protocol.SampleBatch{Sequences: []uint64{7, 8}, Values: []float64{1, 2}})

		// Hello 和日志合并为一条消息，采样拆成两条
		_ = ws.WriteMessage(websocket.BinaryMessage, append(append([]byte(nil), hello...), ev...))
		_ = ws.WriteMessage(websocket.BinaryMessage, batch[:5])
		_ = ws.WriteMessage(websocket.BinaryMessage, batch[5:])
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	c := New(DefaultConfig(wsURL(srv)), rec.handlers())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return len(rec.sequences()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{7, 8}, rec.sequences())
	assert.Equal(t, []uint64{1}, rec.eventSeqs())
}

func TestSessionChangeResetsSequence(t *testing.T) {
	c := New(DefaultConfig("ws://unused"), Handlers{})
	first := c.dedup(protocol.SampleBatch{Sequences: []uint64{5, 6}, Values: []float64{0, 0}})
	assert.Equal(t, []uint64{5, 6}, first.Sequences)

	c.lastSeq.Store(0)
	c.hasSeq.Store(false)
	again := c.dedup(protocol.SampleBatch{Sequences: []uint64{0, 1}, Values: []float64{0.5, 0.6}})
	assert.Equal(t, []uint64{0, 1}, again.Sequences)
	assert.Equal(t, []float64{0.5, 0.6}, again.Values)
}

func TestConnectRequiresHello(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		frame, _ := protocol.EncodeEvent(protocol.Event{Message: "early"})
		_ = ws.WriteMessage(websocket.BinaryMessage, frame)
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	c := New(DefaultConfig(wsURL(srv)), Handlers{})
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoHello)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	// 只接受第一次连接，之后的握手全部拒绝
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hello, _ := protocol.EncodeHello(protocol.Hello{SessionID: "s"})
		_ = ws.WriteMessage(websocket.BinaryMessage, hello)
		ws.Close()
	}))
	defer srv.Close()

	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectInterval = 5 * time.Millisecond
	cfg.MaxReconnectTries = 2
	c := New(cfg, Handlers{})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("client did not give up")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(4), attempts.Load())
	assert.Zero(t, c.Stats().Reconnects)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, _ := scriptedServer(t, [][]uint64{{1}})
	rec := &recorder{}
	c := New(DefaultConfig(wsURL(srv)), rec.handlers())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, StateClosed, rec.states[len(rec.states)-1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
