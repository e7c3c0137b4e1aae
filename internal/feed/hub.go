package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/protocol"
	"SoundAsleep/internal/session"
	"SoundAsleep/internal/stream"
)

var ErrHubClosed = errors.New("feed: hub is closed")

// Source 推送数据的来源，由会话控制器实现
type Source interface {
	ID() string
	CurrentSamples() []stream.Sample
	SamplesSince(seq uint64) []stream.Sample
	CurrentImpedances() []impedance.Reading
	CurrentEvents() []session.EventRecord
	CurrentConfig() session.Config
}

// Config 推送配置
type Config struct {
	PushInterval      time.Duration // 采样和配置的推送间隔
	ImpedanceInterval time.Duration // 阻抗快照的推送间隔
	WriteTimeout      time.Duration
	MaxConnections    int
	OutboxSize        int // 事件和日志的待发送队列长度
	ReadBufferSize    int
	WriteBufferSize   int
	RateHz            float64 // 写入 Hello，供渲染端计算时间轴
}

// DefaultConfig 默认推送配置
func DefaultConfig() Config {
	return Config{
		PushInterval:      100 * time.Millisecond,
		ImpedanceInterval: time.Second,
		WriteTimeout:      5 * time.Second,
		MaxConnections:    64,
		OutboxSize:        256,
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		RateHz:            30,
	}
}

// Stats 推送统计
type Stats struct {
	Connections      int    `json:"connections"`
	TotalConnections uint64 `json:"total_connections"`
	FramesSent       uint64 `json:"frames_sent"`
	BytesSent        uint64 `json:"bytes_sent"`
	Dropped          uint64 `json:"dropped"`
}

// Option 选项
type Option func(*Hub)

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithConnectionHook 连接数变化时回调
func WithConnectionHook(fn func(n int)) Option {
	return func(h *Hub) {
		h.onConnChange = fn
	}
}

type connection struct {
	id     string
	ws     *websocket.Conn
	stopCh chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex // 串行化写操作
	lastSeq   uint64
}

func (c *connection) stop() {
	c.closeOnce.Do(func() { close(c.stopCh) })
}

// Hub 渲染端 websocket 推送中心
type Hub struct {
	cfg      Config
	source   Source
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connections sync.Map // map[string]*connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	outbox   chan []byte
	stopCh   chan struct{}
	stopOnce sync.Once
	bgWg     sync.WaitGroup
	running  atomic.Bool
	closed   atomic.Bool

	onConnChange func(int)

	totalConnections atomic.Uint64
	framesSent       atomic.Uint64
	bytesSent        atomic.Uint64
	dropped          atomic.Uint64

	// 只在推送 goroutine 中访问
	lastConfig        session.Config
	hasConfig         bool
	lastImpedancePush time.Time
}

// NewHub 创建推送中心
func NewHub(source Source, cfg Config, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = def.PushInterval
	}
	if cfg.ImpedanceInterval <= 0 {
		cfg.ImpedanceInterval = def.ImpedanceInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = def.RateHz
	}

	h := &Hub{
		cfg:    cfg,
		source: source,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 渲染端可能来自任意源
			},
		},
		outbox: make(chan []byte, cfg.OutboxSize),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start 启动推送循环
func (h *Hub) Start() error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}
	h.bgWg.Add(1)
	go h.pushLoop()
	return nil
}

// Shutdown 关闭全部连接并等待后台 goroutine 退出
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
		h.connections.Range(func(_, value any) bool {
			h.closeConnection(value.(*connection), "server shutdown")
			return true
		})
	})

	done := make(chan struct{})
	go func() {
		h.connWg.Wait()
		h.bgWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("feed shutdown: %w", ctx.Err())
	}
}

// Connections 当前连接数
func (h *Hub) Connections() int {
	return int(h.connCount.Load())
}

// Stats 统计信息
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:      h.Connections(),
		TotalConnections: h.totalConnections.Load(),
		FramesSent:       h.framesSent.Load(),
		BytesSent:        h.bytesSent.Load(),
		Dropped:          h.dropped.Load(),
	}
}

// PublishEvent 广播一条会话日志，不阻塞调用方
func (h *Hub) PublishEvent(rec session.EventRecord) {
	frame, err := protocol.EncodeEvent(protocol.Event{
		Seq:       rec.Seq,
		Timestamp: rec.Timestamp,
		Display:   rec.Display,
		Message:   rec.Message,
	})
	if err != nil {
		h.logger.Debug("encode event frame failed", "error", err)
		return
	}
	h.enqueue(frame)
}

// PublishLog 实现 logger.Sink，把服务端日志推给渲染端
func (h *Hub) PublishLog(t time.Time, level, message string, attrs map[string]any) {
	frame, err := protocol.EncodeLog(protocol.LogLine{Time: t, Level: level, Message: message, Attrs: attrs})
	if err != nil {
		return
	}
	h.enqueue(frame)
}

func (h *Hub) enqueue(frame []byte) {
	if h.closed.Load() || h.connCount.Load() == 0 {
		return
	}
	select {
	case h.outbox <- frame:
	default:
		h.dropped.Add(1)
	}
}

// ServeHTTP 处理 websocket 升级，连接结束后返回
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "Feed is shutting down", http.StatusServiceUnavailable)
		return
	}
	if int(h.connCount.Load()) >= h.cfg.MaxConnections {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		id:     fmt.Sprintf("feed_%d_%d", time.Now().UnixNano(), h.totalConnections.Add(1)),
		ws:     ws,
		stopCh: make(chan struct{}),
	}

	h.connWg.Add(1)
	defer h.connWg.Done()

	// 注册前先持有连接的写锁，推送循环只能在快照之后写入
	conn.mu.Lock()
	h.connections.Store(conn.id, conn)
	h.notifyConnections(int(h.connCount.Add(1)))
	h.logger.Info("feed client connected", "conn_id", conn.id, "remote", r.RemoteAddr)
	err = h.sendSnapshotLocked(conn)
	conn.mu.Unlock()

	if err != nil {
		h.closeConnection(conn, "snapshot failed")
		return
	}
	h.readLoop(conn)
	h.closeConnection(conn, "client gone")
}

// sendSnapshotLocked 连接建立后发送 Hello 和完整快照，调用方持有 conn.mu
func (h *Hub) sendSnapshotLocked(conn *connection) error {
	samples := h.source.CurrentSamples()

	hello, err := protocol.EncodeHello(protocol.Hello{
		SessionID:  h.source.ID(),
		Capacity:   len(samples),
		RateHz:     h.cfg.RateHz,
		ServerTime: time.Now(),
	})
	if err != nil {
		return err
	}
	frames := [][]byte{hello}

	batch, err := encodeSamples(samples)
	if err != nil {
		return err
	}
	if batch != nil {
		frames = append(frames, batch)
	}

	cfgFrame, err := protocol.EncodeConfig(ConfigFields(h.source.CurrentConfig()))
	if err != nil {
		return err
	}
	impFrame, err := encodeImpedances(h.source.CurrentImpedances())
	if err != nil {
		return err
	}
	frames = append(frames, cfgFrame, impFrame)

	// 日志按时间正序发送，渲染端逐条前插后即为倒序
	events := h.source.CurrentEvents()
	for _, rec := range slices.Backward(events) {
		f, err := protocol.EncodeEvent(protocol.Event{Seq: rec.Seq, Timestamp: rec.Timestamp, Display: rec.Display, Message: rec.Message})
		if err != nil {
			return err
		}
		frames = append(frames, f)
	}

	if len(samples) > 0 {
		conn.lastSeq = samples[len(samples)-1].Sequence
	}
	for _, f := range frames {
		if err := h.writeLocked(conn, f); err != nil {
			return err
		}
	}
	return nil
}

// readLoop 丢弃客户端消息，只用于感知断开
func (h *Hub) readLoop(conn *connection) {
	conn.ws.SetReadLimit(4096)
	for {
		select {
		case <-conn.stopCh:
			return
		default:
		}
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("feed read error", "conn_id", conn.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) pushLoop() {
	defer h.bgWg.Done()

	ticker := time.NewTicker(h.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case frame := <-h.outbox:
			h.broadcast(frame)
		case now := <-ticker.C:
			h.pushTick(now)
		}
	}
}

// pushTick 推送新采样、变化的配置和定期的阻抗快照
func (h *Hub) pushTick(now time.Time) {
	if h.connCount.Load() == 0 {
		return
	}

	h.connections.Range(func(_, value any) bool {
		conn := value.(*connection)
		conn.mu.Lock()
		samples := h.source.SamplesSince(conn.lastSeq)
		if len(samples) > 0 {
			frame, err := encodeSamples(samples)
			if err == nil && h.writeLocked(conn, frame) == nil {
				conn.lastSeq = samples[len(samples)-1].Sequence
			}
		}
		conn.mu.Unlock()
		return true
	})

	cfg := h.source.CurrentConfig()
	if !h.hasConfig || cfg != h.lastConfig {
		if frame, err := protocol.EncodeConfig(ConfigFields(cfg)); err == nil {
			h.broadcast(frame)
			h.lastConfig = cfg
			h.hasConfig = true
		}
	}

	if now.Sub(h.lastImpedancePush) >= h.cfg.ImpedanceInterval {
		if frame, err := encodeImpedances(h.source.CurrentImpedances()); err == nil {
			h.broadcast(frame)
			h.lastImpedancePush = now
		}
	}
}

func (h *Hub) broadcast(frame []byte) {
	var failed []*connection
	h.connections.Range(func(_, value any) bool {
		conn := value.(*connection)
		conn.mu.Lock()
		err := h.writeLocked(conn, frame)
		conn.mu.Unlock()
		if err != nil {
			failed = append(failed, conn)
		}
		return true
	})
	for _, conn := range failed {
		h.closeConnection(conn, "write failed")
	}
}

func (h *Hub) writeLocked(conn *connection, frame []byte) error {
	_ = conn.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	h.framesSent.Add(1)
	h.bytesSent.Add(uint64(len(frame)))
	return nil
}

func (h *Hub) closeConnection(conn *connection, reason string) {
	if _, loaded := h.connections.LoadAndDelete(conn.id); !loaded {
		return
	}
	n := h.connCount.Add(-1)
	conn.stop()

	conn.mu.Lock()
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	_ = conn.ws.Close()
	conn.mu.Unlock()

	h.notifyConnections(int(n))
	h.logger.Info("feed client disconnected", "conn_id", conn.id, "reason", reason)
}

func (h *Hub) notifyConnections(n int) {
	if h.onConnChange != nil {
		h.onConnChange(n)
	}
}

func encodeSamples(samples []stream.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	batch := protocol.SampleBatch{
		Sequences: make([]uint64, len(samples)),
		Values:    make([]float64, len(samples)),
	}
	for i, s := range samples {
		batch.Sequences[i] = s.Sequence
		batch.Values[i] = s.Value
	}
	return protocol.EncodeSampleBatch(batch)
}

func encodeImpedances(readings []impedance.Reading) ([]byte, error) {
	vals := make([]float64, len(readings))
	for _, r := range readings {
		if r.Channel >= 0 && r.Channel < len(vals) {
			vals[r.Channel] = r.Value
		}
	}
	return protocol.EncodeImpedances(protocol.Impedances{Values: vals})
}

// ConfigFields 配置快照的线上字段
func ConfigFields(cfg session.Config) map[string]any {
	return map[string]any{
		"pairing":             cfg.Pairing.String(),
		"demo_mode":           cfg.DemoMode,
		"stimulation_enabled": cfg.StimulationEnabled,
		"threshold_z":         cfg.ThresholdZ,
		"volume_db":           cfg.VolumeDB,
		"algorithm":           cfg.Algorithm.String(),
		"latency_estimate_ms": cfg.LatencyEstimateMS,
		"battery_pct":         cfg.BatteryPct,
	}
}
