package feedclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"SoundAsleep/internal/protocol"
)

var (
	ErrNotDisconnected = errors.New("feedclient: client is not in disconnected state")
	ErrNoHello         = errors.New("feedclient: server did not send hello")
)

// State 客户端连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handlers 消息回调，全部在读取 goroutine 中调用
type Handlers struct {
	OnHello       func(protocol.Hello)
	OnSamples     func(protocol.SampleBatch) // 已去重
	OnEvent       func(protocol.Event)
	OnConfig      func(map[string]any)
	OnImpedances  func(protocol.Impedances)
	OnLog         func(protocol.LogLine)
	OnStateChange func(oldState, newState State)
}

// Config 客户端配置
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration // 超过该时间没有任何帧则视为断开
	ReconnectInterval time.Duration
	MaxReconnectTries int
	UserAgent         string
}

// DefaultConfig 默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       30 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "SoundAsleep-monitor/1.0",
	}
}

// Stats 客户端统计
type Stats struct {
	State           string `json:"state"`
	SessionID       string `json:"session_id"`
	LastSeq         uint64 `json:"last_seq"`
	Frames          uint64 `json:"frames"`
	Duplicates      uint64 `json:"duplicates"`
	DuplicateEvents uint64 `json:"duplicate_events"`
	Reconnects      int64  `json:"reconnects"`
}

// Option 选项
type Option func(*Client)

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client 渲染端推送的消费者，断线后指数退避重连，按序列号丢弃重复的采样和日志
type Client struct {
	cfg      Config
	handlers Handlers
	dialer   *websocket.Dialer
	logger   *slog.Logger
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	decoder   *protocol.FrameDecoder
	sessionID string

	lastSeq    atomic.Uint64
	hasSeq     atomic.Bool
	frames     atomic.Uint64
	duplicates atomic.Uint64
	reconnects atomic.Int64

	lastEventSeq    atomic.Uint64
	duplicateEvents atomic.Uint64
}

// New 创建客户端
func New(cfg Config, handlers Handlers, opts ...Option) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		handlers: handlers,
		dialer:   &dialer,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect 建立连接并读取 Hello，之后在后台持续读取
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return ErrNotDisconnected
	}

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)

	go c.run()
	return nil
}

// Done 后台读取结束（关闭或放弃重连）时关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close 关闭客户端
func (c *Client) Close() error {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	c.notifyState(prev, StateClosed)
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// State 当前状态
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stats 统计信息
func (c *Client) Stats() Stats {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	return Stats{
		State:           c.State().String(),
		SessionID:       sid,
		LastSeq:         c.lastSeq.Load(),
		Frames:          c.frames.Load(),
		Duplicates:      c.duplicates.Load(),
		DuplicateEvents: c.duplicateEvents.Load(),
		Reconnects:      c.reconnects.Load(),
	}
}

// dial 拨号并完成 Hello 握手
func (c *Client) dial(ctx context.Context) error {
	headers := http.Header{"User-Agent": []string{c.cfg.UserAgent}}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	decoder := protocol.NewFrameDecoder()
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	frame, err := readFrame(conn, decoder)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello failed: %w", err)
	}
	if frame.Opcode != protocol.OpHello {
		conn.Close()
		return fmt.Errorf("%w: got %s", ErrNoHello, frame.Opcode)
	}
	hello, err := protocol.DecodeHello(frame)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return context.Canceled
	}
	// 服务端换了会话，序列号重新开始
	if c.sessionID != hello.SessionID {
		c.lastSeq.Store(0)
		c.hasSeq.Store(false)
		c.lastEventSeq.Store(0)
	}
	c.sessionID = hello.SessionID
	c.conn = conn
	c.decoder = decoder
	c.mu.Unlock()

	c.frames.Add(1)
	if c.handlers.OnHello != nil {
		c.handlers.OnHello(hello)
	}
	return nil
}

// run 读取直到出错，然后按退避策略重连
func (c *Client) run() {
	defer close(c.done)

	for {
		err := c.readLoop()
		if c.State() == StateClosed {
			return
		}
		c.logger.Warn("feed connection lost", "error", err)
		c.setState(StateReconnecting)

		if err := c.reconnect(); err != nil {
			if c.State() != StateClosed {
				c.logger.Error("feed reconnect failed, giving up", "error", err)
				c.setState(StateDisconnected)
			}
			return
		}
		c.reconnects.Add(1)
		c.setState(StateConnected)
		c.logger.Info("feed reconnected", "reconnects", c.reconnects.Load())
	}
}

func (c *Client) reconnect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInterval
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if c.cfg.MaxReconnectTries > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(c.cfg.MaxReconnectTries))
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		c.logger.Info("reconnecting to feed", "attempt", attempt, "url", c.cfg.URL)
		err := c.dial(c.ctx)
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, c.ctx))
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn, decoder := c.conn, c.decoder
	c.mu.Unlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		frame, err := readFrame(conn, decoder)
		if err != nil {
			return err
		}
		c.frames.Add(1)
		if err := c.dispatch(frame); err != nil {
			c.logger.Debug("drop malformed frame", "opcode", frame.Opcode.String(), "error", err)
		}
	}
}

func (c *Client) dispatch(frame protocol.Frame) error {
	switch frame.Opcode {
	case protocol.OpSampleBatch:
		batch, err := protocol.DecodeSampleBatch(frame)
		if err != nil {
			return err
		}
		fresh := c.dedup(batch)
		if len(fresh.Sequences) == 0 {
			c.duplicates.Add(1)
			return nil
		}
		if c.handlers.OnSamples != nil {
			c.handlers.OnSamples(fresh)
		}
	case protocol.OpEvent:
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			return err
		}
		if !c.freshEvent(ev.Seq) {
			c.duplicateEvents.Add(1)
			return nil
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
	case protocol.OpConfig:
		cfg, err := protocol.DecodeConfig(frame)
		if err != nil {
			return err
		}
		if c.handlers.OnConfig != nil {
			c.handlers.OnConfig(cfg)
		}
	case protocol.OpImpedances:
		imp, err := protocol.DecodeImpedances(frame)
		if err != nil {
			return err
		}
		if c.handlers.OnImpedances != nil {
			c.handlers.OnImpedances(imp)
		}
	case protocol.OpLog:
		line, err := protocol.DecodeLog(frame)
		if err != nil {
			return err
		}
		if c.handlers.OnLog != nil {
			c.handlers.OnLog(line)
		}
	case protocol.OpHello:
		hello, err := protocol.DecodeHello(frame)
		if err != nil {
			return err
		}
		if c.handlers.OnHello != nil {
			c.handlers.OnHello(hello)
		}
	default:
		return fmt.Errorf("unknown opcode %d", uint16(frame.Opcode))
	}
	return nil
}

// dedup 只保留序列号大于已见最大值的采样
func (c *Client) dedup(batch protocol.SampleBatch) protocol.SampleBatch {
	var fresh protocol.SampleBatch
	for i, seq := range batch.Sequences {
		if c.hasSeq.Load() && seq <= c.lastSeq.Load() {
			continue
		}
		fresh.Sequences = append(fresh.Sequences, seq)
		fresh.Values = append(fresh.Values, batch.Values[i])
		c.lastSeq.Store(seq)
		c.hasSeq.Store(true)
	}
	return fresh
}

// freshEvent 日志序列号是否大于已见最大值；没有序列号的条目总是放行
func (c *Client) freshEvent(seq uint64) bool {
	if seq == 0 {
		return true
	}
	for {
		last := c.lastEventSeq.Load()
		if seq <= last {
			return false
		}
		if c.lastEventSeq.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// readFrame 从二进制消息中取出下一帧，帧可以跨消息，一条消息也可以带多帧
func readFrame(conn *websocket.Conn, decoder *protocol.FrameDecoder) (protocol.Frame, error) {
	for {
		frame, err := decoder.Next()
		if err != nil {
			decoder.Reset()
			return protocol.Frame{}, err
		}
		if frame != nil {
			return *frame, nil
		}

		messageType, r, err := conn.NextReader()
		if err != nil {
			return protocol.Frame{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return protocol.Frame{}, err
		}
		decoder.Feed(raw)
	}
}

func (c *Client) setState(newState State) {
	for {
		old := State(c.state.Load())
		if old == StateClosed || old == newState {
			return
		}
		if c.state.CompareAndSwap(int32(old), int32(newState)) {
			c.notifyState(old, newState)
			return
		}
	}
}

func (c *Client) compareAndSwapState(oldState, newState State) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped {
		c.notifyState(oldState, newState)
	}
	return swapped
}

func (c *Client) notifyState(oldState, newState State) {
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(oldState, newState)
	}
}
