package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"SoundAsleep/internal/eventloop"
	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/stream"
)

var (
	ErrNotPaired      = errors.New("session: headband is not paired")
	ErrSessionStopped = errors.New("session: controller is stopped")
)

// 事件日志文案
const (
	MsgInitialized     = "App initialized."
	MsgAwaitingPairing = "Awaiting device pairing…"
	MsgPaired          = "Headband paired via BLE."
	MsgAlreadyPaired   = "Headband already paired."
	MsgCalibrateDenied = "Latency calibration rejected: headband not paired."
	MsgTestBurst       = "Pink-noise test burst requested."
	MsgStimulationOn   = "Closed-loop stimulation enabled."
	MsgStimulationOff  = "Closed-loop stimulation disabled."
	MsgBatteryLow      = "Battery low (20%)."
	MsgSessionStopped  = "Session stopped."
)

const (
	minLatencyEstimate  = 80
	lowBatteryThreshold = 20
)

func calibratedMessage(ms int) string {
	return fmt.Sprintf("Audio latency calibrated → %d ms", ms)
}

func ackMessage(ms int) string {
	return fmt.Sprintf("Pink-noise playback ACK (Δt=%d ms).", ms)
}

// CalibrateLatency 由音量和 [0,1) 随机数计算延迟估计，音量越低估计越高，下限 80ms
func CalibrateLatency(volumeDB int, r float64) int {
	est := 100 + int(math.Round(float64(60-volumeDB)*0.6+r*20))
	if est < minLatencyEstimate {
		return minLatencyEstimate
	}
	return est
}

// Summary 分期卡片上的派生数值
type Summary struct {
	DetectedSlowWaves int    `json:"detected_slow_waves"`
	StimBursts        int    `json:"stim_bursts"`
	PhaseErrorMS      int    `json:"phase_error_ms"`
	Algorithm         string `json:"algorithm"`
}

// SummaryOf 由配置计算派生数值
func SummaryOf(cfg Config) Summary {
	bonus := 3
	bursts := 0
	if cfg.StimulationEnabled {
		bonus = 5
		bursts = 6
	}
	phaseErr := cfg.LatencyEstimateMS - 100
	if phaseErr < 0 {
		phaseErr = 0
	}
	return Summary{
		DetectedSlowWaves: int(math.Floor(float64(cfg.ThresholdZ)/10)) + bonus,
		StimBursts:        bursts,
		PhaseErrorMS:      phaseErr,
		Algorithm:         cfg.Algorithm.String(),
	}
}

// Observer 控制器事件观察者，用于指标采集
type Observer interface {
	EventAppended(rec EventRecord)
	AckScheduled()
	AckFired(latency time.Duration)
	InputClamped(field string)
}

type nopObserver struct{}

func (nopObserver) EventAppended(EventRecord) {}
func (nopObserver) AckScheduled()             {}
func (nopObserver) AckFired(time.Duration)    {}
func (nopObserver) InputClamped(string)       {}

// Settings 控制器的构造参数
type Settings struct {
	Defaults                     Config
	TimelineCapacity             int
	ImpedanceChannels            int
	RequirePairingForCalibration bool
	BatteryDrainSchedule         string
}

// DefaultSettings 默认构造参数
func DefaultSettings() Settings {
	return Settings{
		Defaults:                     DefaultConfig(),
		TimelineCapacity:             DefaultTimelineCapacity,
		ImpedanceChannels:            impedance.DefaultChannels,
		RequirePairingForCalibration: true,
		BatteryDrainSchedule:         "@every 1m",
	}
}

// Option 控制器选项
type Option func(*Controller)

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver 设置观察者
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.observer = obs
		}
	}
}

// WithStreamer 绑定采样驱动器，随 Start/Stop 启停
func WithStreamer(s *stream.Streamer) Option {
	return func(c *Controller) {
		c.streamer = s
	}
}

// WithRand 设置校准用的随机源
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) {
		if r != nil {
			c.rng = r
		}
	}
}

// Controller 会话控制器：处理操作、维护配置、提供快照
type Controller struct {
	id       string
	loop     *eventloop.Loop
	buffer   *stream.SampleBuffer
	sampler  *impedance.Sampler
	timeline *EventTimeline
	acks     *LatencyGatedAck
	streamer *stream.Streamer
	drain    *BatteryDrain
	settings Settings
	logger   *slog.Logger
	observer Observer

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.RWMutex
	cfg       Config
	startedAt time.Time
	running   bool
	stopped   bool

	listenerMu sync.RWMutex
	listeners  []func(EventRecord)
}

// NewController 创建会话控制器，写入初始日志
func NewController(loop *eventloop.Loop, buffer *stream.SampleBuffer, sampler *impedance.Sampler, settings Settings, opts ...Option) (*Controller, error) {
	if loop == nil || buffer == nil || sampler == nil {
		return nil, errors.New("session: loop, buffer and sampler are required")
	}
	if settings.TimelineCapacity == 0 {
		settings.TimelineCapacity = DefaultTimelineCapacity
	}
	if settings.ImpedanceChannels <= 0 {
		settings.ImpedanceChannels = impedance.DefaultChannels
	}

	timeline, err := NewEventTimeline(settings.TimelineCapacity, loop)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		id:       uuid.NewString(),
		loop:     loop,
		buffer:   buffer,
		sampler:  sampler,
		timeline: timeline,
		settings: settings,
		logger:   slog.Default(),
		observer: nopObserver{},
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", c.id)
	c.acks = NewLatencyGatedAck(loop, c.logger)

	cfg := settings.Defaults
	for _, cerr := range cfg.Normalize() {
		c.logger.Warn("session default adjusted", "error", cerr)
	}
	c.cfg = cfg

	drain, err := NewBatteryDrain(settings.BatteryDrainSchedule, loop, c.drainBattery, c.logger)
	if err != nil {
		return nil, err
	}
	c.drain = drain

	c.appendEvent(MsgInitialized)
	c.appendEvent(MsgAwaitingPairing)
	return c, nil
}

// ID 会话标识
func (c *Controller) ID() string {
	return c.id
}

// Start 启动采样和电量消耗
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrSessionStopped
	}
	if c.running {
		return nil
	}
	if c.streamer != nil {
		if err := c.streamer.Start(); err != nil {
			return err
		}
	}
	if c.drain != nil {
		if err := c.drain.Start(); err != nil {
			if c.streamer != nil {
				c.streamer.Stop()
			}
			return err
		}
	}
	c.running = true
	c.startedAt = c.loop.Now()
	c.logger.Info("session started")
	return nil
}

// Stop 取消全部周期任务和未触发的确认，关闭事件循环
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.running = false
	c.mu.Unlock()

	if c.streamer != nil {
		c.streamer.Stop()
	}
	if c.drain != nil {
		c.drain.Stop()
	}
	cancelled := c.acks.CancelAll()
	c.appendEvent(MsgSessionStopped)
	c.loop.Close()

	c.logger.Info("session stopped", "cancelled_acks", cancelled, "ack_stats", c.acks.Stats())
}

// Running 是否在运行
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// OnEvent 订阅新日志条目
func (c *Controller) OnEvent(listener func(EventRecord)) {
	if listener == nil {
		return
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenerMu.Unlock()
}

// Pair 配对头带，单向转换
func (c *Controller) Pair() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrSessionStopped
	}
	already := c.cfg.Pairing == Paired
	c.cfg.Pairing = Paired
	c.mu.Unlock()

	if already {
		c.appendEvent(MsgAlreadyPaired)
		return nil
	}
	c.logger.Info("headband paired")
	c.appendEvent(MsgPaired)
	return nil
}

// Calibrate 重新估计音频延迟
func (c *Controller) Calibrate() (int, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, ErrSessionStopped
	}
	if c.settings.RequirePairingForCalibration && c.cfg.Pairing != Paired {
		c.mu.Unlock()
		c.logger.Warn("calibration rejected", "error", ErrNotPaired)
		c.appendEvent(MsgCalibrateDenied)
		return 0, ErrNotPaired
	}
	est := CalibrateLatency(c.cfg.VolumeDB, c.random())
	c.cfg.LatencyEstimateMS = est
	c.mu.Unlock()

	c.logger.Info("latency calibrated", "latency_ms", est)
	c.appendEvent(calibratedMessage(est))
	return est, nil
}

// TriggerTestBurst 请求测试音，确认在当前延迟估计之后写入日志
func (c *Controller) TriggerTestBurst() (AckID, error) {
	c.mu.RLock()
	if c.stopped {
		c.mu.RUnlock()
		return 0, ErrSessionStopped
	}
	latency := c.cfg.LatencyEstimateMS
	c.mu.RUnlock()

	c.appendEvent(MsgTestBurst)

	scheduledAt := c.loop.Now()
	id, err := c.acks.ScheduleMillis(float64(latency), func() {
		c.observer.AckFired(c.loop.Now().Sub(scheduledAt))
		c.appendEvent(ackMessage(latency))
	})
	if err != nil {
		return 0, fmt.Errorf("trigger test burst: %w", err)
	}
	c.observer.AckScheduled()
	return id, nil
}

// SetStimulation 开关闭环刺激
func (c *Controller) SetStimulation(enabled bool) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrSessionStopped
	}
	changed := c.cfg.StimulationEnabled != enabled
	c.cfg.StimulationEnabled = enabled
	c.mu.Unlock()

	if changed {
		if enabled {
			c.appendEvent(MsgStimulationOn)
		} else {
			c.appendEvent(MsgStimulationOff)
		}
	}
	return nil
}

// SetDemoMode 开关演示模式
func (c *Controller) SetDemoMode(enabled bool) error {
	return c.update(func(cfg *Config) { cfg.DemoMode = enabled })
}

// SetThreshold 设置检测阈值，返回实际生效的值
func (c *Controller) SetThreshold(z int) (int, error) {
	applied, cerr := clampField("threshold_z", z, MinThreshold, MaxThreshold)
	c.reportClamp(cerr)
	return applied, c.update(func(cfg *Config) { cfg.ThresholdZ = applied })
}

// SetVolume 设置音量，返回实际生效的值
func (c *Controller) SetVolume(db int) (int, error) {
	applied, cerr := clampField("volume_db", db, MinVolume, MaxVolume)
	c.reportClamp(cerr)
	return applied, c.update(func(cfg *Config) { cfg.VolumeDB = applied })
}

// SetAlgorithm 切换分期算法，未知算法保持原值
func (c *Controller) SetAlgorithm(a Algorithm) error {
	if !a.Valid() {
		c.logger.Warn("algorithm rejected", "algorithm", string(a))
		return fmt.Errorf("%w: %q", ErrInvalidAlgorithm, string(a))
	}
	return c.update(func(cfg *Config) { cfg.Algorithm = a })
}

// CurrentSamples 采样快照，按时间顺序
func (c *Controller) CurrentSamples() []stream.Sample {
	return c.buffer.Samples()
}

// SamplesSince 序列号大于 seq 的采样
func (c *Controller) SamplesSince(seq uint64) []stream.Sample {
	return c.buffer.Since(seq)
}

// CurrentImpedances 阻抗快照，缓冲区最旧采样变化时重新生成
func (c *Controller) CurrentImpedances() []impedance.Reading {
	return c.sampler.Sample(c.settings.ImpedanceChannels, c.buffer.Oldest().Sequence)
}

// CurrentEvents 日志快照，新条目在前
func (c *Controller) CurrentEvents() []EventRecord {
	return c.timeline.Events()
}

// CurrentConfig 配置快照
func (c *Controller) CurrentConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Summary 分期卡片数值
func (c *Controller) Summary() Summary {
	return SummaryOf(c.CurrentConfig())
}

// AckStats 确认往返统计
func (c *Controller) AckStats() AckStats {
	return c.acks.Stats()
}

// PendingAcks 未触发的确认数量
func (c *Controller) PendingAcks() int {
	return c.acks.Pending()
}

// Uptime 会话已运行时长
func (c *Controller) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return c.loop.Now().Sub(c.startedAt)
}

// drainBattery 电量减 1%，降到阈值时写一条提醒
func (c *Controller) drainBattery() {
	c.mu.Lock()
	if c.cfg.BatteryPct <= MinBattery {
		c.mu.Unlock()
		return
	}
	c.cfg.BatteryPct--
	pct := c.cfg.BatteryPct
	c.mu.Unlock()

	c.logger.Debug("battery drained", "battery_pct", pct)
	if pct == lowBatteryThreshold {
		c.appendEvent(MsgBatteryLow)
	}
}

func (c *Controller) update(fn func(*Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrSessionStopped
	}
	fn(&c.cfg)
	return nil
}

func (c *Controller) reportClamp(cerr *ConfigurationError) {
	if cerr == nil {
		return
	}
	c.logger.Warn("input clamped", "field", cerr.Field, "requested", cerr.Requested, "applied", cerr.Applied)
	c.observer.InputClamped(cerr.Field)
}

func (c *Controller) random() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *Controller) appendEvent(message string) EventRecord {
	rec := c.timeline.Append(message)
	c.observer.EventAppended(rec)

	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		c.notify(l, rec)
	}
	return rec
}

func (c *Controller) notify(listener func(EventRecord), rec EventRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener panicked", "panic", r)
		}
	}()
	listener(rec)
}
