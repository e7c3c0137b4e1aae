package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"SoundAsleep/internal/eventloop"
)

var ErrInvalidRate = errors.New("stream: rate must be a positive finite number")

// TickHook 每次写入后的回调，err 非空表示本次被跳过
type TickHook func(sample Sample, err error)

// StreamerOption 驱动器选项
type StreamerOption func(*Streamer)

// WithStreamLogger 设置日志器
func WithStreamLogger(logger *slog.Logger) StreamerOption {
	return func(s *Streamer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTickHook 设置写入回调
func WithTickHook(hook TickHook) StreamerOption {
	return func(s *Streamer) {
		s.hook = hook
	}
}

// Streamer 以固定频率在事件循环上驱动 SampleBuffer
type Streamer struct {
	loop     *eventloop.Loop
	buffer   *SampleBuffer
	gen      Generator
	interval time.Duration
	logger   *slog.Logger
	hook     TickHook

	mu      sync.Mutex
	token   eventloop.Token
	running bool
}

// NewStreamer 创建驱动器，rateHz 为采样频率
func NewStreamer(loop *eventloop.Loop, buffer *SampleBuffer, gen Generator, rateHz float64, opts ...StreamerOption) (*Streamer, error) {
	if rateHz <= 0 || math.IsNaN(rateHz) || math.IsInf(rateHz, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rateHz)
	}
	interval := time.Duration(float64(time.Second) / rateHz)
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rateHz)
	}

	s := &Streamer{
		loop:     loop,
		buffer:   buffer,
		gen:      gen,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 开始周期采样，重复调用无副作用
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	token, err := s.loop.Every(s.interval, s.tick)
	if err != nil {
		return fmt.Errorf("start streamer: %w", err)
	}
	s.token = token
	s.running = true
	s.logger.Info("streamer started", "interval", s.interval, "capacity", s.buffer.Capacity())
	return nil
}

// Stop 停止周期采样
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.loop.Cancel(s.token)
	s.running = false
	s.logger.Info("streamer stopped", "stats", s.buffer.Stats())
}

// Running 是否在运行
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval 采样间隔
func (s *Streamer) Interval() time.Duration {
	return s.interval
}

func (s *Streamer) tick() {
	sample, err := s.buffer.Tick(s.gen)
	if err != nil {
		s.logger.Debug("sample tick skipped", "error", err)
	}
	if s.hook != nil {
		s.hook(sample, err)
	}
}
