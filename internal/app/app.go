// Package app 把会话核心、推送、HTTP API 和指标组装成一个进程
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"SoundAsleep/internal/config"
	"SoundAsleep/internal/eventloop"
	"SoundAsleep/internal/feed"
	"SoundAsleep/internal/httpserver"
	"SoundAsleep/internal/impedance"
	"SoundAsleep/internal/logger"
	"SoundAsleep/internal/metrics"
	"SoundAsleep/internal/session"
	"SoundAsleep/internal/stream"
)

// Option 应用选项
type Option func(*options)

type options struct {
	clock     eventloop.Clock
	logOutput io.Writer
}

// WithClock 替换事件循环的时钟，demo 命令使用手动时钟
func WithClock(clock eventloop.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogOutput 日志输出位置，默认标准输出
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// App 一个进程内的完整会话
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	loop       *eventloop.Loop
	buffer     *stream.SampleBuffer
	controller *session.Controller
	metrics    *metrics.Metrics
	hub        *feed.Hub
	api        *httpserver.APIServer

	// 日志 handler 先于 hub 创建，通过指针延迟绑定
	sink atomic.Pointer[feed.Hub]
}

// New 按配置构建全部组件，但不启动
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg}
	a.logger, a.level = logger.Build(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    o.logOutput,
		Sink:      logger.SinkFunc(a.publishLog),
		SinkLevel: logger.ParseLevel(cfg.Feed.LogLevel),
	})

	loopOpts := []eventloop.Option{eventloop.WithLogger(a.logger)}
	if o.clock != nil {
		loopOpts = append(loopOpts, eventloop.WithClock(o.clock))
	}
	a.loop = eventloop.New(loopOpts...)

	buffer, err := stream.NewSampleBuffer(cfg.Stream.Capacity, cfg.Stream.FillValue)
	if err != nil {
		return nil, fmt.Errorf("create sample buffer: %w", err)
	}
	a.buffer = buffer

	sampler, err := impedance.NewSampler(cfg.Impedance.Min, cfg.Impedance.Max, seedOrNow(cfg.Impedance.Seed))
	if err != nil {
		return nil, fmt.Errorf("create impedance sampler: %w", err)
	}

	a.metrics = metrics.New()

	streamer, err := stream.NewStreamer(a.loop, buffer, stream.NewSyntheticEEG(seedOrNow(cfg.Stream.Seed)), cfg.Stream.RateHz,
		stream.WithStreamLogger(a.logger),
		stream.WithTickHook(a.metrics.TickHook),
	)
	if err != nil {
		return nil, fmt.Errorf("create streamer: %w", err)
	}

	a.controller, err = session.NewController(a.loop, buffer, sampler, SessionSettings(cfg),
		session.WithLogger(a.logger),
		session.WithObserver(a.metrics),
		session.WithStreamer(streamer),
		session.WithRand(rand.New(rand.NewPCG(seedOrNow(cfg.Stream.Seed), 0x50a5))),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	a.hub = feed.NewHub(a.controller, feed.Config{
		PushInterval:      cfg.Feed.PushInterval,
		ImpedanceInterval: cfg.Feed.ImpedanceInterval,
		WriteTimeout:      cfg.Feed.WriteTimeout,
		MaxConnections:    cfg.Feed.MaxConnections,
		OutboxSize:        cfg.Feed.OutboxSize,
		RateHz:            cfg.Stream.RateHz,
	},
		feed.WithLogger(a.logger),
		feed.WithConnectionHook(a.metrics.SetFeedConnections),
	)
	a.sink.Store(a.hub)
	a.controller.OnEvent(a.hub.PublishEvent)

	a.api = httpserver.NewAPIServer(httpserver.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, a.controller,
		httpserver.WithLogger(a.logger),
		httpserver.WithMetrics(a.metrics, a.refreshGauges),
		httpserver.WithFeed(a.hub),
	)

	return a, nil
}

// SessionSettings 把配置转换为会话参数
func SessionSettings(cfg *config.Config) session.Settings {
	s := session.DefaultSettings()
	s.TimelineCapacity = cfg.Timeline.Capacity
	s.ImpedanceChannels = cfg.Impedance.Channels
	s.RequirePairingForCalibration = cfg.Session.RequirePairingForCalibration
	s.BatteryDrainSchedule = cfg.Session.BatteryDrainSchedule

	s.Defaults.DemoMode = cfg.Session.DemoMode
	s.Defaults.StimulationEnabled = cfg.Session.StimulationEnabled
	s.Defaults.ThresholdZ = cfg.Session.ThresholdZ
	s.Defaults.VolumeDB = cfg.Session.VolumeDB
	s.Defaults.LatencyEstimateMS = cfg.Session.LatencyEstimateMS
	s.Defaults.BatteryPct = cfg.Session.BatteryPct
	if a, err := session.ParseAlgorithm(cfg.Session.Algorithm); err == nil {
		s.Defaults.Algorithm = a
	}
	return s
}

// Logger 应用日志器
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Controller 会话控制器
func (a *App) Controller() *session.Controller {
	return a.controller
}

// Loop 事件循环
func (a *App) Loop() *eventloop.Loop {
	return a.loop
}

// Metrics 指标
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// API HTTP 服务器
func (a *App) API() *httpserver.APIServer {
	return a.api
}

// SetLogLevel 运行时调整日志级别，用于配置热加载
func (a *App) SetLogLevel(level string) {
	lvl := logger.ParseLevel(level)
	if a.level.Level() != lvl {
		a.level.Set(lvl)
		a.logger.Info("log level changed", "level", lvl.String())
	}
}

// Run 启动会话、事件循环、推送和 HTTP 服务，ctx 取消后按顺序关闭
func (a *App) Run(ctx context.Context) error {
	if err := a.controller.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})

	g.Go(a.api.Start)

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	a.logger.Info("soundasleep started",
		"session_id", a.controller.ID(),
		"addr", a.cfg.Server.Addr,
		"rate_hz", a.cfg.Stream.RateHz,
		"capacity", a.cfg.Stream.Capacity,
	)
	return g.Wait()
}

func (a *App) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.controller.Stop()

	var errs []error
	if err := a.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.sink.Store(nil)
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("soundasleep stopped")
	return errors.Join(errs...)
}

// refreshGauges 每次抓取 /metrics 前刷新派生指标
func (a *App) refreshGauges() {
	a.metrics.ObserveConfig(a.controller.CurrentConfig())
}

func (a *App) publishLog(t time.Time, level, message string, attrs map[string]any) {
	if h := a.sink.Load(); h != nil {
		h.PublishLog(t, level, message, attrs)
	}
}

func seedOrNow(seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	return uint64(time.Now().UnixNano())
}
