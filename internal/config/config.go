package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"SoundAsleep/internal/stream"
)

// EnvPrefix 环境变量前缀，例如 SOUNDASLEEP_SERVER_ADDR
const EnvPrefix = "SOUNDASLEEP"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StreamConfig 采样缓冲区和生成器配置
type StreamConfig struct {
	Capacity  int     `yaml:"capacity" mapstructure:"capacity"`
	RateHz    float64 `yaml:"rate_hz" mapstructure:"rate_hz"`
	FillValue float64 `yaml:"fill_value" mapstructure:"fill_value"`
	Seed      uint64  `yaml:"seed" mapstructure:"seed"` // 0 表示按时间取种子
}

// ImpedanceConfig 阻抗采样配置
type ImpedanceConfig struct {
	Channels int     `yaml:"channels" mapstructure:"channels"`
	Min      float64 `yaml:"min" mapstructure:"min"`
	Max      float64 `yaml:"max" mapstructure:"max"`
	Seed     uint64  `yaml:"seed" mapstructure:"seed"`
}

// TimelineConfig 会话日志配置
type TimelineConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity"`
}

// SessionConfig 会话初始值和行为开关
type SessionConfig struct {
	DemoMode                     bool   `yaml:"demo_mode" mapstructure:"demo_mode"`
	StimulationEnabled           bool   `yaml:"stimulation_enabled" mapstructure:"stimulation_enabled"`
	ThresholdZ                   int    `yaml:"threshold_z" mapstructure:"threshold_z"`
	VolumeDB                     int    `yaml:"volume_db" mapstructure:"volume_db"`
	Algorithm                    string `yaml:"algorithm" mapstructure:"algorithm"`
	LatencyEstimateMS            int    `yaml:"latency_estimate_ms" mapstructure:"latency_estimate_ms"`
	BatteryPct                   int    `yaml:"battery_pct" mapstructure:"battery_pct"`
	BatteryDrainSchedule         string `yaml:"battery_drain_schedule" mapstructure:"battery_drain_schedule"`
	RequirePairingForCalibration bool   `yaml:"require_pairing_for_calibration" mapstructure:"require_pairing_for_calibration"`
}

// FeedConfig 渲染端推送配置
type FeedConfig struct {
	PushInterval      time.Duration `yaml:"push_interval" mapstructure:"push_interval"`
	ImpedanceInterval time.Duration `yaml:"impedance_interval" mapstructure:"impedance_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`
	OutboxSize        int           `yaml:"outbox_size" mapstructure:"outbox_size"`
	LogLevel          string        `yaml:"log_level" mapstructure:"log_level"` // 转发给渲染端的最低日志级别
}

// ClientConfig monitor 命令的推送客户端配置
type ClientConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
	MaxReconnectTries int           `yaml:"max_reconnect_tries" mapstructure:"max_reconnect_tries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config 完整配置
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Stream    StreamConfig    `yaml:"stream" mapstructure:"stream"`
	Impedance ImpedanceConfig `yaml:"impedance" mapstructure:"impedance"`
	Timeline  TimelineConfig  `yaml:"timeline" mapstructure:"timeline"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
	Client    ClientConfig    `yaml:"client" mapstructure:"client"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// Load 读取配置。path 为空时按默认路径查找 soundasleep.yaml，找不到则只用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	if err := loadDotEnv(); err != nil {
		return nil, nil, err
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// loadDotEnv 加载当前目录的 .env，不覆盖已有环境变量
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("soundasleep")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// setDefaults 设置默认值，环境变量只对设置过默认值的键生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("stream.capacity", 256)
	v.SetDefault("stream.rate_hz", 30.0)
	v.SetDefault("stream.fill_value", 0.0)
	v.SetDefault("stream.seed", 0)

	v.SetDefault("impedance.channels", 8)
	v.SetDefault("impedance.min", 15.0)
	v.SetDefault("impedance.max", 95.0)
	v.SetDefault("impedance.seed", 0)

	v.SetDefault("timeline.capacity", 40)

	v.SetDefault("session.demo_mode", true)
	v.SetDefault("session.stimulation_enabled", false)
	v.SetDefault("session.threshold_z", 65)
	v.SetDefault("session.volume_db", 55)
	v.SetDefault("session.algorithm", "YASA")
	v.SetDefault("session.latency_estimate_ms", 120)
	v.SetDefault("session.battery_pct", 78)
	v.SetDefault("session.battery_drain_schedule", "@every 1m")
	v.SetDefault("session.require_pairing_for_calibration", true)

	v.SetDefault("feed.push_interval", "100ms")
	v.SetDefault("feed.impedance_interval", "1s")
	v.SetDefault("feed.write_timeout", "5s")
	v.SetDefault("feed.max_connections", 64)
	v.SetDefault("feed.outbox_size", 256)
	v.SetDefault("feed.log_level", "warn")

	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.handshake_timeout", "10s")
	v.SetDefault("client.reconnect_interval", "2s")
	v.SetDefault("client.max_reconnect_tries", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate 检查结构性错误。会话数值越界不算错误，由会话自己钳制。
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Stream.Capacity >= 1, "stream.capacity must be >= 1, got %d", c.Stream.Capacity)
	check(c.Stream.RateHz > 0, "stream.rate_hz must be > 0, got %v", c.Stream.RateHz)
	check(c.Stream.FillValue >= stream.MinValue && c.Stream.FillValue <= stream.MaxValue,
		"stream.fill_value must be within [%v, %v], got %v", stream.MinValue, stream.MaxValue, c.Stream.FillValue)
	check(c.Impedance.Channels >= 1, "impedance.channels must be >= 1, got %d", c.Impedance.Channels)
	check(c.Impedance.Min >= 0 && c.Impedance.Min < c.Impedance.Max && c.Impedance.Max <= 100,
		"impedance range must satisfy 0 <= min < max <= 100, got [%v, %v]", c.Impedance.Min, c.Impedance.Max)
	check(c.Timeline.Capacity >= 1, "timeline.capacity must be >= 1, got %d", c.Timeline.Capacity)
	check(c.Feed.PushInterval > 0, "feed.push_interval must be > 0")
	check(c.Feed.MaxConnections >= 1, "feed.max_connections must be >= 1, got %d", c.Feed.MaxConnections)
	check(c.Client.MaxReconnectTries >= 0, "client.max_reconnect_tries must be >= 0, got %d", c.Client.MaxReconnectTries)

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
