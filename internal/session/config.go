package session

import (
	"errors"
	"fmt"
	"strings"
)

// 参数范围
const (
	MinThreshold = 40
	MaxThreshold = 90
	MinVolume    = 30
	MaxVolume    = 80
	MinBattery   = 0
	MaxBattery   = 100
)

var ErrInvalidAlgorithm = errors.New("session: unknown staging algorithm")

// Algorithm 睡眠分期算法
type Algorithm string

const (
	AlgorithmYASA    Algorithm = "YASA"
	AlgorithmCoSleep Algorithm = "CoSleep"
)

// Valid 是否为已知算法
func (a Algorithm) Valid() bool {
	return a == AlgorithmYASA || a == AlgorithmCoSleep
}

func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm 解析算法名称，大小写不敏感
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yasa":
		return AlgorithmYASA, nil
	case "cosleep", "co-sleep":
		return AlgorithmCoSleep, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAlgorithm, s)
	}
}

// PairingState 配对状态，只能从 Unpaired 变为 Paired
type PairingState string

const (
	Unpaired PairingState = "unpaired"
	Paired   PairingState = "paired"
)

func (p PairingState) String() string {
	return string(p)
}

// Config 会话配置
type Config struct {
	Pairing            PairingState `json:"pairing"`
	DemoMode           bool         `json:"demo_mode"`
	StimulationEnabled bool         `json:"stimulation_enabled"`
	ThresholdZ         int          `json:"threshold_z"`
	VolumeDB           int          `json:"volume_db"`
	Algorithm          Algorithm    `json:"algorithm"`
	LatencyEstimateMS  int          `json:"latency_estimate_ms"`
	BatteryPct         int          `json:"battery_pct"`
}

// DefaultConfig 默认会话配置
func DefaultConfig() Config {
	return Config{
		Pairing:            Unpaired,
		DemoMode:           true,
		StimulationEnabled: false,
		ThresholdZ:         65,
		VolumeDB:           55,
		Algorithm:          AlgorithmYASA,
		LatencyEstimateMS:  120,
		BatteryPct:         78,
	}
}

// Normalize 把数值字段限制在合法范围内，返回被修正的字段
func (c *Config) Normalize() []*ConfigurationError {
	var errs []*ConfigurationError

	if v, cerr := clampField("threshold_z", c.ThresholdZ, MinThreshold, MaxThreshold); cerr != nil {
		c.ThresholdZ = v
		errs = append(errs, cerr)
	}
	if v, cerr := clampField("volume_db", c.VolumeDB, MinVolume, MaxVolume); cerr != nil {
		c.VolumeDB = v
		errs = append(errs, cerr)
	}
	if v, cerr := clampField("battery_pct", c.BatteryPct, MinBattery, MaxBattery); cerr != nil {
		c.BatteryPct = v
		errs = append(errs, cerr)
	}
	if c.LatencyEstimateMS < 0 {
		errs = append(errs, &ConfigurationError{Field: "latency_estimate_ms", Requested: c.LatencyEstimateMS, Applied: 0})
		c.LatencyEstimateMS = 0
	}
	if !c.Algorithm.Valid() {
		c.Algorithm = AlgorithmYASA
	}
	if c.Pairing != Paired {
		c.Pairing = Unpaired
	}
	return errs
}

// ConfigurationError 输入越界，已被限制到最近的合法值
type ConfigurationError struct {
	Field     string
	Requested int
	Applied   int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %d out of range, clamped to %d", e.Field, e.Requested, e.Applied)
}

func clampField(field string, v, lo, hi int) (int, *ConfigurationError) {
	applied := v
	if applied < lo {
		applied = lo
	}
	if applied > hi {
		applied = hi
	}
	if applied == v {
		return v, nil
	}
	return applied, &ConfigurationError{Field: field, Requested: v, Applied: applied}
}
