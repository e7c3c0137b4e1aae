package impedance

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

const (
	DefaultChannels = 8
	DefaultMin      = 15.0
	DefaultMax      = 95.0
)

var ErrInvalidRange = errors.New("impedance: range must satisfy 0 <= min < max <= 100")

// Reading 单通道阻抗读数（kΩ，越低越好）
type Reading struct {
	Channel int     `json:"channel"`
	Value   float64 `json:"value"`
}

// Grade 接触质量等级
type Grade string

const (
	GradeGood Grade = "good"
	GradeFair Grade = "fair"
	GradePoor Grade = "poor"
)

// GradeOf 按阈值 25/60 划分接触质量
func GradeOf(value float64) Grade {
	switch {
	case value < 25:
		return GradeGood
	case value < 60:
		return GradeFair
	default:
		return GradePoor
	}
}

// Sampler 按触发键记忆的阻抗快照生成器。
// 只有触发键或通道数变化时才重新生成整组读数，旧读数完全丢弃。
type Sampler struct {
	min, max float64

	mu         sync.Mutex
	rng        *rand.Rand
	key        uint64
	hasKey     bool
	readings   []Reading
	recomputes uint64
}

// NewSampler 创建阻抗采样器
func NewSampler(min, max float64, seed uint64) (*Sampler, error) {
	if min < 0 || max > 100 || min >= max {
		return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, min, max)
	}
	return &Sampler{
		min: min,
		max: max,
		rng: rand.New(rand.NewPCG(seed, ^seed)),
	}, nil
}

// Sample 返回 channelCount 个读数的副本
func (s *Sampler) Sample(channelCount int, triggerKey uint64) []Reading {
	if channelCount < 0 {
		channelCount = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasKey || s.key != triggerKey || len(s.readings) != channelCount {
		readings := make([]Reading, channelCount)
		for i := range readings {
			readings[i] = Reading{
				Channel: i,
				Value:   s.min + s.rng.Float64()*(s.max-s.min),
			}
		}
		s.readings = readings
		s.key = triggerKey
		s.hasKey = true
		s.recomputes++
	}

	out := make([]Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// Recomputes 重新生成的次数
func (s *Sampler) Recomputes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputes
}
