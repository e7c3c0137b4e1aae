package stream

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Generator 采样值生成器
type Generator interface {
	Next(view View) float64
}

// GeneratorFunc 函数适配器
type GeneratorFunc func(view View) float64

// Next 实现 Generator
func (f GeneratorFunc) Next(view View) float64 {
	return f(view)
}

// Constant 恒定值生成器，主要用于测试
func Constant(v float64) Generator {
	return GeneratorFunc(func(View) float64 { return v })
}

// SyntheticEEG 合成的类脑电波形：慢波正弦叠加少量噪声
type SyntheticEEG struct {
	Amplitude   float64 // 正弦幅值
	Noise       float64 // 噪声峰峰值
	PhaseStep   float64 // 每个采样的相位增量（弧度）
	PhaseJitter float64 // 相位随机抖动上限

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSyntheticEEG 创建合成波形生成器
func NewSyntheticEEG(seed uint64) *SyntheticEEG {
	return &SyntheticEEG{
		Amplitude:   40,
		Noise:       8,
		PhaseStep:   1.0 / 8,
		PhaseJitter: 0.2,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next 实现 Generator
func (g *SyntheticEEG) Next(view View) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	phase := float64(view.Newest().Sequence+1)*g.PhaseStep + g.rng.Float64()*g.PhaseJitter
	return math.Sin(phase)*g.Amplitude + (g.rng.Float64()-0.5)*g.Noise
}
