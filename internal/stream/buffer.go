package stream

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	// 显示域
	MinValue = -100.0
	MaxValue = 100.0
)

var (
	ErrInvalidCapacity  = errors.New("stream: capacity must be positive")
	ErrNonFiniteSample  = errors.New("stream: generator produced a non-finite sample")
	ErrInvalidFillValue = errors.New("stream: fill value must be finite")
)

// Sample 单个采样点
type Sample struct {
	Sequence uint64  `json:"sequence"`
	Value    float64 `json:"value"`
}

// BufferStats 缓冲区统计
type BufferStats struct {
	Ticks   uint64 `json:"ticks"`
	Skipped uint64 `json:"skipped"`
	Clamped uint64 `json:"clamped"`
}

// View 生成器可见的只读缓冲区视图
type View interface {
	Len() int
	At(i int) Sample
	Newest() Sample
}

// SampleBuffer 固定容量的滑动窗口。
// 长度恒等于容量；每次写入淘汰最旧的采样并追加一个序列号为最大值+1 的新采样。
type SampleBuffer struct {
	mu    sync.RWMutex
	ring  []Sample
	head  int // 最旧采样的下标
	stats BufferStats
}

// NewSampleBuffer 创建预填充的缓冲区，序列号为 0..capacity-1
func NewSampleBuffer(capacity int, fillValue float64) (*SampleBuffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if math.IsNaN(fillValue) || math.IsInf(fillValue, 0) {
		return nil, ErrInvalidFillValue
	}

	ring := make([]Sample, capacity)
	for i := range ring {
		ring[i] = Sample{Sequence: uint64(i), Value: clampValue(fillValue)}
	}
	return &SampleBuffer{ring: ring}, nil
}

// Tick 用生成器计算一个新值并写入缓冲区。
// 非有限值被拒绝，缓冲区保持不变；超出显示域的值被截断。
func (b *SampleBuffer) Tick(gen Generator) (Sample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := gen.Next(bufferView{b})
	if math.IsNaN(v) || math.IsInf(v, 0) {
		b.stats.Skipped++
		return Sample{}, fmt.Errorf("%w: %v", ErrNonFiniteSample, v)
	}
	if v < MinValue || v > MaxValue {
		b.stats.Clamped++
		v = clampValue(v)
	}

	s := Sample{Sequence: b.newestLocked().Sequence + 1, Value: v}
	b.ring[b.head] = s
	b.head = (b.head + 1) % len(b.ring)
	b.stats.Ticks++
	return s, nil
}

// Samples 返回按时间顺序排列的快照副本
func (b *SampleBuffer) Samples() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Sample, len(b.ring))
	n := copy(out, b.ring[b.head:])
	copy(out[n:], b.ring[:b.head])
	return out
}

// Since 返回序列号大于 seq 的采样，按时间顺序
func (b *SampleBuffer) Since(seq uint64) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	newest := b.newestLocked().Sequence
	if newest <= seq {
		return nil
	}

	count := int(newest - seq)
	if count > len(b.ring) {
		count = len(b.ring)
	}

	out := make([]Sample, count)
	start := len(b.ring) - count
	for i := 0; i < count; i++ {
		out[i] = b.atLocked(start + i)
	}
	return out
}

// Oldest 返回最旧的采样
func (b *SampleBuffer) Oldest() Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring[b.head]
}

// Newest 返回最新的采样
func (b *SampleBuffer) Newest() Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.newestLocked()
}

// Len 当前长度，恒等于容量
func (b *SampleBuffer) Len() int {
	return len(b.ring)
}

// Capacity 容量
func (b *SampleBuffer) Capacity() int {
	return len(b.ring)
}

// Stats 返回统计信息
func (b *SampleBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

func (b *SampleBuffer) newestLocked() Sample {
	return b.ring[(b.head+len(b.ring)-1)%len(b.ring)]
}

func (b *SampleBuffer) atLocked(i int) Sample {
	return b.ring[(b.head+i)%len(b.ring)]
}

// bufferView 在持锁期间交给生成器使用
type bufferView struct {
	b *SampleBuffer
}

func (v bufferView) Len() int        { return len(v.b.ring) }
func (v bufferView) At(i int) Sample { return v.b.atLocked(i) }
func (v bufferView) Newest() Sample  { return v.b.newestLocked() }

func clampValue(v float64) float64 {
	return math.Max(MinValue, math.Min(MaxValue, v))
}
