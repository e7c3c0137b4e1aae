package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"SoundAsleep/internal/eventloop"
)

var ErrInvalidDelay = errors.New("session: ack delay must be a finite non-negative number")

// AckID 确认回调标识
type AckID uint64

// AckStats 确认往返统计
type AckStats struct {
	Scheduled  int64         `json:"scheduled"`
	Fired      int64         `json:"fired"`
	Cancelled  int64         `json:"cancelled"`
	Rejected   int64         `json:"rejected"`
	Pending    int           `json:"pending"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	AvgLatency time.Duration `json:"avg_latency"`
}

type pendingAck struct {
	token       eventloop.Token
	scheduledAt time.Time
}

// LatencyGatedAck 在事件循环上延迟触发的一次性确认。
// 每个确认只触发一次，不早于指定延迟；Stop 时统一取消。
type LatencyGatedAck struct {
	loop   *eventloop.Loop
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[AckID]pendingAck

	scheduled atomic.Int64
	fired     atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64

	latencySum   atomic.Int64
	latencyCount atomic.Int64
	minLatency   atomic.Int64
	maxLatency   atomic.Int64
}

// NewLatencyGatedAck 创建确认调度器
func NewLatencyGatedAck(loop *eventloop.Loop, logger *slog.Logger) *LatencyGatedAck {
	if logger == nil {
		logger = slog.Default()
	}
	a := &LatencyGatedAck{
		loop:    loop,
		logger:  logger,
		pending: make(map[AckID]pendingAck),
	}
	a.minLatency.Store(math.MaxInt64)
	return a
}

// Schedule 在 delay 之后执行 onFire
func (a *LatencyGatedAck) Schedule(delay time.Duration, onFire func()) (AckID, error) {
	if delay < 0 {
		a.rejected.Add(1)
		a.logger.Warn("ack rejected", "delay", delay, "error", ErrInvalidDelay)
		return 0, fmt.Errorf("%w: %v", ErrInvalidDelay, delay)
	}
	if onFire == nil {
		return 0, eventloop.ErrNilCallback
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := AckID(a.nextID)
	scheduledAt := a.loop.Now()

	// 回调在循环上执行，需要先拿到 a.mu，因此 pending 一定先于 fire 写入
	token, err := a.loop.Schedule(delay, func() { a.fire(id, onFire) })
	if err != nil {
		a.rejected.Add(1)
		a.logger.Warn("ack rejected", "delay", delay, "error", err)
		return 0, fmt.Errorf("schedule ack: %w", err)
	}
	a.pending[id] = pendingAck{token: token, scheduledAt: scheduledAt}
	a.scheduled.Add(1)
	return id, nil
}

// ScheduleMillis 以毫秒为单位调度，拒绝负数、NaN 和无穷大
func (a *LatencyGatedAck) ScheduleMillis(ms float64, onFire func()) (AckID, error) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		a.rejected.Add(1)
		a.logger.Warn("ack rejected", "delay_ms", ms, "error", ErrInvalidDelay)
		return 0, fmt.Errorf("%w: %v ms", ErrInvalidDelay, ms)
	}
	return a.Schedule(time.Duration(ms*float64(time.Millisecond)), onFire)
}

// Cancel 取消一个未触发的确认
func (a *LatencyGatedAck) Cancel(id AckID) bool {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	a.loop.Cancel(p.token)
	a.cancelled.Add(1)
	return true
}

// CancelAll 取消全部未触发的确认，返回取消数量
func (a *LatencyGatedAck) CancelAll() int {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[AckID]pendingAck)
	a.mu.Unlock()

	for _, p := range pending {
		a.loop.Cancel(p.token)
	}
	a.cancelled.Add(int64(len(pending)))
	return len(pending)
}

// Pending 未触发的确认数量
func (a *LatencyGatedAck) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stats 返回统计信息
func (a *LatencyGatedAck) Stats() AckStats {
	stats := AckStats{
		Scheduled:  a.scheduled.Load(),
		Fired:      a.fired.Load(),
		Cancelled:  a.cancelled.Load(),
		Rejected:   a.rejected.Load(),
		Pending:    a.Pending(),
		MaxLatency: time.Duration(a.maxLatency.Load()),
	}
	if n := a.latencyCount.Load(); n > 0 {
		stats.MinLatency = time.Duration(a.minLatency.Load())
		stats.AvgLatency = time.Duration(a.latencySum.Load() / n)
	}
	return stats
}

func (a *LatencyGatedAck) fire(id AckID, onFire func()) {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	a.fired.Add(1)
	a.recordLatency(a.loop.Now().Sub(p.scheduledAt))

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("ack callback panicked", "ack_id", uint64(id), "panic", r)
		}
	}()
	onFire()
}

func (a *LatencyGatedAck) recordLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	ns := latency.Nanoseconds()
	for {
		current := a.minLatency.Load()
		if ns >= current {
			break
		}
		if a.minLatency.CompareAndSwap(current, ns) {
			break
		}
	}
	for {
		current := a.maxLatency.Load()
		if ns <= current {
			break
		}
		if a.maxLatency.CompareAndSwap(current, ns) {
			break
		}
	}
	// 计数最后更新，Stats 看到计数时 min 已写入
	a.latencySum.Add(ns)
	a.latencyCount.Add(1)
}
