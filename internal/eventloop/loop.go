package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNegativeDelay   = errors.New("eventloop: negative delay")
	ErrInvalidInterval = errors.New("eventloop: interval must be positive")
	ErrNilCallback     = errors.New("eventloop: nil callback")
	ErrLoopClosed      = errors.New("eventloop: loop closed")
	ErrNotManual       = errors.New("eventloop: Advance requires a ManualClock")
)

// Token 调度凭证，用于取消
type Token uint64

// Stats 事件循环统计
type Stats struct {
	Pending int    `json:"pending"`
	Fired   uint64 `json:"fired"`
	Panics  uint64 `json:"panics"`
}

// entry 堆中的一个调度项
type entry struct {
	token    Token
	deadline time.Time
	seq      uint64
	interval time.Duration
	fn       func()
	index    int
	periodic bool // 周期项触发时的副本
}

// entryHeap 按 (deadline, seq) 排序的最小堆
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Option 事件循环选项
type Option func(*Loop)

// WithClock 设置时间源
func WithClock(clock Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loop 单线程协作式事件循环。
// 所有回调串行执行，按截止时间排序，相同截止时间按调度顺序执行。
type Loop struct {
	clock  Clock
	logger *slog.Logger

	mu        sync.Mutex
	queue     entryHeap
	entries   map[Token]*entry
	nextToken uint64
	seq       uint64
	closed    bool

	// runMu 保证回调不会被 Run 和 Advance 并发执行
	runMu sync.Mutex

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	fired  atomic.Uint64
	panics atomic.Uint64
}

// New 创建事件循环
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:   SystemClock{},
		logger:  slog.Default(),
		entries: make(map[Token]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now 返回循环时间源的当前时间
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Schedule 注册一次性回调，delay 之后执行
func (l *Loop) Schedule(delay time.Duration, fn func()) (Token, error) {
	if delay < 0 {
		return 0, fmt.Errorf("%w: %v", ErrNegativeDelay, delay)
	}
	return l.add(delay, 0, fn)
}

// Every 注册周期回调，首次在 interval 之后执行
func (l *Loop) Every(interval time.Duration, fn func()) (Token, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	return l.add(interval, interval, fn)
}

// Post 尽快执行回调，排在已到期任务之后
func (l *Loop) Post(fn func()) error {
	_, err := l.add(0, 0, fn)
	return err
}

func (l *Loop) add(delay, interval time.Duration, fn func()) (Token, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrLoopClosed
	}
	l.nextToken++
	l.seq++
	e := &entry{
		token:    Token(l.nextToken),
		deadline: l.clock.Now().Add(delay),
		seq:      l.seq,
		interval: interval,
		fn:       fn,
	}
	heap.Push(&l.queue, e)
	l.entries[e.token] = e
	l.mu.Unlock()

	l.signal()
	return e.token, nil
}

// Cancel 取消调度项，返回是否取消成功
func (l *Loop) Cancel(token Token) bool {
	l.mu.Lock()
	e, ok := l.entries[token]
	if ok {
		delete(l.entries, token)
		heap.Remove(&l.queue, e.index)
	}
	l.mu.Unlock()

	if ok {
		l.signal()
	}
	return ok
}

// Pending 返回待执行的调度项数量
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats 返回统计信息
func (l *Loop) Stats() Stats {
	return Stats{
		Pending: l.Pending(),
		Fired:   l.fired.Load(),
		Panics:  l.panics.Load(),
	}
}

// Closed 是否已关闭
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// RunDue 执行所有已到期的回调，返回执行数量。
// 回调内部不得调用 RunDue 或 Advance。
func (l *Loop) RunDue() int {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	now := l.clock.Now()
	n := 0
	for {
		e := l.popDue(now)
		if e == nil {
			return n
		}
		if l.runEntry(e) {
			n++
		}
	}
}

// runEntry 执行取出的调度项；周期项在执行前确认仍未被取消
func (l *Loop) runEntry(e *entry) bool {
	if e.periodic {
		l.mu.Lock()
		_, ok := l.entries[e.token]
		active := ok && !l.closed
		l.mu.Unlock()
		if !active {
			return false
		}
	}
	l.invoke(e)
	return true
}

// popDue 取出下一个到期项；周期项原地重新装填
func (l *Loop) popDue(now time.Time) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.queue) == 0 {
		return nil
	}

	top := l.queue[0]
	if top.deadline.After(now) {
		return nil
	}

	if top.interval > 0 {
		fire := &entry{token: top.token, deadline: top.deadline, fn: top.fn, periodic: true}
		next := top.deadline.Add(top.interval)
		if !next.After(now) {
			// 落后太多时丢弃错过的周期，和 time.Ticker 一致
			next = now.Add(top.interval)
		}
		l.seq++
		top.deadline = next
		top.seq = l.seq
		heap.Fix(&l.queue, top.index)
		return fire
	}

	heap.Pop(&l.queue)
	delete(l.entries, top.token)
	return top
}

func (l *Loop) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("event loop callback panicked", "token", uint64(e.token), "panic", r)
		}
	}()
	e.fn()
	l.fired.Add(1)
}

// nextDeadline 返回最早的截止时间
func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return time.Time{}, false
	}
	return l.queue[0].deadline, true
}

// Advance 推进手动时钟，按顺序执行窗口内到期的全部回调。
// 每个回调执行时时钟停在它的截止时间上。
func (l *Loop) Advance(d time.Duration) (int, error) {
	mc, ok := l.clock.(*ManualClock)
	if !ok {
		return 0, ErrNotManual
	}

	target := mc.Now().Add(d)
	n := 0
	for {
		next, ok := l.nextDeadline()
		if !ok || next.After(target) {
			break
		}
		mc.Set(next)
		n += l.RunDue()
	}
	mc.Set(target)
	n += l.RunDue()
	return n, nil
}

// Run 实时驱动事件循环，直到 ctx 取消或 Close 被调用
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.RunDue()

		wait := time.Hour
		if next, ok := l.nextDeadline(); ok {
			wait = next.Sub(l.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		case <-timer.C:
		}
	}
}

// Close 关闭事件循环，清空全部待执行项，之后不会再有回调触发
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	for _, e := range l.queue {
		e.index = -1
	}
	l.queue = nil
	l.entries = make(map[Token]*entry)
	l.mu.Unlock()

	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
