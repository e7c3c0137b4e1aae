package session

import (
	"errors"
	"sync"
	"time"

	"SoundAsleep/internal/eventloop"
)

// DefaultTimelineCapacity 事件日志默认容量
const DefaultTimelineCapacity = 40

// DisplayLayout 事件时间的显示格式
const DisplayLayout = "15:04:05"

var ErrInvalidTimelineCapacity = errors.New("session: timeline capacity must be at least 1")

// EventRecord 日志条目，创建后不可变
type EventRecord struct {
	Seq       uint64    `json:"seq"` // 会话内从 1 递增
	Timestamp time.Time `json:"timestamp"`
	Display   string    `json:"display"`
	Message   string    `json:"message"`
}

// EventTimeline 有界事件日志，新条目在前，溢出时丢弃最旧的
type EventTimeline struct {
	clock eventloop.Clock

	mu    sync.RWMutex
	ring  []EventRecord
	head  int // 最新条目的位置
	count int
	seq   uint64
}

// NewEventTimeline 创建事件日志
func NewEventTimeline(capacity int, clock eventloop.Clock) (*EventTimeline, error) {
	if capacity < 1 {
		return nil, ErrInvalidTimelineCapacity
	}
	if clock == nil {
		clock = eventloop.SystemClock{}
	}
	return &EventTimeline{
		clock: clock,
		ring:  make([]EventRecord, capacity),
		head:  -1,
	}, nil
}

// Append 记录一条消息并返回生成的条目
func (t *EventTimeline) Append(message string) EventRecord {
	t.mu.Lock()
	// 在锁内取时间，保证新条目的时间不早于前一条
	now := t.clock.Now()
	t.seq++
	rec := EventRecord{
		Seq:       t.seq,
		Timestamp: now,
		Display:   now.Format(DisplayLayout),
		Message:   message,
	}
	t.head = (t.head + 1) % len(t.ring)
	t.ring[t.head] = rec
	if t.count < len(t.ring) {
		t.count++
	}
	t.mu.Unlock()

	return rec
}

// Events 返回按时间倒序排列的副本
func (t *EventTimeline) Events() []EventRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]EventRecord, t.count)
	n := len(t.ring)
	for i := 0; i < t.count; i++ {
		out[i] = t.ring[(t.head-i+n)%n]
	}
	return out
}

// Len 当前条目数
func (t *EventTimeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Capacity 容量
func (t *EventTimeline) Capacity() int {
	return len(t.ring)
}
