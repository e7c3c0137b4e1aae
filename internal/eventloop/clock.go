package eventloop

import (
	"sync"
	"time"
)

// Clock 时间源，测试中可替换为手动时钟
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间
type SystemClock struct{}

// Now 返回当前系统时间
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock 手动推进的时钟，配合 Loop.Advance 做确定性测试
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock 创建手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 返回当前手动时间
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set 设置时间，不允许回拨
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// Add 推进时间并返回新的时间
func (c *ManualClock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}
