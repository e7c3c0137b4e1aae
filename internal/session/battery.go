package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"SoundAsleep/internal/eventloop"
)

// scheduleParser 同时支持 5 段、带秒的 6 段表达式和 @every 描述符
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseDrainSchedule 解析电量消耗计划，空字符串表示禁用
func ParseDrainSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse battery drain schedule %q: %w", expr, err)
	}
	return sched, nil
}

// BatteryDrain 按 cron 计划在事件循环上触发电量消耗。
// 每次触发后根据计划计算下一次时间重新登记。
type BatteryDrain struct {
	schedule cron.Schedule
	loop     *eventloop.Loop
	drain    func()
	logger   *slog.Logger

	mu      sync.Mutex
	token   eventloop.Token
	running bool
}

// NewBatteryDrain 创建电量消耗任务；expr 为空时返回 nil
func NewBatteryDrain(expr string, loop *eventloop.Loop, drain func(), logger *slog.Logger) (*BatteryDrain, error) {
	sched, err := ParseDrainSchedule(expr)
	if err != nil || sched == nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatteryDrain{
		schedule: sched,
		loop:     loop,
		drain:    drain,
		logger:   logger,
	}, nil
}

// Start 登记第一次触发
func (b *BatteryDrain) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if err := b.armLocked(); err != nil {
		return err
	}
	b.running = true
	return nil
}

// Stop 取消尚未触发的任务
func (b *BatteryDrain) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.loop.Cancel(b.token)
	b.running = false
}

func (b *BatteryDrain) armLocked() error {
	now := b.loop.Now()
	next := b.schedule.Next(now)
	if next.IsZero() {
		return fmt.Errorf("battery drain schedule never fires after %s", now.Format(time.RFC3339))
	}
	token, err := b.loop.Schedule(next.Sub(now), b.fire)
	if err != nil {
		return fmt.Errorf("arm battery drain: %w", err)
	}
	b.token = token
	return nil
}

func (b *BatteryDrain) fire() {
	b.drain()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	if err := b.armLocked(); err != nil {
		b.running = false
		b.logger.Warn("battery drain stopped", "error", err)
	}
}
