package timeutil

import (
	"sync"
	"time"
)

// TimeFormatCommonStyleSec 日志里的时间格式
const TimeFormatCommonStyleSec = "2006-01-02 15:04:05"

// Clock 可注入的时钟，存活判定等需要在测试里手动推进时间的组件使用
type Clock interface {
	Now() time.Time
}

// RealClock 系统时钟
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

// ManualClock 手动时钟，测试用
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时钟向前推进 d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 直接设置当前时间
func (c *ManualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
