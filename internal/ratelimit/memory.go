package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counterWindow struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter 在进程内维护固定窗口计数。过期窗口在访问时惰性重置，
// 并由后台协程定期清理，Close 会停止该协程。
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*counterWindow

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption 配置 MemoryLimiter。
type MemoryOption func(*MemoryLimiter)

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter 创建内存限流器。sweepInterval <= 0 时不启动清理协程。
func NewMemoryLimiter(limit int, win time.Duration, sweepInterval time.Duration, opts ...MemoryOption) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	m := &MemoryLimiter{
		limit:    limit,
		window:   win,
		now:      time.Now,
		counters: make(map[string]*counterWindow),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// Allow 计数并判断是否放行。
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	key = normalizeKey(key)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.counters[key]
	if !ok || !now.Before(w.resetAt) {
		w = &counterWindow{resetAt: now.Add(m.window)}
		m.counters[key] = w
	}
	w.count++

	d := Decision{Limit: m.limit, ResetAt: w.resetAt}
	if w.count > m.limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = m.limit - w.count
	return d, nil
}

// Sweep 删除已经过期的窗口，返回删除数量。
func (m *MemoryLimiter) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.counters {
		if !now.Before(w.resetAt) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前跟踪的键数量。
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// Close 停止清理协程。
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

func (m *MemoryLimiter) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
