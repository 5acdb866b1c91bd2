package core

import (
	"sync"
	"time"
)

// RateLimiter 按凭证维度的滑动窗口限流器
// 窗口内时间戳逐条记录，读之前先剪掉过期项
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	hits        map[string][]time.Time
	now         func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		hits:        make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Reserve 原子的"检查并记录"
// 允许时顺手记录本次请求并返回 (true, 0)；
// 达到上限时返回 (false, 距最早一条记录滑出窗口还需等待的时长)。
// 检查和记录在同一把锁内完成，并发请求打同一个 Key 不会超卖。
func (r *RateLimiter) Reserve(key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := r.pruneLocked(key, now)

	if len(kept) >= r.maxRequests {
		wait := kept[0].Add(r.window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	r.hits[key] = append(kept, now)
	return true, 0
}

// Check 只读检查，不消耗额度（管理接口 / 测试用）
func (r *RateLimiter) Check(key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := r.pruneLocked(key, now)
	if len(kept) >= r.maxRequests {
		wait := kept[0].Add(r.window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	return true, 0
}

// pruneLocked 剪掉窗口外的时间戳并写回
func (r *RateLimiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.hits, key)
		return nil
	}
	r.hits[key] = kept
	return kept
}
