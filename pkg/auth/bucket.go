// 令牌桶限流：按节点+端点维护独立的桶，惰性补充令牌
package auth

import (
	"sync"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
)

// Clock 时间源（测试中可替换为模拟时钟）
type Clock func() time.Time

// bucket 单个令牌桶：浮点令牌数，按流逝时间惰性补充
type bucket struct {
	mu       sync.Mutex
	tokens   float64   // 当前令牌数（允许小数，补充按比例累积）
	capacity float64   // 桶容量（最大突发量）
	rate     float64   // 补充速率（个/秒）
	last     time.Time // 上次补充时间
}

// allow 取走一个令牌；不足1个时拒绝且不扣减
func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 先按流逝时间补充，再判断（封顶至容量）
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter 管理所有令牌桶，桶按"节点ID|端点"懒创建
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     Clock
}

// NewLimiter 创建限流器，clock为nil时使用系统时钟
func NewLimiter(clock Clock) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     clock,
	}
}

// Allow 判断一次请求是否放行
// 首次出现的节点+端点组合按cfg创建满桶（首请求总是放行）
func (l *Limiter) Allow(nodeID, endpoint string, cfg api.RateLimitConfig) bool {
	key := nodeID + "|" + endpoint

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		if b, ok = l.buckets[key]; !ok {
			b = &bucket{
				tokens:   float64(cfg.Capacity),
				capacity: float64(cfg.Capacity),
				rate:     cfg.RefillRate,
				last:     l.now(),
			}
			l.buckets[key] = b
		}
		l.mu.Unlock()
	}

	return b.allow(l.now())
}

// Count 返回当前活跃的桶数量
func (l *Limiter) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Prune 移除长时间未使用的桶（周期性维护时调用）
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := now.Sub(b.last) > idle
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
