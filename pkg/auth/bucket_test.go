package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/stretchr/testify/assert"
)

// fakeClock 可手动推进的模拟时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestLimiter_Burst 测试突发限流：容量10、速率1个/秒
// 瞬时11个请求应放行10个、拒绝1个；推进1秒后恰好再放行1个
func TestLimiter_Burst(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(clock.Now)
	cfg := api.RateLimitConfig{Capacity: 10, RefillRate: 1.0}

	allowed, limited := 0, 0
	for i := 0; i < 11; i++ {
		if limiter.Allow("greenhouse_001", "sensor", cfg) {
			allowed++
		} else {
			limited++
		}
	}
	assert.Equal(t, 10, allowed, "瞬时突发应放行容量个请求")
	assert.Equal(t, 1, limited, "超出容量的请求应被拒绝")

	// 推进1秒：补充1个令牌，恰好再放行1个
	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("greenhouse_001", "sensor", cfg))
	assert.False(t, limiter.Allow("greenhouse_001", "sensor", cfg))
}

// TestLimiter_RejectWithoutDecrement 测试拒绝不扣减：
// 被拒绝的请求不应消耗正在累积的零散令牌
func TestLimiter_RejectWithoutDecrement(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(clock.Now)
	cfg := api.RateLimitConfig{Capacity: 2, RefillRate: 1.0}

	// 耗尽桶
	assert.True(t, limiter.Allow("n", "e", cfg))
	assert.True(t, limiter.Allow("n", "e", cfg))

	// 半秒只补充0.5个令牌：连续拒绝不应清掉这0.5个
	clock.Advance(500 * time.Millisecond)
	assert.False(t, limiter.Allow("n", "e", cfg))
	assert.False(t, limiter.Allow("n", "e", cfg))

	// 再过半秒凑满1个令牌
	clock.Advance(500 * time.Millisecond)
	assert.True(t, limiter.Allow("n", "e", cfg))
}

// TestLimiter_RefillCap 测试补充封顶：长时间闲置后令牌不超过容量
func TestLimiter_RefillCap(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(clock.Now)
	cfg := api.RateLimitConfig{Capacity: 3, RefillRate: 100.0}

	// 创建桶并耗尽
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("n", "e", cfg))
	}

	// 闲置1小时：补充量远超容量，但封顶至3个
	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("n", "e", cfg) {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed, "补充应封顶至容量")
}

// TestLimiter_IndependentBuckets 测试桶的独立性：不同节点、不同端点互不影响
func TestLimiter_IndependentBuckets(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(clock.Now)
	cfg := api.RateLimitConfig{Capacity: 1, RefillRate: 0.1}

	assert.True(t, limiter.Allow("node_a", "sensor", cfg))
	assert.False(t, limiter.Allow("node_a", "sensor", cfg), "同桶应已耗尽")

	// 其他节点与端点不受影响
	assert.True(t, limiter.Allow("node_b", "sensor", cfg))
	assert.True(t, limiter.Allow("node_a", "discover", cfg))
	assert.Equal(t, 3, limiter.Count())
}

// TestLimiter_Prune 测试闲置桶的清理
func TestLimiter_Prune(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(clock.Now)
	cfg := api.RateLimitConfig{Capacity: 5, RefillRate: 1.0}

	limiter.Allow("node_a", "sensor", cfg)
	limiter.Allow("node_b", "sensor", cfg)
	assert.Equal(t, 2, limiter.Count())

	// 推进时间后只有node_a继续活跃
	clock.Advance(10 * time.Minute)
	limiter.Allow("node_a", "sensor", cfg)

	removed := limiter.Prune(5 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, limiter.Count())
}
