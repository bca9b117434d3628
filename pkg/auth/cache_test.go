package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeCache_PutGet 测试缓存的基本读写与副本隔离
func TestNodeCache_PutGet(t *testing.T) {
	clock := newFakeClock()
	cache := newNodeCache(10, time.Minute, clock.Now)

	cache.put(&api.NodeRecord{NodeID: "n1", APIKey: "k1", Active: true})

	rec, ok := cache.get("n1")
	require.True(t, ok)
	assert.Equal(t, "k1", rec.APIKey)

	// 返回副本：外部修改不影响缓存内数据
	rec.APIKey = "tampered"
	rec2, _ := cache.get("n1")
	assert.Equal(t, "k1", rec2.APIKey)

	_, ok = cache.get("missing")
	assert.False(t, ok)
}

// TestNodeCache_TTL 测试TTL过期：超过存活时间的条目视为未命中
func TestNodeCache_TTL(t *testing.T) {
	clock := newFakeClock()
	cache := newNodeCache(10, 30*time.Second, clock.Now)

	cache.put(&api.NodeRecord{NodeID: "n1", APIKey: "k1"})

	clock.Advance(29 * time.Second)
	_, ok := cache.get("n1")
	assert.True(t, ok, "未过期的条目应命中")

	clock.Advance(2 * time.Second)
	_, ok = cache.get("n1")
	assert.False(t, ok, "过期条目应视为未命中")
	assert.Equal(t, 0, cache.len(), "过期条目应被移除")
}

// TestNodeCache_LRUEviction 测试LRU淘汰：超容量时移除最久未访问的条目
func TestNodeCache_LRUEviction(t *testing.T) {
	clock := newFakeClock()
	cache := newNodeCache(3, time.Minute, clock.Now)

	for i := 1; i <= 3; i++ {
		cache.put(&api.NodeRecord{NodeID: fmt.Sprintf("n%d", i)})
	}

	// 访问n1使其成为最近使用
	_, ok := cache.get("n1")
	require.True(t, ok)

	// 放入第4个条目：最久未访问的n2应被淘汰
	cache.put(&api.NodeRecord{NodeID: "n4"})
	assert.Equal(t, 3, cache.len())

	_, ok = cache.get("n2")
	assert.False(t, ok, "最久未访问的条目应被淘汰")
	_, ok = cache.get("n1")
	assert.True(t, ok)
	_, ok = cache.get("n4")
	assert.True(t, ok)
}

// TestNodeCache_UpdateExisting 测试同键更新不触发淘汰
func TestNodeCache_UpdateExisting(t *testing.T) {
	clock := newFakeClock()
	cache := newNodeCache(2, time.Minute, clock.Now)

	cache.put(&api.NodeRecord{NodeID: "n1", APIKey: "old"})
	cache.put(&api.NodeRecord{NodeID: "n2"})
	cache.put(&api.NodeRecord{NodeID: "n1", APIKey: "new"})

	assert.Equal(t, 2, cache.len())
	rec, ok := cache.get("n1")
	require.True(t, ok)
	assert.Equal(t, "new", rec.APIKey)
}

// TestNodeCache_InvalidatePurge 测试失效与清空
func TestNodeCache_InvalidatePurge(t *testing.T) {
	clock := newFakeClock()
	cache := newNodeCache(10, time.Minute, clock.Now)

	cache.put(&api.NodeRecord{NodeID: "n1"})
	cache.put(&api.NodeRecord{NodeID: "n2"})

	cache.invalidate("n1")
	_, ok := cache.get("n1")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.len())

	cache.purge()
	assert.Equal(t, 0, cache.len())
	_, ok = cache.get("n2")
	assert.False(t, ok)
}
