// 提供带LRU淘汰与TTL过期的节点记录缓存
// 鉴权在每个数据报上执行，缓存避免高频请求反复穿透注册表；
// TTL保证注册表重载（密钥轮换、节点停用）在有限时间内生效
package auth

import (
	"container/list"
	"sync"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
)

// cacheEntry 缓存中的节点条目，包含记录及缓存元数据
type cacheEntry struct {
	record   *api.NodeRecord
	cachedAt time.Time     // 写入时间（用于TTL判断）
	element  *list.Element // LRU列表中的元素指针（用于快速移动位置）
}

// nodeCache 带TTL过期机制的LRU节点缓存
type nodeCache struct {
	mu sync.Mutex

	entries map[string]*cacheEntry
	lruList *list.List // 头部为最近访问，尾部为最久未访问

	maxSize int
	ttl     time.Duration
	now     Clock

	hits   uint64
	misses uint64
}

func newNodeCache(maxSize int, ttl time.Duration, clock Clock) *nodeCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	if clock == nil {
		clock = time.Now
	}
	return &nodeCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     clock,
	}
}

// get 获取节点记录副本，过期条目视为未命中并移除
func (c *nodeCache) get(nodeID string) (*api.NodeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[nodeID]
	if !exists {
		c.misses++
		return nil, false
	}

	if c.ttl > 0 && c.now().Sub(entry.cachedAt) > c.ttl {
		c.remove(nodeID)
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++

	copy := *entry.record
	return &copy, true
}

// put 添加或更新节点记录，超容量时淘汰最久未访问的条目
func (c *nodeCache) put(record *api.NodeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := *record

	if entry, exists := c.entries[rec.NodeID]; exists {
		entry.record = &rec
		entry.cachedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	// LRU淘汰：从列表尾部移除最久未访问的条目
	for len(c.entries) >= c.maxSize {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(string))
	}

	entry := &cacheEntry{
		record:   &rec,
		cachedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(rec.NodeID)
	c.entries[rec.NodeID] = entry
}

// invalidate 移除指定节点的缓存条目
func (c *nodeCache) invalidate(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(nodeID)
}

// purge 清空全部缓存（注册表重载后调用）
func (c *nodeCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// remove 内部移除（调用方持锁）
func (c *nodeCache) remove(nodeID string) {
	entry, exists := c.entries[nodeID]
	if !exists {
		return
	}
	c.lruList.Remove(entry.element)
	delete(c.entries, nodeID)
}

func (c *nodeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
