// 提供数据提交的准入控制：API密钥鉴权 + 令牌桶限流
// 鉴权通过后才消耗限流令牌，被拒绝的非法请求不占用节点配额
package auth

import (
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 准入错误分类：调用方据此映射响应码（4.01 / 4.29）
var (
	ErrUnauthorized = errors.New("auth: 鉴权失败")
	ErrRateLimited  = errors.New("auth: 请求被限流")
)

// 缓存参数：TTL决定注册表变更（密钥轮换、节点停用）的最大生效延迟
const (
	defaultCacheSize = 256
	defaultCacheTTL  = 30 * time.Second
)

// Config 准入控制配置
type Config struct {
	DefaultLimit api.RateLimitConfig // 一般端点的默认限流参数
	SensorLimit  api.RateLimitConfig // 传感器数据端点的默认限流参数（更严格）
	CacheSize    int
	CacheTTL     time.Duration
	Clock        Clock // 测试中可替换的时间源
}

// Gate 准入控制器：组合节点注册表、记录缓存与令牌桶限流
type Gate struct {
	registry     api.NodeRegistry
	cache        *nodeCache
	limiter      *Limiter
	defaultLimit api.RateLimitConfig
	sensorLimit  api.RateLimitConfig
	log          *logger.Logger
}

// NewGate 创建准入控制器
func NewGate(registry api.NodeRegistry, cfg Config) *Gate {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &Gate{
		registry:     registry,
		cache:        newNodeCache(size, ttl, cfg.Clock),
		limiter:      NewLimiter(cfg.Clock),
		defaultLimit: cfg.DefaultLimit,
		sensorLimit:  cfg.SensorLimit,
		log:          logger.Default(),
	}
}

// Admit 对一次数据提交执行准入检查
// 参数:
//   nodeID: 提交声明的节点ID
//   apiKey: 提交携带的API密钥（查询参数或负载中提取）
//   endpoint: 请求的端点标识（限流按节点+端点独立计数）
// 返回: 通过时返回节点注册记录；失败时返回ErrUnauthorized或ErrRateLimited
func (g *Gate) Admit(nodeID, apiKey, endpoint string) (*api.NodeRecord, error) {
	if nodeID == "" || apiKey == "" {
		return nil, errors.Wrap(ErrUnauthorized, "缺少节点ID或API密钥")
	}

	record, err := g.authenticate(nodeID, apiKey)
	if err != nil {
		return nil, err
	}

	// 节点专属限流参数优先，否则按端点取默认值
	limit := g.limitFor(record, endpoint)
	if !g.limiter.Allow(nodeID, endpoint, limit) {
		g.log.Warn("请求被限流",
			zap.String("node_id", nodeID),
			zap.String("endpoint", endpoint),
			zap.Int("capacity", limit.Capacity),
			zap.Float64("refill_rate", limit.RefillRate))
		return nil, errors.Wrapf(ErrRateLimited, "节点%s在端点%s超出配额", nodeID, endpoint)
	}

	return record, nil
}

// authenticate 校验节点存在、处于活跃状态且密钥匹配
func (g *Gate) authenticate(nodeID, apiKey string) (*api.NodeRecord, error) {
	record, cached := g.cache.get(nodeID)
	if !cached {
		var ok bool
		record, ok = g.registry.Lookup(nodeID)
		if !ok {
			return nil, errors.Wrapf(ErrUnauthorized, "节点%s未注册", nodeID)
		}
		g.cache.put(record)
	}

	if !record.Active {
		return nil, errors.Wrapf(ErrUnauthorized, "节点%s已停用", nodeID)
	}
	if record.APIKey != apiKey {
		g.log.Warn("API密钥不匹配", zap.String("node_id", nodeID))
		return nil, errors.Wrapf(ErrUnauthorized, "节点%s密钥不匹配", nodeID)
	}

	return record, nil
}

// limitFor 选择生效的限流参数
func (g *Gate) limitFor(record *api.NodeRecord, endpoint string) api.RateLimitConfig {
	if record.RateLimit != nil {
		return *record.RateLimit
	}
	if endpoint == "sensor" {
		return g.sensorLimit
	}
	return g.defaultLimit
}

// Invalidate 使指定节点的缓存失效（注册表单点变更后调用）
func (g *Gate) Invalidate(nodeID string) {
	g.cache.invalidate(nodeID)
}

// Purge 清空缓存（注册表重载后调用）
func (g *Gate) Purge() {
	g.cache.purge()
}

// PruneBuckets 移除长时间未使用的令牌桶（周期性维护时调用）
func (g *Gate) PruneBuckets(idle time.Duration) int {
	return g.limiter.Prune(idle)
}
