// 提供基于YAML文件的节点与传感器注册表：
// 鉴权、限流参数、传感器规格的统一来源，支持运行期重载
package registry

import (
	"os"
	"sync"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrLoadFailed = errors.New("registry: 注册表加载失败")
)

// fileFormat 注册表YAML文件的顶层结构
type fileFormat struct {
	Nodes []api.NodeRecord `yaml:"nodes"`
}

// Registry 内存中的节点注册表，实现api.NodeRegistry与api.SensorRegistry
type Registry struct {
	mu    sync.RWMutex
	path  string
	nodes map[string]*api.NodeRecord
	log   *logger.Logger
}

// Load 从YAML文件加载注册表
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:  path,
		nodes: make(map[string]*api.NodeRecord),
		log:   logger.Default(),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromRecords 从内存记录直接构建注册表（测试与嵌入场景）
func NewFromRecords(records []api.NodeRecord) *Registry {
	r := &Registry{
		nodes: make(map[string]*api.NodeRecord),
		log:   logger.Default(),
	}
	r.replace(records)
	return r
}

// Reload 重新读取注册表文件并整体替换内存数据
// 读取或解析失败时保留旧数据（运行期重载不因一次坏文件中断服务）
func (r *Registry) Reload() error {
	if r.path == "" {
		return errors.Wrap(ErrLoadFailed, "未配置注册表文件路径")
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return errors.Wrapf(ErrLoadFailed, "读取%s: %v", r.path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errors.Wrapf(ErrLoadFailed, "解析%s: %v", r.path, err)
	}

	r.replace(f.Nodes)
	r.log.Info("注册表已加载",
		zap.String("path", r.path),
		zap.Int("nodes", len(f.Nodes)))
	return nil
}

// replace 整体替换节点表，同时保留已有节点的LastSeen
func (r *Registry) replace(records []api.NodeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make(map[string]*api.NodeRecord, len(records))
	for i := range records {
		rec := records[i]
		if prev, ok := r.nodes[rec.NodeID]; ok {
			rec.LastSeen = prev.LastSeen
		}
		nodes[rec.NodeID] = &rec
	}
	r.nodes = nodes
}

// Lookup 按节点ID查询注册信息，返回副本以避免外部修改内部数据
func (r *Registry) Lookup(nodeID string) (*api.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	copy := *rec
	return &copy, true
}

// Touch 更新节点最后在线时间（提交成功后调用）
func (r *Registry) Touch(nodeID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[nodeID]; ok {
		rec.LastSeen = at
	}
}

// LookupSensor 按节点ID与传感器类型查询规格
// 同类型多个传感器时返回第一个活跃的
func (r *Registry) LookupSensor(nodeID string, sensorType api.SensorType) (*api.SensorSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}

	for i := range rec.Sensors {
		spec := rec.Sensors[i]
		if spec.Type == sensorType && spec.Active {
			return &spec, true
		}
	}
	return nil, false
}

// Count 返回注册的节点数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Nodes 返回所有节点的副本列表（统计与管理用途）
func (r *Registry) Nodes() []api.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]api.NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		nodes = append(nodes, *rec)
	}
	return nodes
}
