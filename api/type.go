// 公共API类型
package api

import (
	"context"
	"time"
)

// 传感器类型
type SensorType string

const (
	SensorTemperature  SensorType = "temperature"
	SensorHumidity     SensorType = "humidity"
	SensorSoilMoisture SensorType = "soil_moisture"
	SensorLight        SensorType = "light"
	SensorPH           SensorType = "ph"
	SensorEC           SensorType = "ec"
	SensorBattery      SensorType = "battery_percentage"
	SensorSignal       SensorType = "signal_strength"
	SensorVoltage      SensorType = "voltage"
)

// 数据质量标记
type DataQuality string

const (
	QualityGood      DataQuality = "good"      // 数值在注册的量程范围内
	QualityUncertain DataQuality = "uncertain" // 数值越界（传感器偶发抖动），保留但打标
	QualityBad       DataQuality = "bad"
	QualityUnknown   DataQuality = "unknown"
)

// 传感器类型到单位的默认映射
var DefaultUnits = map[SensorType]string{
	SensorTemperature:  "°C",
	SensorHumidity:     "%",
	SensorSoilMoisture: "%",
	SensorLight:        "lux",
	SensorPH:           "pH",
	SensorEC:           "μS/cm",
	SensorBattery:      "%",
	SensorSignal:       "dBm",
	SensorVoltage:      "V",
}

// 限流配置（令牌桶参数，按节点+端点生效）
type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`    // 桶容量（最大突发请求数）
	RefillRate float64 `yaml:"refill_rate"` // 令牌补充速率（个/秒）
}

// 传感器规格（注册信息：单位、量程、校准参数）
type SensorSpec struct {
	SensorID              string     `yaml:"sensor_id"`
	Type                  SensorType `yaml:"type"`
	Unit                  string     `yaml:"unit"`
	MinValue              float64    `yaml:"min_value"`
	MaxValue              float64    `yaml:"max_value"`
	CalibrationMultiplier float64    `yaml:"calibration_multiplier"`
	CalibrationOffset     float64    `yaml:"calibration_offset"`
	Active                bool       `yaml:"active"`
}

// 节点注册信息（鉴权与限流的依据）
type NodeRecord struct {
	NodeID    string           `yaml:"node_id"`
	APIKey    string           `yaml:"api_key"`
	ZoneID    string           `yaml:"zone_id"`
	Active    bool             `yaml:"active"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"` // 为nil时使用端点默认参数
	Sensors   []SensorSpec     `yaml:"sensors"`
	LastSeen  time.Time        `yaml:"-"`
}

// 单条入库读数
type Reading struct {
	NodeID     string
	ZoneID     string
	SensorType SensorType
	Value      float64
	Unit       string
	Quality    DataQuality
	Timestamp  time.Time
}

// NodeRegistry 节点注册表协作方：按节点ID查询注册信息
type NodeRegistry interface {
	Lookup(nodeID string) (*NodeRecord, bool)
	// Touch 更新节点最后在线时间（提交成功后调用）
	Touch(nodeID string, at time.Time)
}

// SensorRegistry 传感器注册表协作方：按节点+类型查询传感器规格
type SensorRegistry interface {
	LookupSensor(nodeID string, sensorType SensorType) (*SensorSpec, bool)
}

// TimeSeriesStore 时序存储协作方：写入确认后才视为成功（至少一次语义，
// 相同时间戳的重复写入由存储端幂等处理）
type TimeSeriesStore interface {
	Write(ctx context.Context, reading *Reading) error
}

// LinkMonitor 连接状态协作方（仅发送侧消费）
type LinkMonitor interface {
	IsLinkUp() bool
	AwaitLink(timeout time.Duration) bool
}

// Callbacks 入库事件回调（均可为nil，在提交处理的调用栈内同步执行）
type Callbacks struct {
	OnReading  func(reading *Reading)            // 单条读数写入成功后调用
	OnNodeSeen func(nodeID string, at time.Time) // 节点一次提交全部入库后调用
}

// 服务端配置
type ServerConfig struct {
	BindAddr        string        // 监听地址（默认0.0.0.0）
	BindPort        int           // 监听端口（默认5683）
	MaxDatagramSize int           // 接受的最大UDP数据报大小
	ReceiveTimeout  time.Duration // 单次接收超时（超时后执行周期性维护）
	DefaultLimit    RateLimitConfig
	SensorLimit     RateLimitConfig // sensor端点专属默认限流
}

// 节点（发送端）配置
type NodeConfig struct {
	NodeID       string
	APIKey       string
	ServerURI    string        // coap://host[:port]/path?query 形式
	PlantType    string        // 模拟器的植物类型（tomato/lettuce/cucumber/peppers）
	SendInterval time.Duration // 采样上报间隔
	LinkTimeout  time.Duration // 发送前等待连接可用的超时
}

// 服务整体配置
type Config struct {
	Server       ServerConfig
	RegistryPath string // 节点/传感器注册表YAML文件路径
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	LogLevel     string
}

// 运行时统计
type Statistics struct {
	DatagramsReceived uint64
	DatagramsDropped  uint64
	RequestsRouted    uint64
	ReadingsIngested  uint64
	AuthFailures      uint64
	RateLimited       uint64
	LastRequestTime   time.Time
}
