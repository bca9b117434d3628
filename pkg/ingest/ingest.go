// 提供传感器数据的入库适配：负载解析、校准换算、质量评估、
// 带退避的存储写入（至少一次语义，重复提交不做去重）
package ingest

import (
	"context"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 入库错误分类：调用方据此映射响应码（4.00 / 5.00）
var (
	ErrBadPayload       = errors.New("ingest: 负载无法解析")
	ErrNoSensorFields   = errors.New("ingest: 负载不含有效传感器字段")
	ErrStoreUnavailable = errors.New("ingest: 下游存储不可用")
)

// 存储写入的退避重试参数
const (
	defaultWriteAttempts = 3
	defaultInitialDelay  = 100 * time.Millisecond
)

// Config 入库适配配置
type Config struct {
	WriteAttempts int           // 单条读数的最大写入尝试次数（含首次）
	InitialDelay  time.Duration // 重试初始间隔（逐次翻倍）
	Clock         func() time.Time
	Callbacks     api.Callbacks // 入库事件回调（可全部为nil）
}

// Ingestor 数据入库适配器
type Ingestor struct {
	sensors  api.SensorRegistry
	store    api.TimeSeriesStore
	registry api.NodeRegistry

	attempts     int
	initialDelay time.Duration
	now          func() time.Time
	callbacks    api.Callbacks
	log          *logger.Logger
}

// NewIngestor 创建入库适配器
func NewIngestor(sensors api.SensorRegistry, store api.TimeSeriesStore, registry api.NodeRegistry, cfg Config) *Ingestor {
	attempts := cfg.WriteAttempts
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = defaultInitialDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Ingestor{
		sensors:      sensors,
		store:        store,
		registry:     registry,
		attempts:     attempts,
		initialDelay: delay,
		now:          clock,
		callbacks:    cfg.Callbacks,
		log:          logger.Default(),
	}
}

// Ingest 处理一次已通过准入检查的数据提交
// 负载中每个传感器字段生成一条独立读数入库；
// 全部写入成功后更新节点最后在线时间
// 返回: 入库的读数条数；负载问题返回ErrBadPayload/ErrNoSensorFields，
// 写入重试耗尽返回ErrStoreUnavailable
func (in *Ingestor) Ingest(ctx context.Context, node *api.NodeRecord, payload []byte) (int, error) {
	sub, err := DecodeSubmission(payload)
	if err != nil {
		return 0, err
	}

	values := sub.Values()
	if len(values) == 0 {
		return 0, errors.Wrapf(ErrNoSensorFields, "节点%s", node.NodeID)
	}

	// 采样时间戳：负载携带则采用，否则由服务端补齐
	ts := in.now()
	if sub.Timestamp > 0 {
		ts = time.Unix(sub.Timestamp, 0)
	}

	// 分区：负载显式指定时覆盖注册信息
	zone := node.ZoneID
	if sub.ZoneID != "" {
		zone = sub.ZoneID
	}
	if len(sub.MetaData) > 0 {
		in.log.Debug("提交携带元数据",
			zap.String("node_id", node.NodeID),
			zap.Any("meta_data", sub.MetaData))
	}

	stored := 0
	for _, v := range values {
		reading := in.buildReading(node, zone, v, ts)

		err := timer.ExponentialBackoff(ctx, in.attempts, in.initialDelay, func() error {
			return in.store.Write(ctx, reading)
		})
		if err != nil {
			in.log.Error("读数写入重试耗尽",
				zap.String("node_id", node.NodeID),
				zap.String("sensor_type", string(v.Type)),
				zap.Int("stored", stored),
				zap.Error(err))
			return stored, errors.Wrapf(ErrStoreUnavailable, "节点%s的%s读数: %v", node.NodeID, v.Type, err)
		}
		stored++

		if in.callbacks.OnReading != nil {
			in.callbacks.OnReading(reading)
		}
	}

	in.registry.Touch(node.NodeID, in.now())
	if in.callbacks.OnNodeSeen != nil {
		in.callbacks.OnNodeSeen(node.NodeID, in.now())
	}
	in.log.Debug("提交已入库",
		zap.String("node_id", node.NodeID),
		zap.Int("readings", stored))
	return stored, nil
}

// buildReading 将原始值换算为入库读数：应用校准参数并评估质量
// 已注册的传感器：校准值 = 原始值×系数 + 偏移；超出注册量程的打uncertain标记
// 未注册的传感器：原始值直接入库，质量标记unknown，单位取类型默认值
func (in *Ingestor) buildReading(node *api.NodeRecord, zone string, v SensorValue, ts time.Time) *api.Reading {
	reading := &api.Reading{
		NodeID:     node.NodeID,
		ZoneID:     zone,
		SensorType: v.Type,
		Value:      v.Value,
		Unit:       api.DefaultUnits[v.Type],
		Quality:    api.QualityUnknown,
		Timestamp:  ts,
	}

	spec, ok := in.sensors.LookupSensor(node.NodeID, v.Type)
	if !ok {
		return reading
	}

	multiplier := spec.CalibrationMultiplier
	if multiplier == 0 {
		multiplier = 1
	}
	reading.Value = v.Value*multiplier + spec.CalibrationOffset

	if spec.Unit != "" {
		reading.Unit = spec.Unit
	}

	if spec.MinValue < spec.MaxValue &&
		(reading.Value < spec.MinValue || reading.Value > spec.MaxValue) {
		reading.Quality = api.QualityUncertain
		in.log.Warn("读数超出注册量程",
			zap.String("node_id", node.NodeID),
			zap.String("sensor_type", string(v.Type)),
			zap.Float64("value", reading.Value),
			zap.Float64("min", spec.MinValue),
			zap.Float64("max", spec.MaxValue))
	} else {
		reading.Quality = api.QualityGood
	}

	return reading
}
