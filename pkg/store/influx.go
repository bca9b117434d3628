// 提供基于InfluxDB的时序存储实现：传感器读数按测点写入，
// 节点/分区/类型/质量作为标签，写入确认后才视为成功
package store

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Measurement 读数写入的测点名称
const Measurement = "sensor_reading"

// Config InfluxDB连接配置
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxStore 实现api.TimeSeriesStore
// 相同节点+类型+时间戳的重复写入由InfluxDB按点覆盖，天然幂等
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI influxapi.WriteAPIBlocking
	log      *logger.Logger
}

// NewInfluxStore 创建InfluxDB存储实例
func NewInfluxStore(cfg Config) *InfluxStore {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.Default(),
	}
}

// Write 写入一条读数，阻塞至存储确认
func (s *InfluxStore) Write(ctx context.Context, reading *api.Reading) error {
	if reading == nil {
		return errors.New("store: 读数不能为空")
	}

	point := buildPoint(reading)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return errors.Wrapf(err, "写入读数失败(node=%s, type=%s)",
			reading.NodeID, reading.SensorType)
	}

	s.log.Debug("读数已入库",
		zap.String("node_id", reading.NodeID),
		zap.String("sensor_type", string(reading.SensorType)),
		zap.Float64("value", reading.Value))
	return nil
}

// Close 释放客户端连接
func (s *InfluxStore) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

// buildPoint 将读数转换为InfluxDB数据点
// 维度信息（节点、分区、类型、质量、单位）作为标签，数值作为字段
func buildPoint(reading *api.Reading) *write.Point {
	tags := map[string]string{
		"node_id":     reading.NodeID,
		"zone_id":     reading.ZoneID,
		"sensor_type": string(reading.SensorType),
		"quality":     string(reading.Quality),
		"unit":        reading.Unit,
	}

	fields := map[string]interface{}{
		"value": reading.Value,
	}

	return write.NewPoint(Measurement, tags, fields, reading.Timestamp)
}
