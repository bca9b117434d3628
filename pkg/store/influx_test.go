package store

import (
	"context"
	"testing"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildPoint 测试读数到InfluxDB数据点的转换
func TestBuildPoint(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reading := &api.Reading{
		NodeID:     "greenhouse_001",
		ZoneID:     "zone_a",
		SensorType: api.SensorTemperature,
		Value:      22.5,
		Unit:       "°C",
		Quality:    api.QualityGood,
		Timestamp:  ts,
	}

	point := buildPoint(reading)
	assert.Equal(t, Measurement, point.Name())
	assert.Equal(t, ts, point.Time())

	tags := make(map[string]string)
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "greenhouse_001", tags["node_id"])
	assert.Equal(t, "zone_a", tags["zone_id"])
	assert.Equal(t, "temperature", tags["sensor_type"])
	assert.Equal(t, "good", tags["quality"])
	assert.Equal(t, "°C", tags["unit"])

	fields := point.FieldList()
	require.Len(t, fields, 1)
	assert.Equal(t, "value", fields[0].Key)
	assert.Equal(t, 22.5, fields[0].Value)
}

// TestInfluxStore_WriteNil 测试空读数的拒绝
func TestInfluxStore_WriteNil(t *testing.T) {
	s := NewInfluxStore(Config{URL: "http://localhost:8086"})
	defer s.Close()

	err := s.Write(context.Background(), nil)
	assert.Error(t, err)
}
