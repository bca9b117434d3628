package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 内存时序存储桩：记录全部写入，可注入失败
type memStore struct {
	mu       sync.Mutex
	readings []api.Reading
	failures int // 前N次写入返回错误
}

func (m *memStore) Write(ctx context.Context, reading *api.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("存储暂时不可用")
	}
	m.readings = append(m.readings, *reading)
	return nil
}

func (m *memStore) all() []api.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.Reading(nil), m.readings...)
}

// memRegistry 内存注册表桩
type memRegistry struct {
	mu      sync.Mutex
	specs   map[string]map[api.SensorType]*api.SensorSpec
	touched map[string]time.Time
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		specs:   make(map[string]map[api.SensorType]*api.SensorSpec),
		touched: make(map[string]time.Time),
	}
}

func (m *memRegistry) addSpec(nodeID string, spec *api.SensorSpec) {
	if m.specs[nodeID] == nil {
		m.specs[nodeID] = make(map[api.SensorType]*api.SensorSpec)
	}
	m.specs[nodeID][spec.Type] = spec
}

func (m *memRegistry) Lookup(nodeID string) (*api.NodeRecord, bool) { return nil, false }

func (m *memRegistry) Touch(nodeID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[nodeID] = at
}

func (m *memRegistry) LookupSensor(nodeID string, sensorType api.SensorType) (*api.SensorSpec, bool) {
	spec, ok := m.specs[nodeID][sensorType]
	return spec, ok
}

var testNode = &api.NodeRecord{
	NodeID: "greenhouse_001",
	APIKey: "gh001_api_key_abc123",
	ZoneID: "zone_a",
	Active: true,
}

func newTestIngestor(store *memStore, reg *memRegistry) *Ingestor {
	return NewIngestor(reg, store, reg, Config{
		WriteAttempts: 3,
		InitialDelay:  time.Millisecond,
	})
}

// TestIngestor_MultipleFields 测试多传感器字段：每个字段生成独立读数
func TestIngestor_MultipleFields(t *testing.T) {
	store := &memStore{}
	reg := newMemRegistry()
	in := newTestIngestor(store, reg)

	payload := []byte(`{"api_key":"gh001_api_key_abc123","node_id":"greenhouse_001","temperature":22.5,"humidity":65}`)
	stored, err := in.Ingest(context.Background(), testNode, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	readings := store.all()
	require.Len(t, readings, 2)

	byType := make(map[api.SensorType]api.Reading)
	for _, r := range readings {
		byType[r.SensorType] = r
	}

	temp := byType[api.SensorTemperature]
	assert.Equal(t, "greenhouse_001", temp.NodeID)
	assert.Equal(t, "zone_a", temp.ZoneID)
	assert.Equal(t, 22.5, temp.Value)
	assert.Equal(t, "°C", temp.Unit)
	assert.Equal(t, api.QualityUnknown, temp.Quality, "未注册传感器应标记unknown")

	hum := byType[api.SensorHumidity]
	assert.Equal(t, 65.0, hum.Value)
	assert.Equal(t, "%", hum.Unit)

	// 成功入库后更新最后在线时间
	_, touched := reg.touched["greenhouse_001"]
	assert.True(t, touched)
}

// TestIngestor_Calibration 测试校准换算与质量评估
func TestIngestor_Calibration(t *testing.T) {
	store := &memStore{}
	reg := newMemRegistry()
	reg.addSpec("greenhouse_001", &api.SensorSpec{
		SensorID:              "gh001_temp",
		Type:                  api.SensorTemperature,
		Unit:                  "°C",
		MinValue:              -10,
		MaxValue:              50,
		CalibrationMultiplier: 2.0,
		CalibrationOffset:     1.0,
		Active:                true,
	})
	in := newTestIngestor(store, reg)

	// 原始值10 → 校准值10×2+1=21，在量程内
	stored, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":10}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	readings := store.all()
	require.Len(t, readings, 1)
	assert.Equal(t, 21.0, readings[0].Value)
	assert.Equal(t, api.QualityGood, readings[0].Quality)

	// 原始值30 → 校准值61，超出量程上限：保留但打uncertain标记
	_, err = in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":30}`))
	require.NoError(t, err)

	readings = store.all()
	require.Len(t, readings, 2)
	assert.Equal(t, 61.0, readings[1].Value)
	assert.Equal(t, api.QualityUncertain, readings[1].Quality, "越界读数应保留并打uncertain标记")
}

// TestIngestor_ZeroMultiplier 测试未配置校准系数（0值）按1处理
func TestIngestor_ZeroMultiplier(t *testing.T) {
	store := &memStore{}
	reg := newMemRegistry()
	reg.addSpec("greenhouse_001", &api.SensorSpec{
		Type:     api.SensorHumidity,
		Unit:     "%",
		MinValue: 0,
		MaxValue: 100,
		Active:   true,
	})
	in := newTestIngestor(store, reg)

	_, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","humidity":65}`))
	require.NoError(t, err)

	readings := store.all()
	require.Len(t, readings, 1)
	assert.Equal(t, 65.0, readings[0].Value, "系数0应按1处理（原始值不变）")
	assert.Equal(t, api.QualityGood, readings[0].Quality)
}

// TestIngestor_BadPayload 测试负载问题的拒绝
func TestIngestor_BadPayload(t *testing.T) {
	store := &memStore{}
	in := newTestIngestor(store, newMemRegistry())

	// 空负载
	_, err := in.Ingest(context.Background(), testNode, nil)
	assert.True(t, errors.Is(err, ErrBadPayload))

	// 非法JSON
	_, err = in.Ingest(context.Background(), testNode, []byte(`{broken`))
	assert.True(t, errors.Is(err, ErrBadPayload))

	// 合法JSON但无传感器字段
	_, err = in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","api_key":"k"}`))
	assert.True(t, errors.Is(err, ErrNoSensorFields))

	assert.Empty(t, store.all(), "被拒绝的提交不应产生读数")
}

// TestIngestor_ZeroValue 测试0值与未上报的区分
func TestIngestor_ZeroValue(t *testing.T) {
	store := &memStore{}
	in := newTestIngestor(store, newMemRegistry())

	stored, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":0}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stored, "显式上报的0值应入库")
	assert.Equal(t, 0.0, store.all()[0].Value)
}

// TestIngestor_StoreRetry 测试写入重试：瞬时故障后恢复
func TestIngestor_StoreRetry(t *testing.T) {
	store := &memStore{failures: 2} // 前2次写入失败，第3次成功
	in := newTestIngestor(store, newMemRegistry())

	stored, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":22.5}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	assert.Len(t, store.all(), 1)
}

// TestIngestor_StoreUnavailable 测试重试耗尽：返回ErrStoreUnavailable
func TestIngestor_StoreUnavailable(t *testing.T) {
	store := &memStore{failures: 100}
	in := newTestIngestor(store, newMemRegistry())

	stored, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":22.5}`))
	assert.True(t, errors.Is(err, ErrStoreUnavailable), "重试耗尽应返回ErrStoreUnavailable，实际: %v", err)
	assert.Equal(t, 0, stored)
}

// TestIngestor_ZoneOverride 测试负载中的分区覆盖注册信息
func TestIngestor_ZoneOverride(t *testing.T) {
	store := &memStore{}
	in := newTestIngestor(store, newMemRegistry())

	_, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","zone_id":"zone_b","temperature":22.5}`))
	require.NoError(t, err)
	assert.Equal(t, "zone_b", store.all()[0].ZoneID)

	// 未指定时沿用注册信息中的分区
	_, err = in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":23.0}`))
	require.NoError(t, err)
	assert.Equal(t, "zone_a", store.all()[1].ZoneID)
}

// TestIngestor_Callbacks 测试入库事件回调
func TestIngestor_Callbacks(t *testing.T) {
	store := &memStore{}
	reg := newMemRegistry()

	var gotReadings []api.Reading
	var seenNode string
	in := NewIngestor(reg, store, reg, Config{
		WriteAttempts: 1,
		InitialDelay:  time.Millisecond,
		Callbacks: api.Callbacks{
			OnReading:  func(r *api.Reading) { gotReadings = append(gotReadings, *r) },
			OnNodeSeen: func(nodeID string, at time.Time) { seenNode = nodeID },
		},
	})

	_, err := in.Ingest(context.Background(), testNode,
		[]byte(`{"node_id":"greenhouse_001","temperature":22.5,"humidity":65}`))
	require.NoError(t, err)

	require.Len(t, gotReadings, 2)
	assert.Equal(t, "greenhouse_001", seenNode)
}

// TestIngestor_DuplicateSubmissions 测试重复提交：不做去重，两次都入库
func TestIngestor_DuplicateSubmissions(t *testing.T) {
	store := &memStore{}
	in := newTestIngestor(store, newMemRegistry())

	payload := []byte(`{"node_id":"greenhouse_001","temperature":22.5,"timestamp":1735732800}`)
	for i := 0; i < 2; i++ {
		stored, err := in.Ingest(context.Background(), testNode, payload)
		require.NoError(t, err)
		assert.Equal(t, 1, stored)
	}

	readings := store.all()
	assert.Len(t, readings, 2, "重复提交应原样到达存储（幂等由存储端处理）")
	assert.Equal(t, readings[0].Timestamp, readings[1].Timestamp)
	assert.Equal(t, time.Unix(1735732800, 0), readings[0].Timestamp, "负载携带的时间戳应采用")
}
