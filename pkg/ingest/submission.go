// 定义传感器数据提交的负载结构及解析方法
package ingest

import (
	"encoding/json"

	"github.com/junbin-yang/greenhouse-go/api"
	"github.com/pkg/errors"
)

// Submission 表示一次传感器数据提交的JSON负载
// 传感器字段使用指针：区分"未上报"与"上报了0值"
type Submission struct {
	APIKey    string `json:"api_key,omitempty"` // API密钥（也可由查询参数携带）
	NodeID    string `json:"node_id"`           // 节点唯一标识（必填）
	Timestamp int64  `json:"timestamp,omitempty"` // 采样时间戳（Unix秒，0表示由服务端补齐）
	ZoneID    string `json:"zone_id,omitempty"`   // 温室分区（为空时取注册信息中的分区）

	MetaData map[string]string `json:"meta_data,omitempty"` // 附加元数据（仅记录，不入库）

	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	SoilMoisture *float64 `json:"soil_moisture,omitempty"`
	Light        *float64 `json:"light,omitempty"`
	PH           *float64 `json:"ph,omitempty"`
	EC           *float64 `json:"ec,omitempty"`
	Battery      *float64 `json:"battery_percentage,omitempty"`
	Signal       *float64 `json:"signal_strength,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
}

// DecodeSubmission 解析提交负载的JSON字节流
func DecodeSubmission(data []byte) (*Submission, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrBadPayload, "负载为空")
	}
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(ErrBadPayload, "JSON解析失败: %v", err)
	}
	return &s, nil
}

// Encode 将提交负载编码为JSON字节流（发送侧使用）
func (s *Submission) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "提交负载编码失败")
	}
	return data, nil
}

// Values 按固定顺序提取负载中实际携带的传感器值
func (s *Submission) Values() []SensorValue {
	fields := []struct {
		typ api.SensorType
		val *float64
	}{
		{api.SensorTemperature, s.Temperature},
		{api.SensorHumidity, s.Humidity},
		{api.SensorSoilMoisture, s.SoilMoisture},
		{api.SensorLight, s.Light},
		{api.SensorPH, s.PH},
		{api.SensorEC, s.EC},
		{api.SensorBattery, s.Battery},
		{api.SensorSignal, s.Signal},
		{api.SensorVoltage, s.Voltage},
	}

	values := make([]SensorValue, 0, len(fields))
	for _, f := range fields {
		if f.val != nil {
			values = append(values, SensorValue{Type: f.typ, Value: *f.val})
		}
	}
	return values
}

// SensorValue 负载中的单个传感器值
type SensorValue struct {
	Type  api.SensorType
	Value float64
}
