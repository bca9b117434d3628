package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFindProfile 测试植物档案查找与回退
func TestFindProfile(t *testing.T) {
	assert.Equal(t, "lettuce", FindProfile("lettuce").Name)
	assert.Equal(t, "peppers", FindProfile("peppers").Name)
	assert.Equal(t, "tomato", FindProfile("unknown_plant").Name, "未知类型应回退到tomato")
}

// TestSimulator_ReadWithinBounds 测试采样值落在植物档案量程内
func TestSimulator_ReadWithinBounds(t *testing.T) {
	for _, plant := range []string{"tomato", "lettuce", "cucumber", "peppers"} {
		t.Run(plant, func(t *testing.T) {
			sim := NewSimulator(plant, 42)
			profile := sim.Profile()

			for i := 0; i < 50; i++ {
				sample := sim.Read()
				assert.GreaterOrEqual(t, sample.Temperature, profile.TempMin)
				assert.LessOrEqual(t, sample.Temperature, profile.TempMax)
				assert.GreaterOrEqual(t, sample.Humidity, profile.HumidityMin)
				assert.LessOrEqual(t, sample.Humidity, profile.HumidityMax)
				// 土壤水分与pH/EC有±噪声，允许量程外小幅抖动
				assert.InDelta(t, (profile.SoilMoistureMin+profile.SoilMoistureMax)/2,
					sample.SoilMoisture, (profile.SoilMoistureMax-profile.SoilMoistureMin)/2+2)
				assert.GreaterOrEqual(t, sample.PH, profile.PHMin-0.1)
				assert.LessOrEqual(t, sample.PH, profile.PHMax+0.1)
				assert.GreaterOrEqual(t, sample.Light, 0.0, "光照不应为负")
			}
		})
	}
}

// TestSimulator_Deterministic 测试相同种子产生可复现的序列
func TestSimulator_Deterministic(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newFixed := func() *Simulator {
		sim := NewSimulator("tomato", 7)
		sim.now = func() time.Time { return base }
		sim.lastIrrigation = base
		sim.lastFeeding = base
		return sim
	}

	a, b := newFixed(), newFixed()
	for i := 0; i < 10; i++ {
		sa, sb := a.Read(), b.Read()
		assert.Equal(t, sa, sb, "相同种子与时钟应产生相同序列")
	}
}

// TestSimulator_SoilMoistureDecayAndIrrigation 测试土壤水分衰减与自动灌溉
func TestSimulator_SoilMoistureDecayAndIrrigation(t *testing.T) {
	sim := NewSimulator("tomato", 42)
	profile := sim.Profile()

	// 模拟时间推进：长时间未灌溉后水分衰减至触发阈值，自动灌溉补充
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sim.now = func() time.Time { return current }
	sim.lastIrrigation = current
	sim.lastFeeding = current

	first := sim.Read()

	// 推进40小时：衰减40×0.8=32个百分点，必然触发灌溉
	current = current.Add(40 * time.Hour)
	sim.Read()

	require.Equal(t, current, sim.lastIrrigation, "衰减至阈值应触发自动灌溉")
	assert.LessOrEqual(t, sim.soilMoisture, profile.SoilMoistureMax)
	_ = first
}

// TestSimulator_NutrientFeed 测试EC消耗与自动补液
func TestSimulator_NutrientFeed(t *testing.T) {
	sim := NewSimulator("tomato", 42)
	profile := sim.Profile()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sim.now = func() time.Time { return current }
	sim.lastIrrigation = current
	sim.lastFeeding = current

	// 推进100小时：EC消耗100×0.02=2.0，低于最优值-0.5触发补液
	current = current.Add(100 * time.Hour)
	sim.Read()

	require.Equal(t, current, sim.lastFeeding, "EC过低应触发自动补液")
	assert.GreaterOrEqual(t, sim.ec, profile.ECMin)
	assert.LessOrEqual(t, sim.ec, profile.ECMax)
}

// TestSimulator_IndependentInstances 测试多实例状态隔离
func TestSimulator_IndependentInstances(t *testing.T) {
	a := NewSimulator("tomato", 1)
	b := NewSimulator("lettuce", 2)

	a.TriggerIrrigation()
	assert.NotEqual(t, a.lastIrrigation, b.lastIrrigation,
		"一个实例的灌溉不应影响另一个实例")
	assert.Equal(t, "tomato", a.Profile().Name)
	assert.Equal(t, "lettuce", b.Profile().Name)
}
