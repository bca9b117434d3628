// 提供温室环境模拟器：按植物类型生成带日周期的传感器读数，
// 含土壤水分的灌溉补充与营养液的EC/pH调节事件
package node

import (
	"math"
	"math/rand"
	"time"

	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"go.uber.org/zap"
)

// PlantProfile 植物环境参数档案
type PlantProfile struct {
	Name            string
	TempMin         float64
	TempMax         float64
	TempOptimal     float64
	HumidityMin     float64
	HumidityMax     float64
	HumidityOptimal float64
	SoilMoistureMin float64
	SoilMoistureMax float64
	PHMin           float64
	PHMax           float64
	PHOptimal       float64
	ECMin           float64
	ECMax           float64
	ECOptimal       float64
}

// 内置植物档案，未知类型回退到tomato
var plantProfiles = []PlantProfile{
	{"tomato", 18.0, 28.0, 23.0, 60.0, 80.0, 70.0, 40.0, 80.0, 6.0, 6.8, 6.3, 2.0, 5.0, 3.5},
	{"lettuce", 15.0, 25.0, 20.0, 50.0, 70.0, 60.0, 50.0, 90.0, 6.0, 7.0, 6.5, 1.2, 2.0, 1.6},
	{"cucumber", 20.0, 30.0, 25.0, 70.0, 85.0, 75.0, 60.0, 85.0, 5.5, 6.5, 6.0, 1.7, 2.5, 2.1},
	{"peppers", 21.0, 29.0, 25.0, 50.0, 70.0, 60.0, 40.0, 70.0, 6.2, 6.8, 6.5, 2.0, 3.5, 2.8},
}

// FindProfile 按名称查找植物档案，未找到时返回tomato
func FindProfile(plantType string) PlantProfile {
	for _, p := range plantProfiles {
		if p.Name == plantType {
			return p
		}
	}
	return plantProfiles[0]
}

// Sample 模拟器的单次采样结果
type Sample struct {
	Temperature  float64
	Humidity     float64
	SoilMoisture float64
	Light        float64
	PH           float64
	EC           float64
}

// Simulator 温室环境模拟器
// 所有状态封装在实例内，多个节点可各自持有独立的模拟器
type Simulator struct {
	profile PlantProfile

	baseTemperature float64
	baseHumidity    float64
	soilMoisture    float64
	ph              float64
	ec              float64
	lastIrrigation  time.Time
	lastFeeding     time.Time

	rng *rand.Rand
	now func() time.Time
	log *logger.Logger
}

// NewSimulator 创建指定植物类型的模拟器
// 参数:
//   plantType: 植物类型（tomato/lettuce/cucumber/peppers）
//   seed: 随机种子（相同种子产生可复现的序列）
func NewSimulator(plantType string, seed int64) *Simulator {
	s := &Simulator{
		profile: FindProfile(plantType),
		rng:     rand.New(rand.NewSource(seed)),
		now:     time.Now,
		log:     logger.Default(),
	}

	// 基准值在最优值附近随机偏移，土壤水分从量程中点开始
	s.baseTemperature = s.profile.TempOptimal + s.randomFloat(-2.0, 2.0)
	s.baseHumidity = s.profile.HumidityOptimal + s.randomFloat(-5.0, 5.0)
	s.soilMoisture = (s.profile.SoilMoistureMin + s.profile.SoilMoistureMax) / 2.0
	s.ph = s.profile.PHOptimal + s.randomFloat(-0.2, 0.2)
	s.ec = s.profile.ECOptimal + s.randomFloat(-0.3, 0.3)
	s.lastIrrigation = s.now()
	s.lastFeeding = s.now()

	s.log.Info("环境模拟器已初始化",
		zap.String("plant", s.profile.Name),
		zap.Float64("base_temp", s.baseTemperature),
		zap.Float64("base_humidity", s.baseHumidity))
	return s
}

// Read 生成一次采样
// 温度按日周期正弦波动（14点左右达峰），湿度与温度反相，
// 土壤水分随时间衰减并自动灌溉，pH缓慢漂移，EC随养分消耗下降并自动补液
func (s *Simulator) Read() *Sample {
	now := s.now()
	hourOfDay := float64(now.Hour()) + float64(now.Minute())/60.0

	sample := &Sample{}

	// 日温度周期：正弦波，峰值约在14:00
	tempCycle := math.Sin((hourOfDay - 6.0) * math.Pi / 12.0)
	sample.Temperature = s.baseTemperature + tempCycle*4.0 + s.randomFloat(-0.5, 0.5)
	sample.Temperature = clamp(sample.Temperature, s.profile.TempMin, s.profile.TempMax)

	// 湿度与温度反相
	humidityCycle := -tempCycle * 0.5
	sample.Humidity = s.baseHumidity + humidityCycle*10.0 + s.randomFloat(-2.0, 2.0)
	sample.Humidity = clamp(sample.Humidity, s.profile.HumidityMin, s.profile.HumidityMax)

	// 土壤水分：按0.8%/小时衰减，接近下限时自动灌溉
	hoursSinceIrrigation := now.Sub(s.lastIrrigation).Hours()
	s.soilMoisture = math.Max(s.soilMoisture-hoursSinceIrrigation*0.8, s.profile.SoilMoistureMin)
	if s.soilMoisture < s.profile.SoilMoistureMin+5.0 {
		s.TriggerIrrigation()
	}
	sample.SoilMoisture = s.soilMoisture + s.randomFloat(-1.0, 1.0)

	// 光照：白天（6-18点）正弦曲线，上限5万lux，20%概率受云层遮挡
	lightBase := 0.0
	if hourOfDay >= 6.0 && hourOfDay <= 18.0 {
		lightBase = math.Sin((hourOfDay-6.0)*math.Pi/12.0) * 50000.0
		if s.randomFloat(0.0, 1.0) < 0.2 {
			lightBase *= s.randomFloat(0.3, 0.7)
		}
	}
	sample.Light = math.Max(lightBase+s.randomFloat(-2000.0, 2000.0), 0.0)

	// pH：随施肥间隔缓慢漂移
	hoursSinceFeeding := now.Sub(s.lastFeeding).Hours()
	s.ph += s.randomFloat(-0.02, 0.02) + hoursSinceFeeding*0.01*0.1
	s.ph = clamp(s.ph, s.profile.PHMin, s.profile.PHMax)
	sample.PH = s.ph + s.randomFloat(-0.05, 0.05)

	// EC：养分按0.02/小时消耗，过低时自动补液
	s.ec = math.Max(s.ec-hoursSinceFeeding*0.02, s.profile.ECMin)
	if s.ec < s.profile.ECOptimal-0.5 {
		s.TriggerNutrientFeed()
	}
	sample.EC = s.ec + s.randomFloat(-0.1, 0.1)

	return sample
}

// TriggerIrrigation 触发灌溉：土壤水分上升15-25个百分点（封顶至量程上限）
func (s *Simulator) TriggerIrrigation() {
	s.lastIrrigation = s.now()
	s.soilMoisture = math.Min(s.soilMoisture+s.randomFloat(15.0, 25.0), s.profile.SoilMoistureMax)
	s.log.Debug("触发灌溉",
		zap.String("plant", s.profile.Name),
		zap.Float64("soil_moisture", s.soilMoisture))
}

// TriggerNutrientFeed 触发营养液补充：pH回归最优值附近，EC上升
func (s *Simulator) TriggerNutrientFeed() {
	s.lastFeeding = s.now()
	s.ph = s.profile.PHOptimal + s.randomFloat(-0.1, 0.1)
	s.ec = math.Min(s.ec+s.randomFloat(0.5, 1.0), s.profile.ECMax)
	s.log.Debug("触发营养液补充",
		zap.String("plant", s.profile.Name),
		zap.Float64("ec", s.ec))
}

// Profile 返回当前使用的植物档案
func (s *Simulator) Profile() PlantProfile {
	return s.profile
}

func (s *Simulator) randomFloat(min, max float64) float64 {
	return min + s.rng.Float64()*(max-min)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
