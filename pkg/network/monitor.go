// 提供网络连接状态监控功能：周期性扫描接口，维护显式的连接状态机，
// 供发送侧在上报前判断连接是否可用
package network

import (
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"go.uber.org/zap"
)

// LinkState 连接状态机的状态
type LinkState int32

const (
	StateDisconnected LinkState = iota // 断开：无可用接口，等待下一轮重连
	StateConnecting                    // 重连中：有限次数探测，间隔逐次增长
	StateConnected                     // 已连接：存在启用的非回环IPv4接口
)

// String 返回状态的可读名称
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// 重连策略参数：有限次探测，间隔逐次增长，耗尽后回到断开态休整
const (
	defaultScanInterval   = 5 * time.Second  // 已连接状态下的巡检间隔
	defaultRetryBaseDelay = 1 * time.Second  // 首次重连探测间隔
	defaultMaxRetryDelay  = 10 * time.Second // 重连探测间隔上限
	defaultMaxRetries     = 5                // 单轮重连的最大探测次数
	defaultRestInterval   = 30 * time.Second // 重连耗尽后的休整时间
)

// Monitor 监控本机网络连接状态，实现api.LinkMonitor
type Monitor struct {
	mu       sync.RWMutex
	state    LinkState
	upChan   chan struct{} // 连接恢复时关闭，供AwaitLink等待
	stopChan chan struct{}
	stopOnce sync.Once
	log      *logger.Logger

	// probe 探测当前是否有可用连接（测试中可替换）
	probe func() bool
}

// NewMonitor 创建连接状态监控器并完成首次探测
func NewMonitor() *Monitor {
	m := &Monitor{
		upChan:   make(chan struct{}),
		stopChan: make(chan struct{}),
		log:      logger.Default(),
	}
	m.probe = hasActiveInterface

	if m.probe() {
		m.state = StateConnected
		close(m.upChan)
	} else {
		m.state = StateConnecting
	}

	return m
}

// Start 启动监控循环
func (m *Monitor) Start() {
	go m.monitorLoop()
	m.log.Info("网络监控已启动", zap.String("state", m.State().String()))
}

// Stop 停止监控循环
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.log.Info("网络监控已停止")
}

// State 返回当前连接状态
func (m *Monitor) State() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLinkUp 判断当前连接是否可用
func (m *Monitor) IsLinkUp() bool {
	return m.State() == StateConnected
}

// AwaitLink 等待连接可用，最多等待timeout
// 返回: 连接可用返回true，超时或监控器已停止返回false
func (m *Monitor) AwaitLink(timeout time.Duration) bool {
	m.mu.RLock()
	ch := m.upChan
	m.mu.RUnlock()

	select {
	case <-ch:
		return true
	case <-m.stopChan:
		return false
	case <-time.After(timeout):
		return false
	}
}

// monitorLoop 状态机主循环
// Connected: 周期性巡检，发现连接丢失后进入Connecting
// Connecting: 有限次探测（间隔逐次增长），成功回到Connected，耗尽进入Disconnected
// Disconnected: 休整一段时间后重新进入Connecting
func (m *Monitor) monitorLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		switch m.State() {
		case StateConnected:
			if !m.sleep(defaultScanInterval) {
				return
			}
			if !m.probe() {
				m.log.Warn("网络连接丢失，开始重连")
				m.setState(StateConnecting)
			}

		case StateConnecting:
			if m.reconnect() {
				m.log.Info("网络连接已恢复")
				m.setState(StateConnected)
			} else {
				m.log.Error("重连探测耗尽，进入休整",
					zap.Int("attempts", defaultMaxRetries),
					zap.Duration("rest", defaultRestInterval))
				m.setState(StateDisconnected)
			}

		case StateDisconnected:
			if !m.sleep(defaultRestInterval) {
				return
			}
			m.setState(StateConnecting)
		}
	}
}

// reconnect 单轮重连：最多defaultMaxRetries次探测，间隔逐次增长
func (m *Monitor) reconnect() bool {
	delay := defaultRetryBaseDelay
	for i := 0; i < defaultMaxRetries; i++ {
		if m.probe() {
			return true
		}
		m.log.Debug("重连探测失败",
			zap.Int("attempt", i+1),
			zap.Duration("next_delay", delay))
		if !m.sleep(delay) {
			return false
		}
		delay *= 2
		if delay > defaultMaxRetryDelay {
			delay = defaultMaxRetryDelay
		}
	}
	return m.probe()
}

// setState 切换状态并维护upChan（连接恢复时关闭，丢失时重建）
func (m *Monitor) setState(s LinkState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == s {
		return
	}

	prev := m.state
	m.state = s

	if s == StateConnected {
		close(m.upChan) // 唤醒所有AwaitLink等待者
	} else if prev == StateConnected {
		m.upChan = make(chan struct{})
	}
}

// sleep 可被停止信号打断的等待，返回false表示监控器已停止
func (m *Monitor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.stopChan:
		return false
	}
}

// hasActiveInterface 探测是否存在启用的非回环接口且持有非回环IPv4地址
func hasActiveInterface() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			if ipv4 := ip.To4(); ipv4 != nil && !ipv4.IsLoopback() {
				return true
			}
		}
	}

	return false
}
