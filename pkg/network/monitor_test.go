package network

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/junbin-yang/greenhouse-go/pkg/utils/logger"
	"github.com/stretchr/testify/assert"
)

func newTestLogger() *logger.Logger {
	return logger.New(io.Discard, logger.ErrorLevel)
}

// newTestMonitor 创建探测结果可控的监控器
func newTestMonitor(up *atomic.Bool) *Monitor {
	m := &Monitor{
		upChan:   make(chan struct{}),
		stopChan: make(chan struct{}),
		log:      newTestLogger(),
	}
	m.probe = up.Load
	if m.probe() {
		m.state = StateConnected
		close(m.upChan)
	} else {
		m.state = StateConnecting
	}
	return m
}

// TestMonitor_InitialState 测试初始探测决定初始状态
func TestMonitor_InitialState(t *testing.T) {
	var up atomic.Bool

	up.Store(true)
	m := newTestMonitor(&up)
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsLinkUp())

	up.Store(false)
	m = newTestMonitor(&up)
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.IsLinkUp())
}

// TestMonitor_AwaitLink 测试连接等待：恢复前阻塞，恢复后全部唤醒
func TestMonitor_AwaitLink(t *testing.T) {
	var up atomic.Bool
	m := newTestMonitor(&up)

	// 连接不可用时等待超时
	assert.False(t, m.AwaitLink(30*time.Millisecond), "连接不可用时应超时返回false")

	// 后台恢复连接
	done := make(chan bool, 1)
	go func() {
		done <- m.AwaitLink(2 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.setState(StateConnected)

	select {
	case ok := <-done:
		assert.True(t, ok, "连接恢复后AwaitLink应返回true")
	case <-time.After(time.Second):
		t.Fatal("AwaitLink未被唤醒")
	}

	// 已连接时立即返回
	assert.True(t, m.AwaitLink(time.Millisecond))
}

// TestMonitor_StateTransitions 测试状态切换与upChan维护
func TestMonitor_StateTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := newTestMonitor(&up)

	// Connected → Connecting：upChan应重建，AwaitLink恢复阻塞
	m.setState(StateConnecting)
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.AwaitLink(10*time.Millisecond))

	// Connecting → Disconnected：仍然阻塞
	m.setState(StateDisconnected)
	assert.False(t, m.IsLinkUp())

	// Disconnected → Connected：唤醒
	m.setState(StateConnected)
	assert.True(t, m.AwaitLink(time.Millisecond))

	// 重复设置同一状态应为无操作
	m.setState(StateConnected)
	assert.True(t, m.IsLinkUp())
}

// TestMonitor_Stop 测试停止后AwaitLink立即返回false
func TestMonitor_Stop(t *testing.T) {
	var up atomic.Bool
	m := newTestMonitor(&up)
	m.Start()
	m.Stop()

	assert.False(t, m.AwaitLink(time.Second), "停止后AwaitLink应立即返回false")
	m.Stop() // 重复停止应安全
}

// TestLinkState_String 测试状态名称
func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", LinkState(9).String())
}
