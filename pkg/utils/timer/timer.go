// 提供定时任务管理与重试工具，服务于服务端周期性维护任务与节点上报循环
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Task struct {
	id       string        // 任务唯一标识
	interval time.Duration // 触发间隔
	callback func()        // 任务触发时执行的回调函数
	ticker   *time.Ticker  // 周期性任务的底层时钟
	stopChan chan struct{} // 用于停止任务的信号通道
	once     sync.Once     // 确保Stop操作只执行一次（避免通道重复关闭）
}

type Manager struct {
	mu     sync.RWMutex       // 读写锁，保护tasks map的并发访问
	tasks  map[string]*Task   // 存储所有任务，key为任务ID
	ctx    context.Context    // 用于通知所有任务停止的上下文
	cancel context.CancelFunc // 用于触发全局停止的函数
}

// 创建一个新的定时任务管理器
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule 创建并启动一个周期性任务
// 参数:
//   id: 任务唯一标识
//   interval: 触发间隔
//   callback: 每次触发时执行的回调函数
// 返回: 若ID已存在则返回错误，否则返回nil
func (m *Manager) Schedule(id string, interval time.Duration, callback func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[id]; exists {
		return fmt.Errorf("task %s already exists", id)
	}

	task := &Task{
		id:       id,
		interval: interval,
		callback: callback,
		ticker:   time.NewTicker(interval),
		stopChan: make(chan struct{}),
	}

	m.tasks[id] = task

	go m.runTask(task)

	return nil
}

// Remove 停止并移除指定ID的任务
// 参数:
//   id: 要移除的任务ID
// 返回: 若ID不存在则返回错误，否则返回nil
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}

	// 确保停止操作只执行一次（避免重复关闭通道）
	task.once.Do(func() {
		if task.ticker != nil {
			task.ticker.Stop()
		}
		close(task.stopChan)
	})

	delete(m.tasks, id)
	return nil
}

// Count 获取当前活跃的任务数量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.tasks)
}

// StopAll 停止并移除所有任务，同时终止管理器
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, task := range m.tasks {
		task.once.Do(func() {
			if task.ticker != nil {
				task.ticker.Stop()
			}
			close(task.stopChan)
		})
		delete(m.tasks, id)
	}

	m.cancel() // 触发全局上下文取消，通知所有相关协程退出
}

// runTask 周期性任务的运行逻辑（内部协程函数）
func (m *Manager) runTask(task *Task) {
	if task.ticker == nil {
		return
	}

	for {
		select {
		case <-task.ticker.C:
			task.callback()
		case <-task.stopChan:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// ExponentialBackoff 带指数退避的重试逻辑：每次重试间隔翻倍
// 应用场景：下游存储写入重试，减轻瞬时故障下的压力
// 参数:
//   ctx: 上下文（取消时立即放弃重试）
//   attempts: 最大尝试次数（含首次）
//   initialDelay: 初始延迟时间（后续每次翻倍）
//   fn: 待执行的函数（返回error表示失败）
// 返回: 若成功返回nil，否则返回最后一次错误
func ExponentialBackoff(ctx context.Context, attempts int, initialDelay time.Duration, fn func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts with exponential backoff, last error: %w", attempts, err)
}
