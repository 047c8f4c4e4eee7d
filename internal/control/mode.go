package control

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/logger"
)

// ModeState 运行模式
type ModeState string

const (
	ModeRunning ModeState = "running" // 正常接收硬件事件并出站
	ModeIdle    ModeState = "idle"    // 所有出站调用被拦截
)

// IdleAction 进入待机时执行的动作（接管握手、停机脚本等）
type IdleAction func(ctx context.Context)

// Mode 运行模式控制器
//
// Running与Idle在一把锁下切换。Running→Idle边沿的动作序列每个边沿
// 只执行一次：备用主机接管握手、本地停机脚本、终止标志。
type Mode struct {
	mu      sync.Mutex
	state   ModeState
	actions []IdleAction

	done     chan struct{}
	doneOnce sync.Once

	logger *zap.Logger
}

// NewMode 创建模式控制器，初始为Running
func NewMode() *Mode {
	return &Mode{
		state:  ModeRunning,
		done:   make(chan struct{}),
		logger: logger.GetModuleLogger("control"),
	}
}

// OnIdle 注册进入待机时的动作，按注册顺序执行
func (m *Mode) OnIdle(action IdleAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
}

// IsRunning 实现hardware.ModeGate
func (m *Mode) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == ModeRunning
}

// Get 当前模式
func (m *Mode) Get() ModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done 终止信号：待机动作序列完成后关闭
func (m *Mode) Done() <-chan struct{} {
	return m.done
}

// SetIdle 切换到待机
//
// 只有Running→Idle边沿触发动作序列；重复调用不再执行。
// 动作序列在独立goroutine中执行，避免阻塞串口读循环等调用方。
func (m *Mode) SetIdle(reason string) {
	m.mu.Lock()
	if m.state == ModeIdle {
		m.mu.Unlock()
		return
	}
	m.state = ModeIdle
	actions := append([]IdleAction(nil), m.actions...)
	m.mu.Unlock()

	m.logger.Warn("切换到待机模式", zap.String("reason", reason))
	logger.LogControlEvent("mode", "idle:"+reason, 0)

	go func() {
		start := time.Now()
		ctx := context.Background()
		for _, action := range actions {
			action(ctx)
		}
		logger.LogControlEvent("mode", "idle_sequence_done", time.Since(start))
		m.doneOnce.Do(func() { close(m.done) })
	}()
}

// SetRunning 切换回运行
func (m *Mode) SetRunning(reason string) {
	m.mu.Lock()
	if m.state == ModeRunning {
		m.mu.Unlock()
		return
	}
	m.state = ModeRunning
	m.mu.Unlock()

	m.logger.Info("切换到运行模式", zap.String("reason", reason))
	logger.LogControlEvent("mode", "running:"+reason, 0)
}

// RunShutdownScript 执行本地停机脚本
func RunShutdownScript(ctx context.Context, script string) error {
	if script == "" {
		return nil
	}
	log := logger.GetModuleLogger("control")

	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Error("停机脚本执行失败",
			zap.String("script", script),
			zap.ByteString("output", output),
			zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrShutdownScript, "停机脚本执行失败")
	}
	log.Info("停机脚本执行完成", zap.String("script", script))
	return nil
}
