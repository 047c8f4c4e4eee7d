package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/logger"
	"go.uber.org/zap"
)

// ShakerState 摇骰机/转盘硬件状态机状态
type ShakerState string

const (
	ShakerIdle            ShakerState = "S0"  // 空闲
	ShakerShaking         ShakerState = "S1"  // 摇骰中
	ShakerCommandAccepted ShakerState = "S2"  // 命令已接受
	ShakerFault           ShakerState = "S90" // 硬件故障
	ShakerUnknown         ShakerState = ""
)

// stateQuery 状态查询命令（纯文本协议）
const stateQuery = "/state"

// ShakerMonitor 摇骰机状态监视器
//
// 状态是共享读模型：总线订阅回调更新，识别协议客户端读取。
type ShakerMonitor struct {
	bus    Bus
	cfg    *config.ShakerConfig
	topics *config.MQTTTopics
	clock  quartz.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	state     ShakerState
	changedAt time.Time
}

// NewShakerMonitor 创建摇骰机监视器
func NewShakerMonitor(b Bus, cfg *config.ShakerConfig, topics *config.MQTTTopics, clock quartz.Clock) *ShakerMonitor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &ShakerMonitor{
		bus:    b,
		cfg:    cfg,
		topics: topics,
		clock:  clock,
		logger: logger.GetModuleLogger("mqtt"),
	}
}

// Start 订阅状态主题
func (m *ShakerMonitor) Start() error {
	return m.bus.Subscribe(m.topics.ShakerState, m.handleState)
}

// handleState 状态主题回调：纯文本S0|S1|S2|S90
func (m *ShakerMonitor) handleState(_ string, payload []byte) {
	next := ShakerState(strings.TrimSpace(string(payload)))

	switch next {
	case ShakerIdle, ShakerShaking, ShakerCommandAccepted, ShakerFault:
	default:
		m.logger.Debug("忽略无法识别的摇骰机状态", zap.String("payload", string(payload)))
		return
	}

	m.mu.Lock()
	prev := m.state
	now := m.clock.Now()
	var elapsed time.Duration
	if !m.changedAt.IsZero() {
		elapsed = now.Sub(m.changedAt)
	}
	if prev != next {
		m.state = next
		m.changedAt = now
	}
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("摇骰机状态变化",
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Duration("elapsed", elapsed))
	}
}

// State 读取当前状态
func (m *ShakerMonitor) State() ShakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// QueryState 主动查询当前状态
func (m *ShakerMonitor) QueryState() error {
	return m.bus.Publish(m.topics.ShakerCommand, []byte(stateQuery))
}

// Shake 执行一次摇骰
//
// 发出运动曲线命令后轮询状态：回到S0成功；S90立即失败不重试；
// 超过摇骰时长加裕量仍未完成为软故障，由调用方决定是否重发。
func (m *ShakerMonitor) Shake(ctx context.Context) error {
	// 发令前先查询当前状态
	if err := m.QueryState(); err != nil {
		m.logger.Warn("摇骰前状态查询失败", zap.Error(err))
	}
	start := m.clock.Now()
	m.logger.Info("发出摇骰命令",
		zap.String("profile", m.cfg.Profile),
		zap.String("state", string(m.State())))

	if err := m.bus.Publish(m.topics.ShakerCommand, []byte(m.cfg.Profile)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTPublish, "摇骰命令发布失败")
	}

	deadline := m.clock.NewTimer(m.cfg.ShakeDuration + m.cfg.Margin)
	defer deadline.Stop()
	poll := m.clock.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	seenActive := false

	for {
		select {
		case <-poll.C:
			switch m.State() {
			case ShakerFault:
				// 硬故障立即中止，不等超时
				m.logger.Error("摇骰机硬件故障",
					zap.Duration("elapsed", m.clock.Since(start)))
				return apperrors.New(apperrors.ErrShakerFault)

			case ShakerShaking, ShakerCommandAccepted:
				seenActive = true

			case ShakerIdle:
				// 必须先观察到命令生效，避免把发令前的S0当作完成
				if seenActive {
					m.logger.Info("摇骰完成",
						zap.Duration("elapsed", m.clock.Since(start)))
					return nil
				}
			}

			// 继续催促状态上报
			if err := m.QueryState(); err != nil {
				m.logger.Debug("状态查询失败", zap.Error(err))
			}

		case <-deadline.C:
			m.logger.Warn("摇骰等待超时",
				zap.Duration("waited", m.clock.Since(start)),
				zap.String("state", string(m.State())))
			return apperrors.New(apperrors.ErrShakerTimeout)

		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
		}
	}
}
