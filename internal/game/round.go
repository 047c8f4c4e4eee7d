package game

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/logger"
)

// RoundState 回合状态枚举
type RoundState string

const (
	StateIdle         RoundState = "idle"         // 待机（初始与终止状态）
	StateStarted      RoundState = "started"      // 已开局
	StateBetStopped   RoundState = "bet_stopped"  // 已封盘
	StateDealt        RoundState = "dealt"        // 已派彩结果
	StateFinished     RoundState = "finished"     // 已结束
	StateBroadcasting RoundState = "broadcasting" // 异常吸收态：广播后回到待机
)

// Operation 生命周期操作
type Operation string

const (
	OpStart     Operation = "start"
	OpBetStop   Operation = "betStop"
	OpDeal      Operation = "deal"
	OpFinish    Operation = "finish"
	OpBroadcast Operation = "broadcast"
)

// requiredState 各操作要求的当前状态；broadcast不在表中，任何状态都接受
var requiredState = map[Operation]RoundState{
	OpStart:   StateIdle,
	OpBetStop: StateStarted,
	OpDeal:    StateBetStopped,
	OpFinish:  StateDealt,
}

// nextState 操作成功后的目标状态
var nextState = map[Operation]RoundState{
	OpStart:   StateStarted,
	OpBetStop: StateBetStopped,
	OpDeal:    StateDealt,
	OpFinish:  StateFinished,
}

// EnvironmentClient 单环境远程操作接口，由backend包的REST客户端实现
type EnvironmentClient interface {
	Name() string
	Start(ctx context.Context) (roundID string, betPeriod int, err error)
	BetStop(ctx context.Context) error
	Deal(ctx context.Context, roundID string, result []int) error
	Finish(ctx context.Context) error
	Broadcast(ctx context.Context, msgID string, content string, metadata map[string]string) error
	// CurrentRound 查询后端登记的当前回合ID（结算时本地无登记的兜底）
	CurrentRound(ctx context.Context) (string, error)
}

// Round 单环境的一个回合
type Round struct {
	RoundID   string
	BetPeriod int // 秒；0表示后端未返回投注时长
	Result    []int
}

// Lifecycle 单环境回合生命周期状态机
//
// 先校验转换再发远程调用：非法转换不触网，调用方随后以broadcast进入
// 吸收态；远程失败也进入吸收态。broadcast在任何状态下都被接受并回到待机。
type Lifecycle struct {
	mu     sync.Mutex
	env    EnvironmentClient
	state  RoundState
	round  Round
	seq    uint64 // 每次状态变更递增，远程调用返回后用于识别被取代的转换
	logger *zap.Logger
}

// NewLifecycle 创建单环境生命周期状态机
func NewLifecycle(env EnvironmentClient) *Lifecycle {
	return &Lifecycle{
		env:    env,
		state:  StateIdle,
		logger: logger.GetModuleLogger("game").With(zap.String("env", env.Name())),
	}
}

// State 获取当前状态
func (l *Lifecycle) State() RoundState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RoundID 当前回合ID，待机时为空
func (l *Lifecycle) RoundID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round.RoundID
}

// BetPeriod 当前回合投注时长（秒）
func (l *Lifecycle) BetPeriod() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round.BetPeriod
}

// AdoptBetPeriod 采纳主环境的投注时长
//
// 只在本环境没有自己的值时生效：投注时长必须来源于唯一主环境。
func (l *Lifecycle) AdoptBetPeriod(betPeriod int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarted || l.round.BetPeriod > 0 || betPeriod <= 0 {
		return false
	}
	l.round.BetPeriod = betPeriod
	return true
}

// SetResult 设置待派彩的识别结果
func (l *Lifecycle) SetResult(result []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.round.Result = result
}

// Attempt 尝试执行一次生命周期操作
//
// 返回nil表示状态已前进。非法转换返回StateViolation且不发远程调用；
// 远程失败时状态进入Broadcasting并返回远程错误。
func (l *Lifecycle) Attempt(ctx context.Context, op Operation, reason string) error {
	if op == OpBroadcast {
		return l.doBroadcast(ctx, reason)
	}

	l.mu.Lock()
	required, known := requiredState[op]
	if !known || l.state != required {
		current := l.state
		l.mu.Unlock()
		l.logger.Warn("非法的生命周期转换",
			zap.String("op", string(op)),
			zap.String("state", string(current)),
			zap.String("reason", reason))
		return apperrors.Newf(apperrors.ErrStateViolation,
			"环境%s无法在状态%s执行%s", l.env.Name(), current, op)
	}
	roundID := l.round.RoundID
	result := l.round.Result
	seq := l.seq
	l.mu.Unlock()

	// 远程调用在锁外执行
	var (
		newRoundID   string
		newBetPeriod int
		err          error
	)
	switch op {
	case OpStart:
		newRoundID, newBetPeriod, err = l.env.Start(ctx)
	case OpBetStop:
		err = l.env.BetStop(ctx)
	case OpDeal:
		err = l.env.Deal(ctx, roundID, result)
	case OpFinish:
		err = l.env.Finish(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 远程调用期间若发生过其他转换（如并发广播复位），本次转换视为被取代，
	// 不再推进也不覆盖当前状态
	if l.seq != seq {
		l.logger.Warn("转换被并发操作取代，放弃推进",
			zap.String("op", string(op)),
			zap.String("state", string(l.state)),
			zap.String("reason", reason))
		return apperrors.Newf(apperrors.ErrStateViolation,
			"环境%s的%s在远程调用期间被取代", l.env.Name(), op)
	}

	if err != nil {
		l.seq++
		l.state = StateBroadcasting
		l.logger.Error("远程操作失败，进入广播态",
			zap.String("op", string(op)),
			zap.Error(err))
		return err
	}

	from := l.state
	l.seq++
	l.state = nextState[op]
	switch op {
	case OpStart:
		l.round = Round{RoundID: newRoundID, BetPeriod: newBetPeriod}
	case OpFinish:
		logger.LogRoundEvent(l.env.Name(), l.round.RoundID, "round_complete", nil)
		l.state = StateIdle
		l.round = Round{}
	}

	l.logger.Info("生命周期转换",
		zap.String("from", string(from)),
		zap.String("to", string(l.state)),
		zap.String("op", string(op)))
	return nil
}

// doBroadcast 发送恢复广播并无条件回到待机
func (l *Lifecycle) doBroadcast(ctx context.Context, reason string) error {
	msgID := uuid.NewString()
	err := l.env.Broadcast(ctx, msgID, reason, map[string]string{
		"env": l.env.Name(),
	})
	if err != nil {
		// 广播失败不留在吸收态，仍然复位
		l.logger.Error("恢复广播发送失败", zap.Error(err), zap.String("reason", reason))
	}

	l.mu.Lock()
	from := l.state
	l.seq++
	l.state = StateIdle
	l.round = Round{}
	l.mu.Unlock()

	l.logger.Info("恢复广播后复位",
		zap.String("from", string(from)),
		zap.String("msg_id", msgID),
		zap.String("reason", reason))
	return err
}

// Reset 强制复位到待机（模式切换时使用）
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.state = StateIdle
	l.round = Round{}
}
