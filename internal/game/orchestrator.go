package game

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/hardware"
	"github.com/wfunc/table-game/internal/logger"
)

// ResultDetector 物理结果识别接口，由bus包的识别协议客户端实现
type ResultDetector interface {
	Detect(ctx context.Context, roundID string) ([]int, bool)
}

// Shaker 摇骰机接口，由bus包的摇骰机监视器实现
type Shaker interface {
	Shake(ctx context.Context) error
}

// Orchestrator 多环境回合编排器
//
// 每步生命周期操作对所有环境并发扇出，单环境失败不取消兄弟任务。
// 开局后主环境的投注时长传播给未返回值的环境，并为每个已开局且
// 投注时长为正的回合调度封盘定时器。实现hardware.RoundDriver：
// 两个入口立即返回，远程编排在后台执行。
type Orchestrator struct {
	envs     []*Lifecycle
	primary  *Lifecycle
	mode     hardware.ModeGate
	detector ResultDetector
	shaker   Shaker
	clock    quartz.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	settling bool // 每回合只结算一次
}

// NewOrchestrator 创建多环境编排器
//
// primaryIndex 指定主环境在clients中的下标（投注时长的唯一来源）。
// detector与shaker可为nil，表示未配置对应硬件。
func NewOrchestrator(clients []EnvironmentClient, primaryIndex int, mode hardware.ModeGate,
	detector ResultDetector, shaker Shaker, clock quartz.Clock) *Orchestrator {
	if clock == nil {
		clock = quartz.NewReal()
	}

	envs := make([]*Lifecycle, 0, len(clients))
	for _, c := range clients {
		envs = append(envs, NewLifecycle(c))
	}

	o := &Orchestrator{
		envs:     envs,
		mode:     mode,
		detector: detector,
		shaker:   shaker,
		clock:    clock,
		logger:   logger.GetModuleLogger("game"),
	}
	if primaryIndex >= 0 && primaryIndex < len(envs) {
		o.primary = envs[primaryIndex]
	} else if len(envs) > 0 {
		o.primary = envs[0]
	}
	return o
}

// Lifecycles 返回各环境生命周期状态机（按配置顺序）
func (o *Orchestrator) Lifecycles() []*Lifecycle {
	return o.envs
}

// fanOut 对所有环境并发执行一次操作并汇集结果
//
// 失败的环境随即以broadcast进入并走完吸收态，不影响其他环境。
func (o *Orchestrator) fanOut(ctx context.Context, op Operation, reason string) []error {
	errs := make([]error, len(o.envs))

	var wg sync.WaitGroup
	for i, lc := range o.envs {
		wg.Add(1)
		go func(i int, lc *Lifecycle) {
			defer wg.Done()
			err := lc.Attempt(ctx, op, reason)
			errs[i] = err
			if err != nil && op != OpBroadcast {
				_ = lc.Attempt(ctx, OpBroadcast, reason)
			}
		}(i, lc)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		o.logger.Warn("部分环境操作失败",
			zap.String("op", string(op)),
			zap.Int("failed", failed),
			zap.Int("total", len(o.envs)))
	}
	return errs
}

// StartAll 全环境开局
//
// 开局成功后：主环境投注时长传播给未返回值的环境；每个投注时长为正的
// 回合调度一个封盘定时器，定时器独立于主流程，不会被后续失败取消。
func (o *Orchestrator) StartAll(ctx context.Context, reason string) error {
	if !o.mode.IsRunning() {
		o.logger.Info("待机模式，忽略开局", zap.String("reason", reason))
		return apperrors.New(apperrors.ErrModeUnavailable, "当前为待机模式")
	}

	o.mu.Lock()
	o.settling = false
	o.mu.Unlock()

	o.fanOut(ctx, OpStart, reason)

	// 投注时长只来源于主环境
	primaryPeriod := 0
	if o.primary != nil {
		primaryPeriod = o.primary.BetPeriod()
	}
	for _, lc := range o.envs {
		if lc == o.primary {
			continue
		}
		if lc.AdoptBetPeriod(primaryPeriod) {
			o.logger.Debug("采纳主环境投注时长",
				zap.Int("bet_period", primaryPeriod))
		}
	}

	scheduled := 0
	for _, lc := range o.envs {
		if lc.State() != StateStarted {
			continue
		}
		period := lc.BetPeriod()
		if period <= 0 {
			continue
		}
		o.scheduleBetStop(lc, period, lc == o.primary)
		scheduled++
	}
	o.logger.Info("开局扇出完成",
		zap.Int("environments", len(o.envs)),
		zap.Int("bet_stop_timers", scheduled))
	return nil
}

// scheduleBetStop 调度一个环境的封盘定时器
func (o *Orchestrator) scheduleBetStop(lc *Lifecycle, periodSec int, primary bool) {
	o.clock.AfterFunc(time.Duration(periodSec)*time.Second, func() {
		if !o.mode.IsRunning() {
			return
		}
		ctx := context.Background()
		if err := lc.Attempt(ctx, OpBetStop, "bet_period_elapsed"); err != nil {
			_ = lc.Attempt(ctx, OpBroadcast, "bet_stop_failed")
			return
		}
		// 主环境封盘后触发摇骰
		if primary && o.shaker != nil {
			go o.runShake()
		}
	}, "bet_stop")
}

// runShake 封盘后执行一次摇骰；软硬故障都只上报日志，结果仍由传感器决定
func (o *Orchestrator) runShake() {
	if err := o.shaker.Shake(context.Background()); err != nil {
		o.logger.Error("摇骰失败", zap.Error(err))
	}
}

// BetStopAll 全环境封盘
func (o *Orchestrator) BetStopAll(ctx context.Context, reason string) error {
	if !o.mode.IsRunning() {
		return apperrors.New(apperrors.ErrModeUnavailable, "当前为待机模式")
	}
	o.fanOut(ctx, OpBetStop, reason)
	return nil
}

// DealAll 以识别结果全环境派彩
func (o *Orchestrator) DealAll(ctx context.Context, result []int, reason string) error {
	if !o.mode.IsRunning() {
		return apperrors.New(apperrors.ErrModeUnavailable, "当前为待机模式")
	}
	for _, lc := range o.envs {
		lc.SetResult(result)
	}
	o.fanOut(ctx, OpDeal, reason)
	return nil
}

// FinishAll 全环境收尾
func (o *Orchestrator) FinishAll(ctx context.Context, reason string) error {
	if !o.mode.IsRunning() {
		return apperrors.New(apperrors.ErrModeUnavailable, "当前为待机模式")
	}
	o.fanOut(ctx, OpFinish, reason)
	return nil
}

// BroadcastAll 全环境恢复广播（无条件接受，复位到待机）
func (o *Orchestrator) BroadcastAll(ctx context.Context, reason string) error {
	o.fanOut(ctx, OpBroadcast, reason)
	return nil
}

// StartRound 实现hardware.RoundDriver：传感器开局信号
func (o *Orchestrator) StartRound() {
	go func() {
		_ = o.StartAll(context.Background(), "sensor_begin")
	}()
}

// SettleRound 实现hardware.RoundDriver：传感器结果信号
//
// 先向识别服务请求物理结果，超时则退化为传感器报告的单值结果，
// 然后派彩并收尾。每个周期只结算一次。
func (o *Orchestrator) SettleRound(winning int) {
	o.mu.Lock()
	if o.settling {
		o.mu.Unlock()
		return
	}
	o.settling = true
	o.mu.Unlock()

	go func() {
		ctx := context.Background()

		roundID := ""
		if o.primary != nil {
			roundID = o.primary.RoundID()
			// 本地没有回合登记（比如进程在回合中途重启）时向后端查询
			if roundID == "" {
				id, err := o.primary.env.CurrentRound(ctx)
				if err != nil {
					o.logger.Warn("查询后端当前回合失败", zap.Error(err))
				} else {
					roundID = id
				}
			}
		}

		result := []int{winning}
		if o.detector != nil {
			res, ok := o.detector.Detect(ctx, roundID)
			if ok {
				result = res
			} else {
				o.logger.Warn("识别超时，使用合成默认结果",
					zap.String("round_id", roundID),
					zap.Ints("result", res))
				result = res
			}
		}

		_ = o.DealAll(ctx, result, "sensor_result")
		_ = o.FinishAll(ctx, "sensor_result")
	}()
}
