package hardware

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
	"go.uber.org/zap"
)

// 告警信号码
const (
	SignalSensorFault = "SENSOR_FAULT"
)

// Decoder 硬件事件解码器
//
// 将串口帧解码为类型化事件并驱动回合编排器。重复的开始/结果
// 事件在去重窗口内合并；传感器故障带两级告警升级（warn→error，
// 每周期最多两次），并设置进程终止意图。
type Decoder struct {
	mu sync.Mutex

	clock     quartz.Clock
	startedAt time.Time // 进程启动时间，用于故障宽限期判断

	dedupWindow time.Duration
	faultGrace  time.Duration

	lastBegin  time.Time
	lastResult time.Time
	resultSent bool // 本周期是否已触发结算

	// 每故障类别每周期的信号计数：0未发 1已发warn 2已发error
	signalCounts map[string]int

	mode            ModeGate
	alerts          AlertSink
	driver          RoundDriver
	controller      CommandSender
	requestShutdown func()

	haltSent bool // 本周期是否已下发停机命令

	logger *zap.Logger
}

// NewDecoder 创建解码器
func NewDecoder(cfg *config.GameConfig, mode ModeGate, alerts AlertSink, driver RoundDriver, shutdown func(), clock quartz.Clock) *Decoder {
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Decoder{
		clock:           clock,
		startedAt:       clock.Now(),
		dedupWindow:     cfg.DedupWindow,
		faultGrace:      cfg.FaultGrace,
		signalCounts:    make(map[string]int),
		mode:            mode,
		alerts:          alerts,
		driver:          driver,
		requestShutdown: shutdown,
		logger:          logger.GetModuleLogger("serial"),
	}
}

// AttachController 挂接下行命令通道。
// 串口读取回调依赖解码器，解码器的下行通道依赖串口，挂接放在两者都创建之后。
func (d *Decoder) AttachController(controller CommandSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controller = controller
}

// HandleLine 处理一条完整的串口帧，格式错误的帧记录后丢弃，绝不上抛
func (d *Decoder) HandleLine(line string) {
	ev, ok := d.parse(line)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Code {
	case EventShakeOrLaunchBegin:
		d.handleBegin(ev)
	case EventBallLaunched:
		d.logger.Info("球已发出", zap.String("raw", ev.Raw))
	case EventMidCycleTrigger:
		d.logger.Info("周期中段触发", zap.String("raw", ev.Raw))
	case EventResultAvailable:
		d.handleResult(ev)
	case EventSensorFault:
		d.handleFault(ev)
	default:
		d.logger.Warn("未知事件码", zap.Int("code", int(ev.Code)), zap.String("raw", line))
	}
}

// parse 解析帧：`*X;<code>;<extra>;<extra>;<fault_or_value>;<extra>`
func (d *Decoder) parse(line string) (*HardwareEvent, bool) {
	fields := strings.Split(line, ";")
	if len(fields) < 2 {
		d.logger.Warn("帧字段不足，丢弃", zap.String("raw", line))
		return nil, false
	}

	// 非事件帧（遥测响应、命令回显）不在此处理
	if fields[0] != FramePrefixEvent {
		d.logger.Debug("忽略非事件帧", zap.String("raw", line))
		return nil, false
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil {
		d.logger.Warn("事件码解析失败，丢弃", zap.String("raw", line), zap.Error(err))
		return nil, false
	}

	ev := &HardwareEvent{
		Code: EventCode(code),
		Raw:  line,
	}

	// 第4个字段是结果事件的中奖值
	if ev.Code == EventResultAvailable {
		if len(fields) < 4 {
			d.logger.Warn("结果帧缺少中奖值，丢弃", zap.String("raw", line))
			return nil, false
		}
		win, err := strconv.Atoi(fields[3])
		if err != nil {
			d.logger.Warn("中奖值解析失败，丢弃", zap.String("raw", line), zap.Error(err))
			return nil, false
		}
		ev.Winning = win
	}

	// 第5个字段是故障码
	if len(fields) > 4 {
		ev.FaultCode = fields[4]
	}

	return ev, true
}

// handleBegin 处理摇骰/发球开始事件
func (d *Decoder) handleBegin(ev *HardwareEvent) {
	now := d.clock.Now()

	// 开始帧携带故障字段0：宽限期内视为上电噪声整帧忽略，
	// 宽限期外按传感器故障处理
	if ev.FaultCode == "0" {
		if d.inGraceWindow(now) {
			d.logger.Info("启动宽限期内的故障标记已抑制",
				zap.String("raw", ev.Raw),
				zap.Duration("since_start", now.Sub(d.startedAt)))
			return
		}
		d.escalateFault(ev.FaultCode, ev.Raw)
		return
	}

	// 去重：窗口内只认第一次
	if !d.lastBegin.IsZero() && now.Sub(d.lastBegin) < d.dedupWindow {
		d.logger.Debug("合并窗口内的重复开始事件",
			zap.Duration("since_last", now.Sub(d.lastBegin)))
		return
	}

	// 接受的开始事件即新周期：重置信号计数与周期标记
	d.lastBegin = now
	d.resultSent = false
	d.haltSent = false
	d.signalCounts = make(map[string]int)

	d.logger.Info("摇骰/发球开始", zap.String("raw", ev.Raw))

	if !d.mode.IsRunning() {
		d.logger.Info("待机模式，跳过回合开始")
		return
	}

	// 编排器内部并发执行，不会阻塞串口读取循环
	d.driver.StartRound()
}

// handleResult 处理结果事件
func (d *Decoder) handleResult(ev *HardwareEvent) {
	now := d.clock.Now()

	// 去重：窗口内只认第一次
	if !d.lastResult.IsZero() && now.Sub(d.lastResult) < d.dedupWindow {
		d.logger.Debug("合并窗口内的重复结果事件",
			zap.Duration("since_last", now.Sub(d.lastResult)))
		return
	}
	d.lastResult = now

	if d.resultSent {
		d.logger.Debug("本周期结算已触发，忽略重复结果")
		return
	}

	d.logger.Info("结果可读", zap.Int("winning", ev.Winning), zap.String("raw", ev.Raw))

	if !d.mode.IsRunning() {
		d.logger.Info("待机模式，跳过结算", zap.Int("winning", ev.Winning))
		return
	}

	d.resultSent = true
	d.driver.SettleRound(ev.Winning)
}

// handleFault 处理传感器故障事件
func (d *Decoder) handleFault(ev *HardwareEvent) {
	if ev.FaultCode == "" {
		d.logger.Warn("故障帧缺少故障码，丢弃", zap.String("raw", ev.Raw))
		return
	}

	now := d.clock.Now()

	// 故障码0仅在启动宽限期内视为良性
	if ev.FaultCode == "0" && d.inGraceWindow(now) {
		d.logger.Info("启动宽限期内的故障已抑制",
			zap.String("fault_code", ev.FaultCode),
			zap.Duration("since_start", now.Sub(d.startedAt)))
		return
	}

	d.escalateFault(ev.FaultCode, ev.Raw)
}

// escalateFault 故障告警升级：首次warn，第二次error，之后不再发送，
// 并设置进程终止意图（由主程序决定何时退出）
func (d *Decoder) escalateFault(faultCode string, raw string) {
	count := d.signalCounts[faultCode]
	content := "传感器故障 code=" + faultCode

	switch count {
	case 0:
		d.logger.Warn("传感器故障（首次告警）",
			zap.String("fault_code", faultCode), zap.String("raw", raw))
		if d.alerts != nil {
			d.alerts.Warn(SignalSensorFault, content)
		}
		d.signalCounts[faultCode] = 1
	case 1:
		d.logger.Error("传感器故障（升级告警）",
			zap.String("fault_code", faultCode), zap.String("raw", raw))
		if d.alerts != nil {
			d.alerts.Error(SignalSensorFault, content)
		}
		d.signalCounts[faultCode] = 2
	default:
		// 每周期最多两次信号
		d.logger.Debug("故障信号已达上限，不再发送",
			zap.String("fault_code", faultCode))
	}

	// 首次升级时下发停机命令，让硬件停在安全状态
	if d.controller != nil && !d.haltSent {
		d.haltSent = true
		if err := d.controller.Send(CmdHalt); err != nil {
			d.logger.Error("停机命令下发失败", zap.Error(err))
		}
	}

	if d.requestShutdown != nil {
		d.requestShutdown()
	}
}

// inGraceWindow 是否处于启动宽限期
func (d *Decoder) inGraceWindow(now time.Time) bool {
	return now.Sub(d.startedAt) < d.faultGrace
}

// SignalCount 返回指定故障类别本周期的信号计数（测试用）
func (d *Decoder) SignalCount(faultCode string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signalCounts[faultCode]
}
