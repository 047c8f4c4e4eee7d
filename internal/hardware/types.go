package hardware

// EventCode 串口事件码
type EventCode int

const (
	EventShakeOrLaunchBegin EventCode = 2 // 摇骰/发球开始
	EventBallLaunched       EventCode = 3 // 球已发出
	EventMidCycleTrigger    EventCode = 4 // 周期中段触发
	EventResultAvailable    EventCode = 5 // 结果可读
	EventSensorFault        EventCode = 6 // 传感器故障
)

// HardwareEvent 解码后的串口事件
type HardwareEvent struct {
	Code      EventCode `json:"code"`
	Winning   int       `json:"winning"`    // 结果事件的中奖值
	FaultCode string    `json:"fault_code"` // 故障字段（第5个字段）
	Raw       string    `json:"raw"`
}

// 帧类别前缀
const (
	FramePrefixEvent     = "*X" // 传感器事件
	FramePrefixTelemetry = "*T" // 遥测查询/响应
	FramePrefixCommand   = "*P" // 控制命令
	FramePrefixAux       = "*u" // 辅助命令
)

// 下行控制命令帧
const (
	CmdHalt = FramePrefixCommand + ";0" // 停机命令，故障升级后下发
)

// ModeGate 运行模式检查接口（Idle时所有外呼静默跳过）
type ModeGate interface {
	IsRunning() bool
}

// AlertSink 告警信号出口（warn/error两级）
type AlertSink interface {
	Warn(code string, content string)
	Error(code string, content string)
}

// CommandSender 下行命令出口，由串口实现
type CommandSender interface {
	Send(line string) error
}

// RoundDriver 回合驱动接口，由多环境编排器实现。
// 两个方法都必须立即返回，远程调用在编排器内部并发执行。
type RoundDriver interface {
	// StartRound 触发所有环境的回合开始
	StartRound()
	// SettleRound 触发所有环境的开牌与结算
	SettleRound(result int)
}
