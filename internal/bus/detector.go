package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/quartz"
	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
	"go.uber.org/zap"
)

// detectCommand 识别命令
type detectCommand struct {
	Command string    `json:"command"`
	Arg     detectArg `json:"arg"`
}

// detectArg 识别命令参数
type detectArg struct {
	RoundID string `json:"round_id"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
}

// detectResponse 识别响应
type detectResponse struct {
	Response string `json:"response"`
	Arg      struct {
		Res []int `json:"res"`
		Err int   `json:"err"`
	} `json:"arg"`
}

// Detector 识别协议客户端
//
// 通过消息总线发布detect命令并轮询关联响应。无效或空的响应
// 视为"尚未就绪"继续等待；总超时后发布timeout命令取消服务端
// 工作，并返回合成的默认结果，调用方据此走降级路径而非阻塞。
type Detector struct {
	bus    Bus
	cfg    *config.DetectConfig
	topics *config.MQTTTopics
	clock  quartz.Clock
	logger *zap.Logger

	mu       sync.Mutex
	resultCh chan []int // 当前等待中的关联响应通道
}

// NewDetector 创建识别协议客户端
func NewDetector(b Bus, cfg *config.DetectConfig, topics *config.MQTTTopics, clock quartz.Clock) *Detector {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Detector{
		bus:    b,
		cfg:    cfg,
		topics: topics,
		clock:  clock,
		logger: logger.GetModuleLogger("mqtt"),
	}
}

// Start 订阅响应主题
func (d *Detector) Start() error {
	return d.bus.Subscribe(d.topics.Response, d.handleResponse)
}

// handleResponse 处理响应消息：只有形状合法的结果才转发给等待方
func (d *Detector) handleResponse(_ string, payload []byte) {
	var resp detectResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.logger.Debug("响应解析失败，继续等待", zap.Error(err))
		return
	}

	if resp.Response != "result" {
		d.logger.Debug("非结果响应，继续等待", zap.String("response", resp.Response))
		return
	}

	if !d.validResult(resp.Arg.Res) {
		// 空、null、长度不符都视为尚未就绪，而不是失败
		d.logger.Debug("结果形状不合法，继续等待",
			zap.Ints("res", resp.Arg.Res), zap.Int("err", resp.Arg.Err))
		return
	}

	d.mu.Lock()
	ch := d.resultCh
	d.mu.Unlock()

	if ch == nil {
		d.logger.Debug("没有等待中的识别请求，丢弃结果", zap.Ints("res", resp.Arg.Res))
		return
	}

	select {
	case ch <- resp.Arg.Res:
	default:
	}
}

// validResult 校验结果形状：固定长度且全为正整数
func (d *Detector) validResult(res []int) bool {
	if len(res) != d.cfg.ResultLen {
		return false
	}
	for _, v := range res {
		if v <= 0 {
			return false
		}
	}
	return true
}

// Detect 执行一次识别交换
//
// 返回识别结果与是否成功。超时返回合成默认结果与false。
func (d *Detector) Detect(ctx context.Context, roundID string) ([]int, bool) {
	resultCh := make(chan []int, 1)

	d.mu.Lock()
	d.resultCh = resultCh
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.resultCh = nil
		d.mu.Unlock()
	}()

	start := d.clock.Now()

	// 首次发布detect命令
	d.publishCommand("detect", roundID)

	deadline := d.clock.NewTimer(d.cfg.Timeout)
	defer deadline.Stop()
	retry := d.clock.NewTicker(d.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case res := <-resultCh:
			d.logger.Info("识别成功",
				zap.String("round_id", roundID),
				zap.Ints("res", res),
				zap.Duration("elapsed", d.clock.Since(start)))
			return res, true

		case <-retry.C:
			// 重发命令直至总超时
			d.publishCommand("detect", roundID)

		case <-deadline.C:
			// 通知服务端取消，返回默认结果走降级路径
			d.logger.Warn("识别超时，返回默认结果",
				zap.String("round_id", roundID),
				zap.Duration("timeout", d.cfg.Timeout))
			d.publishCommand("timeout", roundID)
			return d.defaultResult(), false

		case <-ctx.Done():
			d.publishCommand("timeout", roundID)
			return d.defaultResult(), false
		}
	}
}

// publishCommand 发布识别协议命令
func (d *Detector) publishCommand(command string, roundID string) {
	cmd := detectCommand{
		Command: command,
		Arg: detectArg{
			RoundID: roundID,
			Input:   d.cfg.Input,
			Output:  d.cfg.Output,
		},
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		d.logger.Error("识别命令编码失败", zap.Error(err))
		return
	}

	if err := d.bus.Publish(d.topics.Command, payload); err != nil {
		d.logger.Error("识别命令发布失败",
			zap.String("command", command), zap.Error(err))
	}
}

// defaultResult 合成默认结果
func (d *Detector) defaultResult() []int {
	res := make([]int, d.cfg.ResultLen)
	for i := range res {
		res[i] = d.cfg.DefaultValue
	}
	return res
}
