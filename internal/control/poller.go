package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
)

// statusResponse 状态接口响应
type statusResponse struct {
	Data struct {
		SDP string `json:"sdp"`
	} `json:"data"`
}

// StatusPoller 周期轮询服务状态
//
// sdp为down时切换待机，up时恢复运行；请求失败只记日志等待下一轮。
type StatusPoller struct {
	cfg    *config.ControlConfig
	mode   *Mode
	http   *http.Client
	clock  quartz.Clock
	stopCh chan struct{}
	logger *zap.Logger
}

// NewStatusPoller 创建状态轮询器
func NewStatusPoller(cfg *config.ControlConfig, mode *Mode, clock quartz.Clock) *StatusPoller {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &StatusPoller{
		cfg:    cfg,
		mode:   mode,
		http:   &http.Client{Timeout: 10 * time.Second},
		clock:  clock,
		stopCh: make(chan struct{}),
		logger: logger.GetModuleLogger("control"),
	}
}

// Start 启动轮询循环
func (p *StatusPoller) Start() {
	if p.cfg.StatusURL == "" || p.cfg.PollInterval <= 0 {
		p.logger.Info("未配置状态轮询")
		return
	}
	go p.loop()
}

// Stop 停止轮询
func (p *StatusPoller) Stop() {
	close(p.stopCh)
}

func (p *StatusPoller) loop() {
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pollOnce(context.Background())
		case <-p.stopCh:
			return
		}
	}
}

// pollOnce 执行一次GET /v1/service/status?tableId=...
func (p *StatusPoller) pollOnce(ctx context.Context) {
	u := p.cfg.StatusURL + "?tableId=" + url.QueryEscape(p.cfg.TableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn("状态轮询失败", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		p.logger.Warn("状态轮询响应异常",
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return
	}

	var status statusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		p.logger.Warn("状态响应解析失败", zap.Error(err))
		return
	}

	p.apply(status.Data.SDP)
}

// apply 根据sdp值切换模式
func (p *StatusPoller) apply(sdp string) {
	switch strings.ToLower(sdp) {
	case "down":
		p.mode.SetIdle("status_poll")
	case "up":
		p.mode.SetRunning("status_poll")
	default:
		p.logger.Debug("忽略未知sdp值", zap.String("sdp", sdp))
	}
}
