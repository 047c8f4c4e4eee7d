package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
)

// Failover 备用主机接管握手
//
// 三步都是尽力而为：任何一步失败只记日志并继续下一步，
// 本机无论如何都会继续走完停机序列。
type Failover struct {
	cfg     *config.FailoverConfig
	tableID string
	http    *http.Client
	logger  *zap.Logger
}

// NewFailover 创建接管握手器
func NewFailover(cfg *config.FailoverConfig, tableID string) *Failover {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Failover{
		cfg:     cfg,
		tableID: tableID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.GetModuleLogger("control"),
	}
}

// Engage 执行接管握手：连通性探测 -> 会话存在性探测 -> 远程命令注入
func (f *Failover) Engage(ctx context.Context) {
	if !f.cfg.Enabled {
		f.logger.Info("未配置备用主机，跳过接管握手")
		return
	}
	start := time.Now()

	reachable := f.probeTCP()
	if !reachable {
		f.logger.Error("备用主机不可达，无人接管",
			zap.String("host", f.cfg.Host),
			zap.Int("port", f.cfg.Port))
		return
	}

	hasSession := f.probeSession(ctx)
	if !hasSession {
		f.logger.Warn("备用主机无活动会话，仍尝试注入接管命令")
	}

	f.injectCommand(ctx)
	logger.LogControlEvent("failover", "engage", time.Since(start))
}

// probeTCP 第一步：TCP连通性探测
func (f *Failover) probeTCP() bool {
	addr := fmt.Sprintf("%s:%d", f.cfg.Host, f.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, f.http.Timeout)
	if err != nil {
		f.logger.Warn("备用主机连通性探测失败", zap.String("addr", addr), zap.Error(err))
		return false
	}
	conn.Close()
	f.logger.Info("备用主机连通性探测通过", zap.String("addr", addr))
	return true
}

// probeSession 第二步：会话存在性探测
func (f *Failover) probeSession(ctx context.Context) bool {
	if f.cfg.SessionURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.SessionURL, nil)
	if err != nil {
		return false
	}
	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Warn("会话存在性探测失败", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	ok := resp.StatusCode == http.StatusOK
	f.logger.Info("会话存在性探测完成",
		zap.Int("status", resp.StatusCode),
		zap.Bool("has_session", ok))
	return ok
}

// injectCommand 第三步：向备用主机注入接管命令
func (f *Failover) injectCommand(ctx context.Context) {
	if f.cfg.CommandURL == "" {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"command": "takeover",
		"tableId": f.tableID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.cfg.CommandURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Error("接管命令注入失败", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	f.logger.Info("接管命令已注入", zap.Int("status", resp.StatusCode))
}
