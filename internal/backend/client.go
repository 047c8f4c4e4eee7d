package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/hardware"
	"github.com/wfunc/table-game/internal/logger"
)

// Client 单环境回合生命周期REST客户端
//
// 每个配置环境一个实例，环境参数不可变。全部请求为POST JSON并携带
// Bearer令牌；非200或非JSON响应体视为失败，经重试层有界重试。
type Client struct {
	env    config.EnvironmentConfig
	http   *http.Client
	retry  *Retryer
	logger *zap.Logger
}

// startResponse 开局响应
type startResponse struct {
	RoundID   string `json:"round_id"`
	BetPeriod int    `json:"bet_period"`
}

// roundResponse 当前回合查询响应
type roundResponse struct {
	RoundID string `json:"round_id"`
}

// NewClient 创建单环境客户端
func NewClient(env config.EnvironmentConfig, cfg *config.BackendConfig,
	alerts hardware.AlertSink, clock quartz.Clock) *Client {
	return &Client{
		env: env,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry:  NewRetryer(cfg, env.Name, env.Alert, alerts, clock),
		logger: logger.GetModuleLogger("backend").With(zap.String("env", env.Name)),
	}
}

// Name 环境名
func (c *Client) Name() string { return c.env.Name }

// Start 开局，返回后端分配的回合ID与投注时长（秒，可能为0）
func (c *Client) Start(ctx context.Context) (string, int, error) {
	body := map[string]interface{}{
		"game_code": c.env.GameCode,
	}
	var resp startResponse
	err := c.retry.Do(ctx, "start", func() error {
		return c.post(ctx, "/start", body, &resp)
	})
	if err != nil {
		return "", 0, err
	}
	c.logger.Info("开局成功",
		zap.String("round_id", resp.RoundID),
		zap.Int("bet_period", resp.BetPeriod))
	return resp.RoundID, resp.BetPeriod, nil
}

// BetStop 封盘
func (c *Client) BetStop(ctx context.Context) error {
	return c.retry.Do(ctx, "bet-stop", func() error {
		return c.post(ctx, "/bet-stop", map[string]interface{}{
			"game_code": c.env.GameCode,
		}, nil)
	})
}

// Deal 派彩物理结果
func (c *Client) Deal(ctx context.Context, roundID string, result []int) error {
	return c.retry.Do(ctx, "deal", func() error {
		return c.post(ctx, "/deal", map[string]interface{}{
			"round_id": roundID,
			"result":   result,
		}, nil)
	})
}

// Finish 收尾
func (c *Client) Finish(ctx context.Context) error {
	return c.retry.Do(ctx, "finish", func() error {
		return c.post(ctx, "/finish", map[string]interface{}{
			"game_code": c.env.GameCode,
		}, nil)
	})
}

// CurrentRound 查询后端登记的当前回合ID，本地没有回合登记时用于结算兜底。
// 查询走环境的GET基址，不经重试层。
func (c *Client) CurrentRound(ctx context.Context) (string, error) {
	var resp roundResponse
	if err := c.get(ctx, "/round", &resp); err != nil {
		return "", err
	}
	return resp.RoundID, nil
}

// Broadcast 向玩家/荷官发送恢复广播
func (c *Client) Broadcast(ctx context.Context, msgID string, content string, metadata map[string]string) error {
	return c.retry.Do(ctx, "broadcast", func() error {
		return c.post(ctx, "/broadcast", map[string]interface{}{
			"msgId":    msgID,
			"content":  content,
			"metadata": metadata,
		}, nil)
	})
}

// get 发一次GET请求并解析JSON响应体
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.GetURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrBackendTransport, "构造请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.env.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrBackendTransport,
			"环境%s查询%s失败", c.env.Name, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrBackendTransport, "读取响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrBackendResponse,
			"环境%s返回%d: %s", c.env.Name, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrBackendResponse,
			"环境%s响应体不是JSON", c.env.Name)
	}
	return nil
}

// post 发一次POST JSON请求；out非nil时解析响应体
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrMessageFormat, "请求体编码失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.env.PostURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrBackendTransport, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.env.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrBackendTransport,
			"环境%s请求%s失败", c.env.Name, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrBackendTransport, "读取响应失败")
	}

	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrBackendResponse,
			"环境%s返回%d: %s", c.env.Name, resp.StatusCode, string(raw))
	}

	// 响应体必须是JSON；不需要内容时也做形状校验
	if out == nil {
		out = &map[string]interface{}{}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrBackendResponse,
			"环境%s响应体不是JSON", c.env.Name)
	}
	return nil
}

// PrimaryIndex 主环境下标：显式标记优先，否则取第一个
func PrimaryIndex(envs []config.EnvironmentConfig) int {
	for i, e := range envs {
		if e.Primary {
			return i
		}
	}
	return 0
}

// NewClients 按配置批量创建环境客户端
func NewClients(envs []config.EnvironmentConfig, cfg *config.BackendConfig,
	alerts hardware.AlertSink, clock quartz.Clock) []*Client {
	out := make([]*Client, 0, len(envs))
	for _, e := range envs {
		out = append(out, NewClient(e, cfg, alerts, clock))
	}
	return out
}
