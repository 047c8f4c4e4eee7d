package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/hardware"
	"github.com/wfunc/table-game/internal/logger"
)

// transientErrnos 可重试的传输层错误白名单
var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
}

// IsTransient 判断是否为可重试的瞬时传输错误
//
// 白名单口径：连接重置、拒绝、不可达、超时、管道断裂。
// 应用层失败（非200、响应不可解析）不在此列，但同样走有界重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Retryer 固定间隔的有界重试执行器
//
// 告警环境上每次重试发warn，重试耗尽发error；其他环境只记日志。
type Retryer struct {
	cfg      *config.BackendConfig
	envName  string
	alertEnv bool
	alerts   hardware.AlertSink
	clock    quartz.Clock
	logger   *zap.Logger
}

// NewRetryer 创建重试执行器；alerts仅在告警环境上使用，可为nil
func NewRetryer(cfg *config.BackendConfig, envName string, alertEnv bool,
	alerts hardware.AlertSink, clock quartz.Clock) *Retryer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Retryer{
		cfg:      cfg,
		envName:  envName,
		alertEnv: alertEnv,
		alerts:   alerts,
		clock:    clock,
		logger:   logger.GetModuleLogger("backend").With(zap.String("env", envName)),
	}
}

// Do 执行操作，最多尝试MaxRetries次，失败间固定休眠RetryInterval
//
// 耗尽后返回最后一次失败原因，包装为RetryExhausted。
func (r *Retryer) Do(ctx context.Context, op string, fn func() error) error {
	maxAttempts := r.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		r.logger.Warn("后台调用失败",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max", maxAttempts),
			zap.Bool("transient", IsTransient(lastErr)),
			zap.Error(lastErr))

		if attempt == maxAttempts {
			break
		}

		if r.alertEnv && r.alerts != nil {
			r.alerts.Warn("BACKEND_RETRY",
				fmt.Sprintf("环境%s操作%s第%d次失败: %v", r.envName, op, attempt, lastErr))
		}

		timer := r.clock.NewTimer(r.cfg.RetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled, "重试等待被取消")
		}
	}

	if r.alertEnv && r.alerts != nil {
		r.alerts.Error("BACKEND_RETRY_EXHAUSTED",
			fmt.Sprintf("环境%s操作%s重试%d次后仍失败: %v", r.envName, op, maxAttempts, lastErr))
	}
	return apperrors.Wrapf(lastErr, apperrors.ErrRetryExhausted,
		"环境%s操作%s重试耗尽", r.envName, op)
}
