package control

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
)

// statusPatch 入站模式切换请求体
type statusPatch struct {
	TableID string `json:"tableId" binding:"required"`
	SDP     string `json:"sdp" binding:"required"`
}

// Server 入站控制面HTTP服务
//
// 只暴露一个端点：PATCH /v1/service/status，以共享密钥签名头鉴权。
type Server struct {
	cfg    *config.ControlConfig
	mode   *Mode
	srv    *http.Server
	logger *zap.Logger
}

// NewServer 创建控制面HTTP服务
func NewServer(cfg *config.ControlConfig, mode *Mode) *Server {
	return &Server{
		cfg:    cfg,
		mode:   mode,
		logger: logger.GetModuleLogger("control"),
	}
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requireSecret())
	router.PATCH("/v1/service/status", s.handleStatusPatch)
	return router
}

// Start 启动监听；未配置监听地址时不启动
func (s *Server) Start() error {
	if s.cfg.ListenAddr == "" {
		s.logger.Info("未配置控制面监听地址")
		return nil
	}

	s.srv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("控制面服务异常退出", zap.Error(err))
		}
	}()
	s.logger.Info("控制面服务已启动", zap.String("addr", s.cfg.ListenAddr))
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requireSecret 共享密钥签名头鉴权中间件
func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(s.cfg.SecretHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_SIGNATURE",
				"message": "签名校验失败",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleStatusPatch 处理模式切换请求
func (s *Server) handleStatusPatch(c *gin.Context) {
	var patch statusPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_BODY",
			"message": "请求体格式错误",
		})
		return
	}

	if patch.TableID != s.cfg.TableID {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "UNKNOWN_TABLE",
			"message": "未知的桌台ID",
		})
		return
	}

	start := time.Now()
	switch patch.SDP {
	case "down":
		s.mode.SetIdle("control_patch")
	case "up":
		s.mode.SetRunning("control_patch")
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_SDP",
			"message": "sdp只接受up或down",
		})
		return
	}
	logger.LogControlEvent("http", "patch:"+patch.SDP, time.Since(start))

	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"tableId": patch.TableID,
			"mode":    string(s.mode.Get()),
		},
	})
}
