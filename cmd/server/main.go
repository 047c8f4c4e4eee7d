package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/backend"
	"github.com/wfunc/table-game/internal/bus"
	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/control"
	"github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/game"
	"github.com/wfunc/table-game/internal/hardware"
	"github.com/wfunc/table-game/internal/logger"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	mode         *control.Mode
	wsClient     *control.WSClient
	ctrlServer   *control.Server
	poller       *control.StatusPoller
	busClient    *bus.Client
	detector     *bus.Detector
	shaker       *bus.ShakerMonitor
	orchestrator *game.Orchestrator
	serial       *hardware.SerialPort

	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	setupSystem(&cfg.System)
	printStartInfo(cfg)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动桌台游戏编排服务器...",
		zap.String("version", Version),
		zap.String("table_id", s.cfg.Control.TableID),
		zap.Int("environments", len(s.cfg.Environments)))

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}
	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.cfg = newCfg
	})

	s.logger.Info("服务器启动成功",
		zap.String("control", s.cfg.Control.ListenAddr),
		zap.String("serial", s.cfg.Serial.Port))
	return nil
}

// initComponents 初始化组件：控制面 -> 消息总线 -> 环境客户端 -> 编排器 -> 串口
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	// 模式控制器与待机动作序列
	s.mode = control.NewMode()
	s.wsClient = control.NewWSClient(&s.cfg.WebSocket, s.mode)

	failover := control.NewFailover(&s.cfg.Control.Failover, s.cfg.Control.TableID)
	script := s.cfg.Control.Failover.ShutdownScript
	s.mode.OnIdle(failover.Engage)
	s.mode.OnIdle(func(ctx context.Context) {
		if err := control.RunShutdownScript(ctx, script); err != nil {
			s.logger.Error("停机脚本失败", zap.Error(err))
		}
	})

	s.ctrlServer = control.NewServer(&s.cfg.Control, s.mode)
	s.poller = control.NewStatusPoller(&s.cfg.Control, s.mode, nil)

	// 消息总线：识别协议与摇骰机
	if s.cfg.MQTT.Enabled {
		s.busClient = bus.NewClient(&s.cfg.MQTT)
		if err := s.busClient.Connect(); err != nil {
			return err
		}
		s.detector = bus.NewDetector(s.busClient, &s.cfg.Game.Detect, &s.cfg.MQTT.Topics, nil)
		s.shaker = bus.NewShakerMonitor(s.busClient, &s.cfg.Game.Shaker, &s.cfg.MQTT.Topics, nil)
	} else {
		s.logger.Warn("消息总线未启用，识别与摇骰功能不可用")
	}

	// 环境客户端与多环境编排器
	clients := backend.NewClients(s.cfg.Environments, &s.cfg.Backend, s.wsClient, nil)
	envClients := make([]game.EnvironmentClient, len(clients))
	for i, c := range clients {
		envClients[i] = c
	}

	var detector game.ResultDetector
	var shaker game.Shaker
	if s.detector != nil {
		detector = s.detector
	}
	if s.shaker != nil {
		shaker = s.shaker
	}
	s.orchestrator = game.NewOrchestrator(envClients,
		backend.PrimaryIndex(s.cfg.Environments), s.mode, detector, shaker, nil)

	// 传感器解码与串口
	decoder := hardware.NewDecoder(&s.cfg.Game, s.mode, s.wsClient, s.orchestrator,
		func() { s.mode.SetIdle("hardware_fault") }, nil)
	s.serial = hardware.NewSerialPort(&s.cfg.Serial, decoder.HandleLine)
	decoder.AttachController(s.serial)

	s.logger.Info("所有组件初始化完成")
	return nil
}

// startServices 启动长驻服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	if err := s.ctrlServer.Start(); err != nil {
		return err
	}
	s.poller.Start()
	s.wsClient.Start()

	if s.detector != nil {
		if err := s.detector.Start(); err != nil {
			return err
		}
	}
	if s.shaker != nil {
		if err := s.shaker.Start(); err != nil {
			return err
		}
	}

	if s.cfg.Serial.Enabled {
		if err := s.serial.Connect(); err != nil {
			return err
		}
	} else {
		s.logger.Warn("串口未启用，不接收传感器事件")
	}

	s.logger.Info("所有服务启动完成")
	return nil
}

// WaitForShutdown 等待退出信号或待机序列完成
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.mode.Done():
		s.logger.Warn("待机序列完成，进程终止")
	}
	close(s.shutdownCh)
}

// Shutdown 优雅关闭
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.cancel()

	if s.serial != nil {
		if err := s.serial.Disconnect(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
		}
	}
	s.poller.Stop()
	s.wsClient.Stop()
	if err := s.ctrlServer.Stop(shutdownCtx); err != nil {
		s.logger.Error("关闭控制面服务失败", zap.Error(err))
	}
	if s.busClient != nil {
		s.busClient.Disconnect()
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = rLimit.Max
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	fmt.Println("========================================")
	fmt.Println("  桌台游戏编排服务器")
	fmt.Printf("  版本: %s\n", Version)
	fmt.Printf("  桌台: %s\n", cfg.Control.TableID)
	fmt.Printf("  环境数: %d\n", len(cfg.Environments))
	fmt.Println("========================================")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("桌台游戏编排服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("桌台游戏编排服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  table-game-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  TABLE_GAME_CONFIG      配置文件路径")
	fmt.Println("  TABLE_GAME_LOG_LEVEL   日志级别")
}
