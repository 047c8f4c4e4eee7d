package hardware

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
	"go.uber.org/zap"
)

// LineHandler 完整帧回调
type LineHandler func(line string)

// SerialPort 串口传输层：按行读取传感器帧并发送控制命令
type SerialPort struct {
	config    *config.SerialConfig
	port      *serial.Port
	connected bool
	mu        sync.RWMutex
	stopCh    chan struct{}
	handler   LineHandler
	logger    *zap.Logger
}

// NewSerialPort 创建串口传输层
func NewSerialPort(cfg *config.SerialConfig, handler LineHandler) *SerialPort {
	return &SerialPort{
		config:  cfg,
		handler: handler,
		stopCh:  make(chan struct{}),
		logger:  logger.GetModuleLogger("serial"),
	}
}

// Connect 连接串口并启动读取循环
func (s *SerialPort) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	// 解析校验位
	parity := serial.ParityNone
	switch s.config.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	// 配置串口
	cfg := &serial.Config{
		Name:        s.config.Port,
		Baud:        s.config.BaudRate,
		Size:        byte(s.config.DataBits),
		Parity:      parity,
		StopBits:    serial.StopBits(s.config.StopBits),
		ReadTimeout: s.config.ReadTimeout,
	}

	// 打开串口
	port, err := serial.OpenPort(cfg)
	if err != nil {
		s.logger.Error("打开串口失败",
			zap.String("port", s.config.Port),
			zap.Error(err))
		return err
	}

	s.port = port
	s.connected = true
	s.stopCh = make(chan struct{})

	// 启动读取循环
	go s.readLoop()

	s.logger.Info("串口连接成功",
		zap.String("port", s.config.Port),
		zap.Int("baud_rate", s.config.BaudRate))

	return nil
}

// Disconnect 断开连接
func (s *SerialPort) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	close(s.stopCh)

	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
			return err
		}
	}

	s.connected = false
	s.port = nil

	s.logger.Info("串口已断开")

	return nil
}

// IsConnected 检查连接状态
func (s *SerialPort) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Send 发送一条命令行（自动追加换行），带重试
func (s *SerialPort) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return errors.New("serial port not connected")
	}

	data := []byte(line + "\r\n")

	for i := 0; i < s.config.RetryTimes; i++ {
		_, err := s.port.Write(data)
		if err == nil {
			logger.LogSerialFrame("send", line)
			return nil
		}

		if i < s.config.RetryTimes-1 {
			time.Sleep(s.config.RetryInterval)
		}
	}

	return errors.New("send command failed after retries")
}

// readLoop 读取循环：跨次读取累积半帧，按换行切分完整行
func (s *SerialPort) readLoop() {
	defer func() {
		s.logger.Info("串口读取循环已退出")
	}()

	buffer := make([]byte, 1024)
	var lineBuffer string

	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			port := s.port
			s.mu.RUnlock()

			if port == nil {
				s.logger.Warn("串口已关闭，退出读取循环")
				return
			}

			n, err := port.Read(buffer)
			if err != nil {
				// EOF不是致命错误，某些USB-CDC设备会定期发送EOF
				if strings.Contains(err.Error(), "EOF") {
					continue
				}
				// 忽略超时错误
				if !strings.Contains(err.Error(), "timeout") {
					s.logger.Debug("读取串口数据错误", zap.Error(err))
				}
				// 只有在真正的设备断开错误时才退出
				if strings.Contains(err.Error(), "device not configured") ||
					strings.Contains(err.Error(), "broken pipe") ||
					strings.Contains(err.Error(), "input/output error") {
					s.logger.Error("串口设备断开连接", zap.Error(err))
					s.mu.Lock()
					s.connected = false
					s.mu.Unlock()
					return
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}

			if n > 0 {
				lineBuffer += string(buffer[:n])

				// 处理完整的行（以\n或\r\n结尾）
				for {
					idx := strings.Index(lineBuffer, "\n")
					if idx == -1 {
						break
					}

					line := strings.TrimSpace(lineBuffer[:idx])
					lineBuffer = lineBuffer[idx+1:]

					if line == "" {
						continue
					}

					logger.LogSerialFrame("receive", line)
					if s.handler != nil {
						s.handler(line)
					}
				}
			}
		}
	}
}
