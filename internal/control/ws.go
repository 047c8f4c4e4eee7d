package control

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wfunc/table-game/internal/config"
	"github.com/wfunc/table-game/internal/logger"
)

// inboundFrame 控制面下行帧
type inboundFrame struct {
	SDP    string `json:"sdp"`
	Signal struct {
		MsgID string `json:"msgId"`
	} `json:"signal"`
}

// signalMetadata 异常信号元数据
type signalMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Suggestion  string `json:"suggestion"`
	SignalType  string `json:"signalType"`
}

// outboundSignal 异常信号体
type outboundSignal struct {
	MsgID    string         `json:"msgId"`
	Content  string         `json:"content"`
	Metadata signalMetadata `json:"metadata"`
}

// WSClient 控制面WebSocket客户端
//
// 以设备ID与令牌连接控制面，收到sdp=down或msgId含DOWN的信号时切换
// 待机。同时作为告警出口实现hardware.AlertSink：未连接时告警只落日志。
type WSClient struct {
	cfg  *config.WebSocketConfig
	mode *Mode

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	sendCh chan []byte
	stopCh chan struct{}
	logger *zap.Logger
}

// NewWSClient 创建控制面WebSocket客户端
func NewWSClient(cfg *config.WebSocketConfig, mode *Mode) *WSClient {
	return &WSClient{
		cfg:    cfg,
		mode:   mode,
		sendCh: make(chan []byte, 256),
		stopCh: make(chan struct{}),
		logger: logger.GetModuleLogger("control"),
	}
}

// Start 启动连接与重连循环
func (c *WSClient) Start() {
	if !c.cfg.Enabled || c.cfg.URL == "" {
		c.logger.Info("未启用控制面WebSocket")
		return
	}
	go c.run()
}

// Stop 停止客户端
func (c *WSClient) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// run 连接循环：断开后按重连间隔重试
func (c *WSClient) run() {
	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.logger.Warn("控制面连接失败", zap.Error(err))
		} else {
			c.readPump()
		}

		select {
		case <-time.After(interval):
		case <-c.stopCh:
			return
		}
	}
}

// connect 建立一次连接并发送上线状态帧
func (c *WSClient) connect() error {
	url := c.cfg.URL + "?id=" + c.cfg.DeviceID + "&token=" + c.cfg.Token
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("控制面已连接", zap.String("device_id", c.cfg.DeviceID))
	go c.writePump(conn)
	c.sendStatusUp()
	return nil
}

// readPump 读循环：解析下行帧并处理模式切换信号
func (c *WSClient) readPump() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("控制面读取错误", zap.Error(err))
			}
			return
		}
		c.handleFrame(message)
	}
}

// handleFrame 下行帧处理：sdp=down或DOWN信号都切待机
func (c *WSClient) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("忽略无法解析的下行帧", zap.ByteString("frame", data))
		return
	}

	if strings.EqualFold(frame.SDP, "down") {
		c.mode.SetIdle("ws_sdp_down")
		return
	}
	if strings.Contains(strings.ToUpper(frame.Signal.MsgID), "DOWN") {
		c.mode.SetIdle("ws_signal_down")
		return
	}
	if strings.EqualFold(frame.SDP, "up") {
		c.mode.SetRunning("ws_sdp_up")
	}
}

// writePump 写循环：发送队列消息并维持心跳
func (c *WSClient) writePump(conn *websocket.Conn) {
	pingInterval := c.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	writeWait := c.cfg.WriteTimeout
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stopCh:
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// enqueue 入队一帧；未连接或队列满时丢弃
func (c *WSClient) enqueue(frame interface{}) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("控制面发送队列已满，丢弃消息")
	}
}

// sendStatusUp 上线状态帧
func (c *WSClient) sendStatusUp() {
	c.enqueue(map[string]interface{}{
		"event": "status",
		"data":  map[string]string{"status": "up"},
	})
}

// sendException 异常信号帧
func (c *WSClient) sendException(code string, content string, signalType string) {
	c.enqueue(map[string]interface{}{
		"event": "exception",
		"data": map[string]interface{}{
			"signal": outboundSignal{
				MsgID:   uuid.NewString(),
				Content: content,
				Metadata: signalMetadata{
					Title:       "桌台硬件告警",
					Description: content,
					Code:        code,
					Suggestion:  "请检查桌台硬件与网络状态",
					SignalType:  signalType,
				},
			},
			"cmd": map[string]interface{}{},
		},
	})
}

// Warn 实现hardware.AlertSink
func (c *WSClient) Warn(code string, content string) {
	c.logger.Warn("上报告警", zap.String("code", code), zap.String("content", content))
	c.sendException(code, content, "warn")
}

// Error 实现hardware.AlertSink
func (c *WSClient) Error(code string, content string) {
	c.logger.Error("上报错误", zap.String("code", code), zap.String("content", content))
	c.sendException(code, content, "error")
}
