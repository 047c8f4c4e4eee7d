package bus

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/table-game/internal/config"
	apperrors "github.com/wfunc/table-game/internal/errors"
	"github.com/wfunc/table-game/internal/logger"
	"go.uber.org/zap"
)

// Bus 消息总线抽象，便于协议层测试
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// Client 基于paho的MQTT客户端封装
type Client struct {
	cfg    *config.MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewClient 创建MQTT客户端
func NewClient(cfg *config.MQTTConfig) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger.GetModuleLogger("mqtt"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(cfg.AutoReconnect).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info("MQTT已连接", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT连接丢失", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect 建立连接
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return apperrors.New(apperrors.ErrMQTTConnect, "连接超时")
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTConnect)
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("MQTT已断开")
}

// Publish 发布消息
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("MQTT发布失败", zap.String("topic", topic), zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrMQTTPublish, topic)
	}

	logger.LogBusMessage(topic, "publish", string(payload))
	return nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.LogBusMessage(msg.Topic(), "receive", string(msg.Payload()))
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTSubscribe, topic)
	}

	c.logger.Info("MQTT已订阅", zap.String("topic", topic))
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTSubscribe, topic)
	}
	return nil
}
