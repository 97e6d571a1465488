package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/linjuya-lu/device_opcua_go/internal/config"
)

// Conn 命令 API 用到的最小 MQTT 能力
type Conn interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func([]byte)) error
}

// Client 封装 Paho MQTT 客户端
type Client struct {
	inner paho.Client
	qos   byte
}

// NewClient 创建客户端并连接到 Broker；首次连接失败由调用方重试，之后的断线由 paho 自动重连
func NewClient(cfg *config.MQTTConfig) (*Client, error) {
	p := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive.D()).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(false).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		p.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		p.SetPassword(cfg.Password)
	}
	c := &Client{qos: cfg.QoS}
	c.inner = paho.NewClient(p)
	tok := c.inner.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout.D()) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", cfg.ConnectTimeout.D())
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

// Publish 发布原始负载
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.inner.Publish(topic, c.qos, false, payload)
	tok.Wait()
	return tok.Error()
}

// PublishJSON 序列化后发布
func (c *Client) PublishJSON(topic string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return c.Publish(topic, b)
}

// Subscribe 订阅主题，handler 接收原始负载
func (c *Client) Subscribe(topic string, handler func([]byte)) error {
	tok := c.inner.Subscribe(topic, c.qos, func(_ paho.Client, m paho.Message) {
		handler(m.Payload())
	})
	tok.Wait()
	return tok.Error()
}

// Disconnect 断开与 Broker 的连接
func (c *Client) Disconnect(quiesce uint) {
	c.inner.Disconnect(quiesce)
}
