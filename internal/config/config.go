package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
)

// 默认值取自各仪器驱动草稿里实际使用的参数
const (
	DefaultServiceName   = "device-opcua-bridge"
	DefaultBaudrate      = 9600
	DefaultTimeoutMs     = 500
	DefaultSettle        = 300 * time.Millisecond
	DefaultPollInterval  = 2 * time.Second
	DefaultSubInterval   = time.Second
	DefaultHeartbeat     = 10 * time.Second
	DefaultMQTTKeepAlive = 60 * time.Second
)

// Load 从指定 YAML 文件加载配置，补默认值并校验。
// 任何失败都以 ConfigurationError 返回。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, "read "+path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, "parse yaml", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "INFO"
	}
	c.Service.LogLevel = strings.ToUpper(c.Service.LogLevel)

	applySerialDefaults(&c.Serial, c.Instrument.Type)

	if c.Worker.Settle == 0 {
		c.Worker.Settle = Duration(DefaultSettle)
	}
	if c.Worker.ReadTimeout == 0 {
		c.Worker.ReadTimeout = Duration(c.Serial.ReadTimeout())
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(DefaultPollInterval)
	}
	if c.Instrument.Name == "" {
		c.Instrument.Name = c.Instrument.Type
	}
	if c.Instrument.Address == 0 {
		c.Instrument.Address = 1
	}

	if ua := c.OPCUA; ua != nil {
		// object/nodes 简写归并到 objects 列表最前面
		if ua.Object != "" {
			ua.Objects = append([]ObjectConfig{{Name: ua.Object, Nodes: ua.Nodes}}, ua.Objects...)
			ua.Object, ua.Nodes = "", nil
		}
		if ua.Interval == 0 {
			ua.Interval = Duration(DefaultSubInterval)
		}
		if wd := ua.Watchdog; wd != nil {
			if wd.Mode == "" {
				wd.Mode = "echo"
			}
			if wd.Object == "" && len(ua.Objects) > 0 {
				wd.Object = ua.Objects[0].Name
			}
		}
	}

	if m := c.MQTT; m != nil {
		if m.ClientID == "" {
			m.ClientID = c.Service.Name
		}
		if m.TopicPrefix == "" {
			m.TopicPrefix = "bridge/" + c.Service.Name
		}
		if m.KeepAlive == 0 {
			m.KeepAlive = Duration(DefaultMQTTKeepAlive)
		}
		if m.ConnectTimeout == 0 {
			m.ConnectTimeout = Duration(10 * time.Second)
		}
	}

	if n := c.NATS; n != nil {
		if n.Subject == "" {
			n.Subject = c.Service.Name
		}
		if n.HeartbeatBucket == "" {
			n.HeartbeatBucket = "service_heartbeats"
		}
		if n.HeartbeatInterval == 0 {
			n.HeartbeatInterval = Duration(DefaultHeartbeat)
		}
	}
}

// 各仪器的串口参数：ismatec 8N1，ika 7E1
func applySerialDefaults(s *SerialConfig, instrument string) {
	if s.Type == "" {
		s.Type = "uart"
	}
	if s.Name == "" {
		s.Name = s.Device
	}
	if s.Baudrate == 0 {
		s.Baudrate = DefaultBaudrate
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}
	if s.ByteSize == 0 {
		s.ByteSize = 8
		if instrument == "ika" {
			s.ByteSize = 7
		}
	}
	if s.Parity == "" {
		s.Parity = "N"
		if instrument == "ika" {
			s.Parity = "E"
		}
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
}

// Validate 结构校验 + 语义校验
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return bridgeerr.Configurationf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return bridgeerr.New(bridgeerr.KindConfiguration, "validate", err)
	}

	if c.Instrument.Type == "generic" && len(c.Instrument.Commands) == 0 {
		return bridgeerr.Configurationf("generic instrument requires at least one command")
	}
	for name, cmd := range c.Instrument.Commands {
		if cmd.Frame == "" {
			return bridgeerr.Configurationf("instrument command %q: frame is required", name)
		}
	}
	for field, cmd := range c.Poll.Fields {
		if cmd == "" {
			return bridgeerr.Configurationf("poll field %q: command is required", field)
		}
	}
	if c.Serial.Type == "rs485" && c.Serial.DEPin <= 0 {
		return bridgeerr.Configurationf("rs485 port %q requires de_pin", c.Serial.Name)
	}
	if c.Credentials != nil && c.Credentials.User == "" {
		return bridgeerr.Configurationf("credentials: user is required")
	}
	if c.OPCUA != nil {
		return c.OPCUA.validate()
	}
	return nil
}

func (ua *OPCUAConfig) validate() error {
	if len(ua.Objects) == 0 {
		return bridgeerr.Configurationf("opcua: no object configured")
	}
	for _, obj := range ua.Objects {
		for leaf, m := range obj.Nodes {
			if leaf == "" {
				return bridgeerr.Configurationf("opcua object %q: empty node name", obj.Name)
			}
			if m.Command == "" {
				return bridgeerr.Configurationf("opcua node %q: command is required", leaf)
			}
		}
	}
	if wd := ua.Watchdog; wd != nil {
		// 看门狗只走快速通道，不允许同时配置命令映射
		for _, obj := range ua.Objects {
			if _, ok := obj.Nodes[wd.Controller]; ok {
				return bridgeerr.Configurationf("watchdog controller %q must not carry a command mapping", wd.Controller)
			}
		}
		if wd.Controller == wd.Instrument {
			return bridgeerr.Configurationf("watchdog controller and instrument node must differ")
		}
	}
	return nil
}
