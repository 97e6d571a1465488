package config

import (
	"fmt"
	"time"
)

// Config 桥接服务的完整配置（对应 res/bridge.yaml）
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Serial     SerialConfig     `yaml:"serial"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Worker     WorkerConfig     `yaml:"worker"`
	Poll       PollConfig       `yaml:"poll"`
	OPCUA      *OPCUAConfig     `yaml:"opcua,omitempty"`
	MQTT       *MQTTConfig      `yaml:"mqtt,omitempty"`
	NATS       *NATSConfig      `yaml:"nats,omitempty"`

	// Credentials 可选的共享凭据，OPC UA 事件与命令 API 请求都要匹配
	Credentials *Credentials `yaml:"credentials,omitempty"`
}

// ServiceConfig 进程级参数
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=TRACE DEBUG INFO WARN ERROR"`
}

// SerialConfig 描述仪器所在的串口
type SerialConfig struct {
	Name      string `yaml:"name"`                                             // 逻辑名称
	Device    string `yaml:"device" validate:"required"`                       // 串口设备节点
	Type      string `yaml:"type" validate:"omitempty,oneof=uart rs232 rs485"` // uart/rs485/rs232
	Baudrate  int    `yaml:"baudrate" validate:"gte=0"`                        // 波特率
	ByteSize  int    `yaml:"byte_size" validate:"omitempty,oneof=5 6 7 8"`     // 数据位
	Parity    string `yaml:"parity" validate:"omitempty,oneof=N E O M S"`      // 校验
	StopBits  int    `yaml:"stop_bits" validate:"omitempty,oneof=1 2"`         // 停止位
	DEPin     int    `yaml:"de_pin"`                                           // RS-485 DE/RE 控制 GPIO 编号
	TimeoutMs int    `yaml:"timeout_ms" validate:"gte=0"`                      // 单次读操作超时（毫秒）
}

// ReadTimeout 串口层单次读超时
func (s SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// InstrumentConfig 仪器类型与静态描述
type InstrumentConfig struct {
	Type       string                    `yaml:"type" validate:"required,oneof=ismatec ika generic"`
	Name       string                    `yaml:"name"`
	Address    int                       `yaml:"address" validate:"gte=0,lte=8"`
	Units      map[string]string         `yaml:"units"`
	Terminator string                    `yaml:"terminator"`
	Commands   map[string]GenericCommand `yaml:"commands"`
}

// GenericCommand generic 仪器的命令模板，frame 中的 %v 由参数替换
type GenericCommand struct {
	Frame          string `yaml:"frame" validate:"required"`
	Reply          bool   `yaml:"reply"`
	TakesParameter bool   `yaml:"takes_parameter"`
}

// WorkerConfig 命令执行节奏
type WorkerConfig struct {
	Settle      Duration `yaml:"settle"`       // 两条命令之间的最小间隔
	ReadTimeout Duration `yaml:"read_timeout"` // 等待一帧响应的上限
}

// PollConfig Data Cache 的轮询参数；Fields 为 快照字段名 → 仪器命令
type PollConfig struct {
	Interval Duration          `yaml:"interval"`
	Fields   map[string]string `yaml:"fields"`
}

// OPCUAConfig 自动化网络一侧的配置
type OPCUAConfig struct {
	Endpoint       string                 `yaml:"endpoint" validate:"required"`
	URI            string                 `yaml:"uri" validate:"required"`
	Object         string                 `yaml:"object"`
	Nodes          map[string]NodeMapping `yaml:"nodes"`
	Objects        []ObjectConfig         `yaml:"objects" validate:"dive"`
	Watchdog       *WatchdogConfig        `yaml:"watchdog,omitempty"`
	Interval       Duration               `yaml:"interval"`
	Username       string                 `yaml:"username"`
	Password       string                 `yaml:"password"`
	SecurityPolicy string                 `yaml:"security_policy"`
	SecurityMode   string                 `yaml:"security_mode"`
	CertFile       string                 `yaml:"cert_file"`
	KeyFile        string                 `yaml:"key_file"`
}

// ObjectConfig 一个父对象及其下被监视的节点
type ObjectConfig struct {
	Name  string                 `yaml:"name" validate:"required"`
	Nodes map[string]NodeMapping `yaml:"nodes"`
}

// NodeMapping 被监视节点到仪器命令的映射
type NodeMapping struct {
	Command        string `yaml:"command"`
	RespondTo      string `yaml:"respond_to"`
	TakesParameter bool   `yaml:"takes_parameter"`
}

// WatchdogConfig 看门狗节点对
type WatchdogConfig struct {
	Controller string   `yaml:"controller" validate:"required"`
	Instrument string   `yaml:"instrument" validate:"required"`
	Object     string   `yaml:"object"`
	Mode       string   `yaml:"mode" validate:"omitempty,oneof=echo toggle"`
	Timeout    Duration `yaml:"timeout"`
}

// Credentials 请求附带的用户名/密码
type Credentials struct {
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
}

// MQTTConfig 命令 API 与快照发布
type MQTTConfig struct {
	Broker         string   `yaml:"broker" validate:"required"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	TopicPrefix    string   `yaml:"topic_prefix"`
	QoS            byte     `yaml:"qos" validate:"lte=2"`
	KeepAlive      Duration `yaml:"keep_alive"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// NATSConfig 命令 API、快照读取与服务心跳
type NATSConfig struct {
	Servers           string   `yaml:"servers" validate:"required"`
	Subject           string   `yaml:"subject"`
	HeartbeatBucket   string   `yaml:"heartbeat_bucket"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Duration 在 YAML 中以 "300ms"、"2s" 形式书写
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML 实现 yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D 转成 time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }
