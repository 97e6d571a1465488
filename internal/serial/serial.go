// internal/serial/serial.go

package serial

import (
	"fmt"
	"time"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/tarm/serial"
)

// Port 是整个 serial 包对外暴露的通用串口接口
type Port interface {
	Open() error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Name() string
	// WriteFrame 直接向串口写入一整帧数据（RS-485 在此切换收发方向）
	WriteFrame(frame []byte) error
}

// flusher 可选能力：丢弃驱动里尚未读取的输入
type flusher interface {
	Flush() error
}

// NewPort 根据配置创建对应的串口实现（UART / RS-232 / RS-485）
func NewPort(cfg config.SerialConfig) (Port, error) {
	switch cfg.Type {
	case "uart", "rs232", "":
		// RS-232 在 tarm/serial 之上与 UART 行为一致
		return NewUARTPort(cfg), nil
	case "rs485":
		return NewRS485Port(cfg), nil
	default:
		return nil, bridgeerr.Configurationf("unknown port type %s", cfg.Type)
	}
}

// tarmConfig 把串口配置翻译成 tarm/serial 的参数
func tarmConfig(cfg config.SerialConfig) *serial.Config {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baudrate,
		ReadTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Size:        byte(cfg.ByteSize),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	switch cfg.Parity {
	case "E":
		sc.Parity = serial.ParityEven
	case "O":
		sc.Parity = serial.ParityOdd
	case "M":
		sc.Parity = serial.ParityMark
	case "S":
		sc.Parity = serial.ParitySpace
	}
	if cfg.StopBits == 2 {
		sc.StopBits = serial.Stop2
	}
	return sc
}

func openTarm(cfg config.SerialConfig) (*serial.Port, error) {
	p, err := serial.OpenPort(tarmConfig(cfg))
	if err != nil {
		return nil, bridgeerr.Transport(fmt.Sprintf("open serial %s", cfg.Device), err)
	}
	return p, nil
}
