package serial

import (
	"fmt"

	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/tarm/serial"
)

// UARTPort 普通全双工串口（UART / RS-232）
type UARTPort struct {
	cfg    config.SerialConfig
	handle *serial.Port
}

func NewUARTPort(cfg config.SerialConfig) Port {
	return &UARTPort{cfg: cfg}
}

func (u *UARTPort) Open() error {
	p, err := openTarm(u.cfg)
	if err != nil {
		return err
	}
	u.handle = p
	return nil
}

func (u *UARTPort) Close() error {
	if u.handle != nil {
		err := u.handle.Close()
		u.handle = nil
		return err
	}
	return nil
}

func (u *UARTPort) Read(p []byte) (int, error) {
	if u.handle == nil {
		return 0, errNotOpen
	}
	return u.handle.Read(p)
}

func (u *UARTPort) Write(p []byte) (int, error) {
	if u.handle == nil {
		return 0, errNotOpen
	}
	n, err := u.handle.Write(p)
	if err != nil {
		return n, fmt.Errorf("UART write failed: %w", err)
	}
	return n, nil
}

// Flush 丢弃输入缓冲
func (u *UARTPort) Flush() error {
	if u.handle == nil {
		return errNotOpen
	}
	return u.handle.Flush()
}

// Name 返回逻辑名称
func (u *UARTPort) Name() string {
	return u.cfg.Name
}

func (u *UARTPort) WriteFrame(frame []byte) error {
	if _, err := u.Write(frame); err != nil {
		return fmt.Errorf("UART WriteFrame failed: %w", err)
	}
	return nil
}
