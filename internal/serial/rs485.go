package serial

import (
	"fmt"
	"os"
	"time"

	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/tarm/serial"
)

// RS485Port 实现了 RS-485 半双工物理层的读写
// - Open/Close 管理串口和 GPIO
// - WriteFrame 负责 DE/RE 切换：发送 → 等待比特发完 → 切回接收
type RS485Port struct {
	cfg    config.SerialConfig // 端口配置
	port   *serial.Port        // 串口句柄
	gpioFD *os.File            // DE/RE 控制 GPIO 节点
}

// 构造 RS485Port 实例
func NewRS485Port(cfg config.SerialConfig) Port {
	return &RS485Port{cfg: cfg}
}

// Open 导出 GPIO 并打开串口
func (r *RS485Port) Open() error {
	if err := exportGPIO(r.cfg.DEPin); err != nil {
		return fmt.Errorf("export GPIO %d failed: %w", r.cfg.DEPin, err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := setGPIODirection(r.cfg.DEPin, "out"); err != nil {
		return fmt.Errorf("set GPIO %d direction: %w", r.cfg.DEPin, err)
	}
	f, err := openGPIOValue(r.cfg.DEPin)
	if err != nil {
		return fmt.Errorf("open GPIO %d value: %w", r.cfg.DEPin, err)
	}
	// 默认低电平 (接收)
	if _, err := f.WriteString("0"); err != nil {
		f.Close()
		return fmt.Errorf("init GPIO %d low: %w", r.cfg.DEPin, err)
	}
	r.gpioFD = f

	p, err := openTarm(r.cfg)
	if err != nil {
		r.gpioFD.Close()
		r.gpioFD = nil
		return err
	}
	r.port = p
	return nil
}

// Close 关闭串口和 GPIO
func (r *RS485Port) Close() error {
	var firstErr error
	if r.port != nil {
		if err := r.port.Close(); err != nil {
			firstErr = err
		}
		r.port = nil
	}
	if r.gpioFD != nil {
		if err := r.gpioFD.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.gpioFD = nil
	}
	return firstErr
}

// Read 实现 io.Reader
func (r *RS485Port) Read(p []byte) (int, error) {
	if r.port == nil {
		return 0, errNotOpen
	}
	return r.port.Read(p)
}

// Write 实现 io.Writer，注意并不会自动切换 DE/RE
func (r *RS485Port) Write(p []byte) (int, error) {
	if r.port == nil {
		return 0, errNotOpen
	}
	return r.port.Write(p)
}

// Flush 丢弃输入缓冲
func (r *RS485Port) Flush() error {
	if r.port == nil {
		return errNotOpen
	}
	return r.port.Flush()
}

// WriteFrame 切到发送 → 写整帧 → 切回接收
func (r *RS485Port) WriteFrame(frame []byte) error {
	if r.port == nil || r.gpioFD == nil {
		return errNotOpen
	}
	if _, err := r.gpioFD.WriteString("1"); err != nil {
		return fmt.Errorf("GPIO DE high failed: %w", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := r.port.Write(frame)
	if err != nil {
		// 出错切回接收
		r.gpioFD.WriteString("0")
		return fmt.Errorf("serial write failed: %w", err)
	}
	// 等待所有比特发出 (起止位 + 数据位 + 校验位)
	time.Sleep(lineTime(n, r.cfg))

	if _, err := r.gpioFD.WriteString("0"); err != nil {
		return fmt.Errorf("GPIO DE low failed: %w", err)
	}
	return nil
}

// Name 返回端口名称
func (r *RS485Port) Name() string {
	return r.cfg.Name
}

// lineTime n 个字节在线路上占用的时间
func lineTime(n int, cfg config.SerialConfig) time.Duration {
	if cfg.Baudrate <= 0 {
		return 0
	}
	bits := 1 + cfg.ByteSize + cfg.StopBits
	if cfg.ByteSize == 0 {
		bits = 10
	}
	if cfg.Parity != "" && cfg.Parity != "N" {
		bits++
	}
	return time.Duration(n*bits) * time.Second / time.Duration(cfg.Baudrate)
}

// -------- GPIO 辅助函数 --------
func exportGPIO(pin int) error {
	f, err := os.OpenFile("/sys/class/gpio/export", os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _ = f.WriteString(fmt.Sprint(pin)) // 若已导出则忽略错误
	return nil
}

func setGPIODirection(pin int, dir string) error {
	path := fmt.Sprintf("/sys/class/gpio/gpio%d/direction", pin)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(dir)
	return err
}

func openGPIOValue(pin int) (*os.File, error) {
	path := fmt.Sprintf("/sys/class/gpio/gpio%d/value", pin)
	return os.OpenFile(path, os.O_RDWR, 0)
}
