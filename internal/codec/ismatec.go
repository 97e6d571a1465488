package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
)

// Ismatec Reglo 蠕动泵，9600 8N1，帧以 CR 结尾，地址前缀
type Ismatec struct {
	table
	addr int
}

var errRejected = errors.New("device rejected command")

func NewIsmatec(addr int) *Ismatec {
	if addr <= 0 {
		addr = 1
	}
	return &Ismatec{
		addr: addr,
		table: newTable(
			Command{Name: "start"},
			Command{Name: "stop"},
			Command{Name: "set_flowrate", TakesParameter: true},
			Command{Name: "get_flowrate"},
		),
	}
}

func (c *Ismatec) Type() string { return "ismatec" }

func (c *Ismatec) Encode(command string, params any) ([]byte, error) {
	if _, err := c.lookup("ismatec", command); err != nil {
		return nil, err
	}
	switch command {
	case "start":
		return []byte(fmt.Sprintf("%dH\r", c.addr)), nil
	case "stop":
		return []byte(fmt.Sprintf("%dI\r", c.addr)), nil
	case "set_flowrate":
		v, err := Setpoint(params)
		if err != nil {
			return nil, fmt.Errorf("set_flowrate: %w", err)
		}
		// 泵只接受 5 位整数转速
		if v < 0 || v > 99999 {
			return nil, fmt.Errorf("set_flowrate: %v out of range", v)
		}
		return []byte(fmt.Sprintf("%dS%05d\r", c.addr, int(math.Trunc(v)))), nil
	default: // get_flowrate
		return []byte(fmt.Sprintf("%dS\r", c.addr)), nil
	}
}

func (c *Ismatec) Decode(command string, raw []byte) (any, error) {
	s := string(raw)
	switch s {
	case "*":
		return true, nil
	case "#":
		return nil, bridgeerr.Transport("ismatec "+command, errRejected)
	}
	v, err := parseNumber(s)
	if err != nil {
		return nil, bridgeerr.Transport("ismatec "+command, err)
	}
	return v, nil
}

func (c *Ismatec) Framer() serial.FrameParser { return serial.ParseIsmatec }

// InitFrames 切到远程控制并进入转速模式
func (c *Ismatec) InitFrames() [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf("@%d\r", c.addr)),
		[]byte(fmt.Sprintf("%dM\r", c.addr)),
	}
}
