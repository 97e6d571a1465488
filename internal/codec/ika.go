package codec

import (
	"fmt"
	"strings"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
)

// Ika 顶置搅拌器（NAMUR 指令集，通道 4 为转速），9600 7E1
type Ika struct {
	table
}

func NewIka() *Ika {
	return &Ika{table: newTable(
		Command{Name: "start", NoReply: true},
		Command{Name: "stop", NoReply: true},
		Command{Name: "set_rate", TakesParameter: true, NoReply: true},
		Command{Name: "get_rate_sp"},
		Command{Name: "get_rate_pv"},
	)}
}

func (c *Ika) Type() string { return "ika" }

func (c *Ika) Encode(command string, params any) ([]byte, error) {
	if _, err := c.lookup("ika", command); err != nil {
		return nil, err
	}
	switch command {
	case "start":
		return []byte("START_4 \r \n"), nil
	case "stop":
		return []byte("STOP_4 \r \n"), nil
	case "set_rate":
		v, err := Setpoint(params)
		if err != nil {
			return nil, fmt.Errorf("set_rate: %w", err)
		}
		return []byte(fmt.Sprintf("OUT_SP_4 %.2f \r \n", v)), nil
	case "get_rate_sp":
		return []byte("IN_SP_4 \r \n"), nil
	default: // get_rate_pv
		return []byte("IN_PV_4 \r \n"), nil
	}
}

// Decode 应答形如 "<value> 4"
func (c *Ika) Decode(command string, raw []byte) (any, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return nil, bridgeerr.Transport("ika "+command, fmt.Errorf("empty reply"))
	}
	if len(fields) > 1 && fields[len(fields)-1] != "4" {
		return nil, bridgeerr.Transport("ika "+command, fmt.Errorf("reply %q for unexpected channel", raw))
	}
	v, err := parseNumber(fields[0])
	if err != nil {
		return nil, bridgeerr.Transport("ika "+command, err)
	}
	return v, nil
}

func (c *Ika) Framer() serial.FrameParser { return serial.Parsers["crlf"] }

func (c *Ika) InitFrames() [][]byte { return nil }
