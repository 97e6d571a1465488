package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
)

// Generic 由配置描述命令模板的仪器
type Generic struct {
	table
	frames map[string]string
	term   []byte
}

// NewGeneric 模板中的 %v 由参数替换；terminator 为空时按 CR 切帧
func NewGeneric(cmds map[string]config.GenericCommand, terminator string) (*Generic, error) {
	if len(cmds) == 0 {
		return nil, bridgeerr.Configurationf("generic instrument requires at least one command")
	}
	g := &Generic{
		table:  make(table, len(cmds)),
		frames: make(map[string]string, len(cmds)),
		term:   []byte(terminator),
	}
	if len(g.term) == 0 {
		g.term = []byte("\r")
	}
	for name, c := range cmds {
		if c.TakesParameter && !strings.Contains(c.Frame, "%") {
			return nil, bridgeerr.Configurationf("generic command %q takes a parameter but frame has no verb", name)
		}
		g.table[name] = Command{Name: name, TakesParameter: c.TakesParameter, NoReply: !c.Reply}
		g.frames[name] = c.Frame
	}
	return g, nil
}

func (g *Generic) Type() string { return "generic" }

func (g *Generic) Encode(command string, params any) ([]byte, error) {
	c, err := g.lookup("generic", command)
	if err != nil {
		return nil, err
	}
	frame := g.frames[command]
	if !c.TakesParameter {
		return []byte(frame), nil
	}
	if params == nil {
		return nil, fmt.Errorf("%s: missing parameter", command)
	}
	switch params.(type) {
	case float32, float64:
		if _, err := Setpoint(params); err != nil {
			return nil, fmt.Errorf("%s: %w", command, err)
		}
	}
	return []byte(fmt.Sprintf(frame, params)), nil
}

// Decode 数值应答转 float64，其余原样返回字符串
func (g *Generic) Decode(command string, raw []byte) (any, error) {
	s := strings.TrimSpace(string(raw))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

func (g *Generic) Framer() serial.FrameParser { return serial.Terminated(g.term) }

func (g *Generic) InitFrames() [][]byte { return nil }
