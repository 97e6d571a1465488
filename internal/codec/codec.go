// Package codec 在逻辑命令与仪器串口帧之间转换。
//
// 每种仪器一个 Codec，声明自己的命令表，未知命令在配置阶段即被拒绝。
package codec

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
)

// Command 命令表中的一项
type Command struct {
	Name           string
	TakesParameter bool
	// NoReply 设备对该命令不应答，写完即视为成功
	NoReply bool
}

// Codec 仪器命令编解码
type Codec interface {
	Type() string
	// Lookup 查命令表
	Lookup(name string) (Command, bool)
	// Commands 返回按名称排序的命令表
	Commands() []Command
	Encode(command string, params any) ([]byte, error)
	Decode(command string, raw []byte) (any, error)
	// Framer 从串口字节流中切出一条应答
	Framer() serial.FrameParser
	// InitFrames 端口打开后写一次的初始化帧
	InitFrames() [][]byte
}

// New 按仪器类型创建 Codec
func New(cfg config.InstrumentConfig) (Codec, error) {
	switch cfg.Type {
	case "ismatec":
		return NewIsmatec(cfg.Address), nil
	case "ika":
		return NewIka(), nil
	case "generic":
		return NewGeneric(cfg.Commands, cfg.Terminator)
	default:
		return nil, bridgeerr.Configurationf("unknown instrument type %q", cfg.Type)
	}
}

// table 命令表的公共实现
type table map[string]Command

func newTable(cmds ...Command) table {
	t := make(table, len(cmds))
	for _, c := range cmds {
		t[c.Name] = c
	}
	return t
}

func (t table) Lookup(name string) (Command, bool) {
	c, ok := t[name]
	return c, ok
}

func (t table) Commands() []Command {
	out := make([]Command, 0, len(t))
	for _, c := range t {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t table) lookup(codec, name string) (Command, error) {
	c, ok := t[name]
	if !ok {
		return Command{}, bridgeerr.New(bridgeerr.KindUnknownCommand, codec+" "+name, nil)
	}
	return c, nil
}

// Float 把 OPC UA 变体、JSON 数字或字符串参数转成 float64
func Float(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q is not numeric: %w", x, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing parameter")
	default:
		return 0, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// Setpoint 发往仪器的数值参数，NaN 与 ±Inf 不能编码成帧
func Setpoint(v any) (float64, error) {
	f, err := Float(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parameter %v is not a finite number", f)
	}
	return f, nil
}

// parseNumber 应答中的数值
func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed numeric reply %q", s)
	}
	return f, nil
}
