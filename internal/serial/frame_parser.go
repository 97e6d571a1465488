package serial

import (
	"bytes"
	"fmt"
)

// FrameParser 定义了一个从字节流中提取完整帧的函数类型。
// 它返回：
//   - frame: 抽取出的完整帧（若数据不足以组成完整帧则返回 nil）
//   - rest: 余下未处理的字节（用于下一次解析时继续累积）
//   - err:  解析出错时的错误（此时应丢弃整个缓冲区）
type FrameParser func(buf []byte) (frame []byte, rest []byte, err error)

// 单帧上限，超过即认为线路上是垃圾数据
const maxFrameLen = 256

// Parsers 将解析器名称映射到对应的 FrameParser 实现。
var Parsers = map[string]FrameParser{
	"cr":      Terminated([]byte("\r")),
	"crlf":    Terminated([]byte("\r\n")),
	"ismatec": ParseIsmatec,
}

// Terminated 返回按结束符切帧的解析器，返回的帧不含结束符
func Terminated(term []byte) FrameParser {
	return func(buf []byte) ([]byte, []byte, error) {
		if len(term) == 0 {
			// 无结束符：整个缓冲区即一帧
			if len(buf) == 0 {
				return nil, buf, nil
			}
			return buf, nil, nil
		}
		i := bytes.Index(buf, term)
		if i < 0 {
			if len(buf) > maxFrameLen {
				return nil, nil, fmt.Errorf("no terminator %q within %d bytes", term, maxFrameLen)
			}
			// 尚未找到帧尾，保留全部数据
			return nil, buf, nil
		}
		return buf[:i], buf[i+len(term):], nil
	}
}

// ParseIsmatec Ismatec 泵的应答：单字节 '*'（确认）/'#'（拒绝），
// 或以 CR（可带 LF）结尾的数值行
func ParseIsmatec(buf []byte) ([]byte, []byte, error) {
	if len(buf) == 0 {
		return nil, buf, nil
	}
	if buf[0] == '*' || buf[0] == '#' {
		rest := buf[1:]
		// 部分固件在确认符后补 CR
		rest = bytes.TrimLeft(rest, "\r\n")
		return buf[:1], rest, nil
	}
	frame, rest, err := Terminated([]byte("\r"))(buf)
	if frame != nil {
		frame = bytes.TrimLeft(frame, "\n")
		rest = bytes.TrimLeft(rest, "\n")
	}
	return frame, rest, err
}
