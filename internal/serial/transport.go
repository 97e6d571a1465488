package serial

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
)

var errNotOpen = errors.New("serial port not open")

// 读空时的让出间隔
const idlePause = 5 * time.Millisecond

// Transport 在 Port 之上提供按帧读写。
// 只允许 Worker 一个 goroutine 使用，本身不加锁。
type Transport struct {
	port  Port
	parse FrameParser
	buf   []byte
	chunk []byte
}

// NewTransport 用给定的帧解析器包装一个已打开的端口
func NewTransport(port Port, parse FrameParser) *Transport {
	if parse == nil {
		parse = Parsers["cr"]
	}
	return &Transport{
		port:  port,
		parse: parse,
		chunk: make([]byte, 64),
	}
}

// Port 返回底层端口
func (t *Transport) Port() Port { return t.port }

// Write 写一整帧。写之前丢弃残留数据，避免上一条超时命令的迟到应答被当成本次应答。
func (t *Transport) Write(frame []byte) error {
	t.buf = t.buf[:0]
	if f, ok := t.port.(flusher); ok {
		if err := f.Flush(); err != nil && isPortLost(err) {
			return bridgeerr.Transport("flush "+t.port.Name(), bridgeerr.ErrPortLost)
		}
	}
	if err := t.port.WriteFrame(frame); err != nil {
		if isPortLost(err) {
			err = errors.Join(bridgeerr.ErrPortLost, err)
		}
		return bridgeerr.Transport("write "+t.port.Name(), err)
	}
	return nil
}

// Read 在 timeout 内读出一帧，超时返回 TimeoutError
func (t *Transport) Read(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(t.buf) > 0 {
			frame, rest, err := t.parse(t.buf)
			if err != nil {
				t.buf = t.buf[:0]
				return nil, bridgeerr.Transport("parse "+t.port.Name(), err)
			}
			if frame != nil {
				out := append([]byte(nil), frame...)
				t.buf = append(t.buf[:0], rest...)
				return out, nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil, bridgeerr.Timeout("read " + t.port.Name())
		}

		n, err := t.port.Read(t.chunk)
		if n > 0 {
			t.buf = append(t.buf, t.chunk[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if isPortLost(err) {
				err = errors.Join(bridgeerr.ErrPortLost, err)
			}
			return nil, bridgeerr.Transport("read "+t.port.Name(), err)
		}
		// tarm/serial 在读超时时返回 (0, EOF) 或 (0, nil)
		time.Sleep(idlePause)
	}
}

// isPortLost 设备节点消失或句柄被关闭
func isPortLost(err error) bool {
	return errors.Is(err, errNotOpen) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.EBADF)
}
