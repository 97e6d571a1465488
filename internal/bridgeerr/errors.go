// Package bridgeerr 定义桥接层的错误分类。
//
// 只有 Configuration 类错误会向上传播并终止进程，其余错误在
// Worker 或 Subscription Bridge 边界被吸收，只体现在日志和计数器里。
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration 节点路径无法解析、叶子名重复、映射字段缺失等，启动期致命
	KindConfiguration
	// KindTransport 串口写入/连接失败或响应帧非法
	KindTransport
	// KindTimeout 在限定时间内没有收到响应
	KindTimeout
	// KindUnauthorized 凭据不匹配
	KindUnauthorized
	// KindUnresolvedNode 变化事件携带的句柄不在 Node Map 中
	KindUnresolvedNode
	// KindUnknownCommand 仪器不支持的命令名
	KindUnknownCommand
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindTransport:
		return "TransportError"
	case KindTimeout:
		return "TimeoutError"
	case KindUnauthorized:
		return "UnauthorizedRequest"
	case KindUnresolvedNode:
		return "UnresolvedNodeEvent"
	case KindUnknownCommand:
		return "UnknownCommand"
	default:
		return "UnknownError"
	}
}

// ErrPortLost 串口不可恢复地失效（拔出、被关闭），交给上层监督者重建 Worker
var ErrPortLost = errors.New("serial port lost")

// Error 携带类别的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New 构造一个类别错误
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configurationf 构造 ConfigurationError
func Configurationf(format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: fmt.Sprintf(format, args...)}
}

// Transport 包装为 TransportError；ErrPortLost 保持可被 errors.Is 识别
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Timeout 构造 TimeoutError
func Timeout(op string) error {
	return &Error{Kind: KindTimeout, Op: op}
}

// KindOf 返回错误链上第一个 *Error 的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断 err 是否属于 kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
