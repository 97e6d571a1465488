// Package worker 仪器命令的唯一执行者。
//
// Worker 独占 Transport：从请求队列逐条取出命令，经 Codec 编码后写串口、
// 在限定时间内读应答并解码，成功时调用请求的回调。失败只记日志和计数，
// 不重试、不回调；串口丢失时 Run 返回，由上层重开端口并重建 Worker。
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

// Transport 按帧读写的字节通道
type Transport interface {
	Write(frame []byte) error
	Read(timeout time.Duration) ([]byte, error)
}

// Exchanger 在 Worker 协程内执行一条仪器命令，供本地处理函数组合使用
type Exchanger interface {
	Exchange(ctx context.Context, command string, params any) (any, error)
}

// Handler 本地实现的命令，在 Worker 协程内执行，可独占串口
type Handler func(ctx context.Context, x Exchanger, params any) (any, error)

// Options Worker 参数
type Options struct {
	Settle      time.Duration // 两条命令之间的最小间隔
	ReadTimeout time.Duration // 等待应答的上限
	Logger      logger.LoggingClient
	Metrics     metrics.Registry
}

// Worker 单消费者命令执行循环
type Worker struct {
	queue    *queue.Queue
	tr       Transport
	codec    codec.Codec
	handlers map[string]Handler
	settle   time.Duration
	timeout  time.Duration
	lc       logger.LoggingClient

	executed metrics.Counter
	failed   metrics.Counter
}

// New 创建 Worker；tr 此后只能由该 Worker 使用
func New(q *queue.Queue, tr Transport, c codec.Codec, opts Options) *Worker {
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	lc := opts.Logger
	if lc == nil {
		lc = logger.NewClient("worker", "INFO")
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Worker{
		queue:    q,
		tr:       tr,
		codec:    c,
		handlers: make(map[string]Handler),
		settle:   opts.Settle,
		timeout:  timeout,
		lc:       lc,
		executed: metrics.GetOrRegisterCounter("worker.executed", reg),
		failed:   metrics.GetOrRegisterCounter("worker.failed", reg),
	}
}

// Handle 注册本地命令，必须在 Run 之前调用。与仪器命令重名视为配置错误。
func (w *Worker) Handle(name string, h Handler) error {
	if _, ok := w.codec.Lookup(name); ok {
		return bridgeerr.Configurationf("local command %q shadows %s command", name, w.codec.Type())
	}
	if _, ok := w.handlers[name]; ok {
		return bridgeerr.Configurationf("local command %q registered twice", name)
	}
	w.handlers[name] = h
	return nil
}

// Supports 命令是否可执行（本地命令或仪器命令）
func (w *Worker) Supports(name string) bool {
	if _, ok := w.handlers[name]; ok {
		return true
	}
	_, ok := w.codec.Lookup(name)
	return ok
}

// Init 写入 Codec 的初始化帧，端口打开后调用一次
func (w *Worker) Init(ctx context.Context) error {
	for _, frame := range w.codec.InitFrames() {
		if err := w.tr.Write(frame); err != nil {
			return fmt.Errorf("write init frame %q: %w", frame, err)
		}
		if err := w.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run 循环执行队列中的请求，直到 ctx 结束、队列关闭或串口丢失
func (w *Worker) Run(ctx context.Context) error {
	w.lc.Infof("worker started: instrument=%s settle=%s timeout=%s", w.codec.Type(), w.settle, w.timeout)
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := w.execute(ctx, req); errors.Is(err, bridgeerr.ErrPortLost) {
			w.lc.Errorf("serial port lost while executing %s: %v", req.Command, err)
			return err
		}
		if err := w.pause(ctx); err != nil {
			return err
		}
	}
}

// execute 执行一条请求；成功时回调恰好一次，失败时不回调
func (w *Worker) execute(ctx context.Context, req *queue.Request) (err error) {
	var result any
	if h, ok := w.handlers[req.Command]; ok {
		result, err = w.runHandler(ctx, h, req)
	} else {
		result, err = w.Exchange(ctx, req.Command, req.Params)
	}
	if err != nil {
		w.failed.Inc(1)
		w.lc.Warnf("command %s (id=%s source=%s) failed: %v", req.Command, req.ID, req.Source, err)
		return err
	}
	w.executed.Inc(1)
	w.lc.Debugf("command %s (id=%s) -> %v", req.Command, req.ID, result)
	if req.Callback != nil {
		w.runCallback(req, result)
	}
	return nil
}

// Exchange 编码 → 写 → 读 → 解码
func (w *Worker) Exchange(ctx context.Context, command string, params any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, ok := w.codec.Lookup(command)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindUnknownCommand, command, nil)
	}
	if !cmd.TakesParameter {
		params = nil
	}
	frame, err := w.codec.Encode(command, params)
	if err != nil {
		return nil, err
	}
	if err := w.tr.Write(frame); err != nil {
		return nil, err
	}
	if cmd.NoReply {
		return true, nil
	}
	raw, err := w.tr.Read(w.timeout)
	if err != nil {
		return nil, err
	}
	return w.codec.Decode(command, raw)
}

func (w *Worker) runHandler(ctx context.Context, h Handler, req *queue.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local command %s panicked: %v", req.Command, r)
			w.lc.Errorf("%v\n%s", err, debug.Stack())
		}
	}()
	return h(ctx, w, req.Params)
}

func (w *Worker) runCallback(req *queue.Request, result any) {
	defer func() {
		if r := recover(); r != nil {
			w.lc.Errorf("callback of %s (id=%s) panicked: %v\n%s", req.Command, req.ID, r, debug.Stack())
		}
	}()
	req.Callback(result)
}

func (w *Worker) pause(ctx context.Context) error {
	if w.settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(w.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
