// Package instrument 把一台仪器表达为能力集合：启动、停止、设定/读取参数，
// 以及任意已声明命令的入队。所有命令都经由请求队列交给 Worker 执行。
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
	"github.com/linjuya-lu/device_opcua_go/internal/worker"
)

// 本地命令
const (
	CmdPoll       = "poll"
	CmdStatus     = "status"
	CmdConfigName = "config_name"
)

// Instrument 仪器能力集合
type Instrument struct {
	codec  codec.Codec
	queue  *queue.Queue
	state  *State
	fields map[string]string // 快照字段 → 仪器命令
	lc     logger.LoggingClient

	local       map[string]worker.Handler
	seq         uint64
	pollPending atomic.Bool
	skipped     metrics.Counter
}

// New 根据配置创建仪器；轮询字段引用的命令必须存在
func New(cfg config.InstrumentConfig, poll config.PollConfig, c codec.Codec, q *queue.Queue,
	lc logger.LoggingClient, reg metrics.Registry) (*Instrument, error) {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	i := &Instrument{
		codec:   c,
		queue:   q,
		state:   NewState(About{Name: cfg.Name, Type: cfg.Type, Units: cfg.Units}),
		fields:  poll.Fields,
		lc:      lc,
		skipped: metrics.GetOrRegisterCounter("poll.skipped", reg),
	}
	i.local = map[string]worker.Handler{
		CmdPoll:       i.pollHandler,
		CmdStatus:     i.statusHandler,
		CmdConfigName: echoHandler,
	}
	for field, name := range i.fields {
		cmd, ok := c.Lookup(name)
		if !ok {
			return nil, bridgeerr.Configurationf("poll field %q: %s has no command %q", field, cfg.Type, name)
		}
		if cmd.TakesParameter || cmd.NoReply {
			return nil, bridgeerr.Configurationf("poll field %q: command %q is not a read", field, name)
		}
	}
	return i, nil
}

// Register 把本地命令注册到（新建的）Worker 上
func (i *Instrument) Register(w *worker.Worker) error {
	names := make([]string, 0, len(i.local))
	for name := range i.local {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.Handle(name, i.local[name]); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instrument) About() About { return i.state.About() }

func (i *Instrument) State() *State { return i.state }

func (i *Instrument) Codec() codec.Codec { return i.codec }

// Command 查询命令是否支持以及是否需要参数
func (i *Instrument) Command(name string) (codec.Command, bool) {
	if c, ok := i.codec.Lookup(name); ok {
		return c, true
	}
	if _, ok := i.local[name]; ok {
		return codec.Command{Name: name, TakesParameter: name == CmdConfigName}, true
	}
	return codec.Command{}, false
}

// Commands 全部可用命令名
func (i *Instrument) Commands() []string {
	out := make([]string, 0, len(i.local)+4)
	for _, c := range i.codec.Commands() {
		out = append(out, c.Name)
	}
	for name := range i.local {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnqueueCommand 任意已声明命令入队，未知命令直接拒绝
func (i *Instrument) EnqueueCommand(name string, params any, cb queue.Callback, source string) (*queue.Request, error) {
	if _, ok := i.Command(name); !ok {
		return nil, bridgeerr.New(bridgeerr.KindUnknownCommand, fmt.Sprintf("%s %s", i.codec.Type(), name), nil)
	}
	req := queue.NewRequest(name, params, cb, source)
	if err := i.queue.Enqueue(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (i *Instrument) Start(cb queue.Callback) error {
	_, err := i.EnqueueCommand("start", nil, cb, "api")
	return err
}

func (i *Instrument) Stop(cb queue.Callback) error {
	_, err := i.EnqueueCommand("stop", nil, cb, "api")
	return err
}

// SetParameter 对应 set_<name> 命令
func (i *Instrument) SetParameter(name string, value any, cb queue.Callback) error {
	_, err := i.EnqueueCommand("set_"+name, value, cb, "api")
	return err
}

// GetParameter 对应 get_<name> 命令
func (i *Instrument) GetParameter(name string, cb queue.Callback) error {
	_, err := i.EnqueueCommand("get_"+name, nil, cb, "api")
	return err
}

// RequestPoll 入队一次轮询；上一轮尚未执行完时跳过
func (i *Instrument) RequestPoll() bool {
	if len(i.fields) == 0 {
		return false
	}
	if !i.pollPending.CompareAndSwap(false, true) {
		i.skipped.Inc(1)
		return false
	}
	if err := i.queue.Enqueue(queue.NewRequest(CmdPoll, nil, nil, "poll")); err != nil {
		i.pollPending.Store(false)
		return false
	}
	return true
}

// pollHandler 在 Worker 内依次执行轮询命令，整体替换快照
func (i *Instrument) pollHandler(ctx context.Context, x worker.Exchanger, _ any) (any, error) {
	defer i.pollPending.Store(false)

	fields := make([]string, 0, len(i.fields))
	for f := range i.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	snap := &Snapshot{Values: make(map[string]any, len(fields))}
	var lastErr error
	for _, f := range fields {
		v, err := x.Exchange(ctx, i.fields[f], nil)
		if err != nil {
			// 串口丢失交给 Worker 结束循环，其余错误只影响本字段
			if errors.Is(err, bridgeerr.ErrPortLost) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			snap.Failed = append(snap.Failed, f)
			continue
		}
		snap.Values[f] = v
	}
	if len(snap.Values) == 0 && lastErr != nil {
		return nil, fmt.Errorf("poll: no field read: %w", lastErr)
	}
	i.seq++
	snap.Seq = i.seq
	snap.Time = time.Now()
	i.state.publish(snap)
	return snap, nil
}

func (i *Instrument) statusHandler(context.Context, worker.Exchanger, any) (any, error) {
	return i.state.Data(), nil
}

// echoHandler 原样返回参数，供自动化侧确认配置名
func echoHandler(_ context.Context, _ worker.Exchanger, params any) (any, error) {
	return params, nil
}
