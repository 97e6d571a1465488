// Package bridge 把 OPC UA 节点变化翻译为仪器命令。
//
// 变化事件先经 Node Map 反查出叶子名：看门狗控制节点直接回写，
// 不进请求队列；其余节点按命令映射生成请求入队，回调把结果写回
// respond_to 节点。事件投递路径上不抛错、不 panic。
package bridge

import (
	"context"
	"crypto/subtle"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/nodemap"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

// SourceOPCUA 由节点变化产生的请求来源
const SourceOPCUA = "opcua"

// respondBuffer 等待写回 respond_to 的结果上限
const respondBuffer = 32

// Event 一次节点变化
type Event struct {
	Handle      string
	Value       any
	Credentials *config.Credentials
}

// Writer 写节点值
type Writer interface {
	WriteValue(ctx context.Context, handle string, value any) error
}

// Commander 仪器命令入口
type Commander interface {
	CommandSet
	EnqueueCommand(name string, params any, cb queue.Callback, source string) (*queue.Request, error)
}

// Options 可选参数
type Options struct {
	Watchdog     *config.WatchdogConfig
	Credentials  *config.Credentials
	WriteTimeout time.Duration
	Logger       logger.LoggingClient
	Metrics      metrics.Registry
}

// Bridge Subscription Bridge
type Bridge struct {
	nodes        *nodemap.Map
	mappings     map[string]Mapping
	cmd          Commander
	writer       Writer
	watchdog     *Watchdog
	authorize    Authorizer
	writeTimeout time.Duration
	lc           logger.LoggingClient

	// 结果写回在单独的 goroutine 上按序进行，不占用 Worker
	responses chan response
	done      chan struct{}
	closeOnce sync.Once

	enqueued     metrics.Counter
	dropped      metrics.Counter
	unauthorized metrics.Counter
}

// New 校验映射后创建 Bridge；任何映射问题都是 ConfigurationError
func New(nodes *nodemap.Map, mappings map[string]Mapping, cmd Commander, w Writer, opts Options) (*Bridge, error) {
	if err := validateMappings(mappings, nodes, cmd, opts.Watchdog); err != nil {
		return nil, err
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	lc := opts.Logger
	if lc == nil {
		lc = logger.NewClient("bridge", "INFO")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	b := &Bridge{
		nodes:        nodes,
		mappings:     mappings,
		cmd:          cmd,
		writer:       w,
		authorize:    CheckCredentials(opts.Credentials),
		writeTimeout: opts.WriteTimeout,
		lc:           lc,
		responses:    make(chan response, respondBuffer),
		done:         make(chan struct{}),
		enqueued:     metrics.GetOrRegisterCounter("bridge.enqueued", reg),
		dropped:      metrics.GetOrRegisterCounter("bridge.dropped", reg),
		unauthorized: metrics.GetOrRegisterCounter("bridge.unauthorized", reg),
	}
	if opts.Watchdog != nil {
		wd, err := newWatchdog(*opts.Watchdog, nodes, w, opts.WriteTimeout, lc, reg)
		if err != nil {
			return nil, err
		}
		b.watchdog = wd
	}
	go b.writeResponses()
	return b, nil
}

// Monitored 需要订阅的句柄：映射节点与看门狗控制节点
func (b *Bridge) Monitored() []string {
	names := make([]string, 0, len(b.mappings)+1)
	for name := range b.mappings {
		names = append(names, name)
	}
	if b.watchdog != nil {
		names = append(names, b.watchdog.controller)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		h, _ := b.nodes.Handle(n)
		out = append(out, h)
	}
	return out
}

// Watchdog 未配置时为 nil
func (b *Bridge) Watchdog() *Watchdog { return b.watchdog }

// Authorizer 校验请求附带的凭据
type Authorizer func(c *config.Credentials) error

// CheckCredentials 未配置凭据时放行一切；配置后缺失或不匹配都视为 UnauthorizedRequest
func CheckCredentials(want *config.Credentials) Authorizer {
	return func(c *config.Credentials) error {
		if want == nil {
			return nil
		}
		if c == nil ||
			subtle.ConstantTimeCompare([]byte(c.User), []byte(want.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(c.Password), []byte(want.Password)) != 1 {
			return bridgeerr.New(bridgeerr.KindUnauthorized, "credential check", nil)
		}
		return nil
	}
}

// Authorize 按桥的共享凭据校验
func (b *Bridge) Authorize(c *config.Credentials) error { return b.authorize(c) }

// OnChange 处理一次节点变化，供订阅源回调
func (b *Bridge) OnChange(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.dropped.Inc(1)
			b.lc.Errorf("change event %s panicked: %v\n%s", ev.Handle, r, debug.Stack())
		}
	}()

	name, ok := b.nodes.Name(ev.Handle)
	if !ok {
		b.dropped.Inc(1)
		b.lc.Debugf("%s: handle %s not in node map", bridgeerr.KindUnresolvedNode, ev.Handle)
		return
	}

	if b.watchdog != nil && name == b.watchdog.controller {
		b.watchdog.onChange(ev.Value)
		return
	}

	m, ok := b.mappings[name]
	if !ok {
		b.dropped.Inc(1)
		b.lc.Debugf("node %s has no command mapping, change ignored", name)
		return
	}

	if err := b.Authorize(ev.Credentials); err != nil {
		b.unauthorized.Inc(1)
		b.lc.Warnf("%s: change on %s dropped", bridgeerr.KindUnauthorized, name)
		return
	}

	var params any
	if m.TakesParameter {
		params = ev.Value
	}
	var cb queue.Callback
	if m.RespondTo != "" {
		cb = b.respond(m)
	}
	req, err := b.cmd.EnqueueCommand(m.Command, params, cb, SourceOPCUA)
	if err != nil {
		b.dropped.Inc(1)
		b.lc.Errorf("enqueue %s for %s failed: %v", m.Command, name, err)
		return
	}
	b.enqueued.Inc(1)
	b.lc.Debugf("node %s -> %s(%v) id=%s", name, m.Command, params, req.ID)
}

type response struct {
	command string
	target  string
	handle  string
	value   any
}

// respond 回调：把命令结果交给写回 goroutine，写到 respond_to 节点
func (b *Bridge) respond(m Mapping) queue.Callback {
	return func(result any) {
		h, ok := b.nodes.Handle(m.RespondTo)
		if !ok {
			return
		}
		r := response{command: m.Command, target: m.RespondTo, handle: h, value: result}
		select {
		case <-b.done:
			b.lc.Debugf("bridge closed, %s result for %s discarded", m.Command, m.RespondTo)
		case b.responses <- r:
		default:
			b.dropped.Inc(1)
			b.lc.Warnf("%s result for %s dropped: %d writes pending", m.Command, m.RespondTo, respondBuffer)
		}
	}
}

func (b *Bridge) writeResponses() {
	for {
		select {
		case <-b.done:
			return
		case r := <-b.responses:
			ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
			if err := b.writer.WriteValue(ctx, r.handle, r.value); err != nil {
				b.lc.Errorf("write %s result to %s failed: %v", r.command, r.target, err)
			}
			cancel()
		}
	}
}

// Close 断线时停止结果写回并拆除看门狗
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	if b.watchdog != nil {
		b.watchdog.Close()
	}
}
