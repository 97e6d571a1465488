// Package app 组装桥接服务并监督各条连接。
//
// Service 是进程内唯一的上下文对象：配置、日志、指标、请求队列与仪器
// 都挂在它上面，各组件从这里取依赖，不使用包级全局状态。
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/instrument"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
)

// Service 桥接服务
type Service struct {
	cfg       *config.Config
	lc        logger.LoggingClient
	reg       metrics.Registry
	queue     *queue.Queue
	codec     codec.Codec
	inst      *instrument.Instrument
	authorize bridge.Authorizer

	openPort func(config.SerialConfig) (serial.Port, error)
	dial     Dialer

	bridge       atomic.Pointer[bridge.Bridge]
	portUp       atomic.Bool
	maxBackoff   time.Duration
	sessionProbe time.Duration
}

// Option 测试与嵌入时替换外部依赖
type Option func(*Service)

// WithPortOpener 替换串口创建
func WithPortOpener(f func(config.SerialConfig) (serial.Port, error)) Option {
	return func(s *Service) { s.openPort = f }
}

// WithDialer 替换 OPC UA 会话建立
func WithDialer(d Dialer) Option {
	return func(s *Service) { s.dial = d }
}

// WithMetrics 使用外部指标注册表
func WithMetrics(reg metrics.Registry) Option {
	return func(s *Service) { s.reg = reg }
}

// New 构建 Codec、请求队列与仪器；配置问题返回 ConfigurationError
func New(cfg *config.Config, lc logger.LoggingClient, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:          cfg,
		lc:           lc,
		reg:          metrics.NewRegistry(),
		queue:        queue.New(),
		openPort:     serial.NewPort,
		dial:         dialOPCUA,
		maxBackoff:   30 * time.Second,
		sessionProbe: time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	c, err := codec.New(cfg.Instrument)
	if err != nil {
		return nil, err
	}
	s.codec = c
	s.inst, err = instrument.New(cfg.Instrument, cfg.Poll, c, s.queue, lc, s.reg)
	if err != nil {
		return nil, err
	}
	s.authorize = bridge.CheckCredentials(cfg.Credentials)
	return s, nil
}

func (s *Service) Config() *config.Config             { return s.cfg }
func (s *Service) Logger() logger.LoggingClient       { return s.lc }
func (s *Service) Metrics() metrics.Registry          { return s.reg }
func (s *Service) Queue() *queue.Queue                { return s.queue }
func (s *Service) Instrument() *instrument.Instrument { return s.inst }
func (s *Service) Authorizer() bridge.Authorizer      { return s.authorize }

// Bridge 当前会话的 Subscription Bridge，未连接时为 nil
func (s *Service) Bridge() *bridge.Bridge { return s.bridge.Load() }

// EnqueueCommand 直接调用方的命令入口
func (s *Service) EnqueueCommand(name string, params any, cb queue.Callback, source string) (*queue.Request, error) {
	return s.inst.EnqueueCommand(name, params, cb, source)
}

// Status 运行状态摘要，用于心跳与 CLI
func (s *Service) Status() map[string]interface{} {
	st := map[string]interface{}{
		"instrument": s.inst.About().Name,
		"queued":     s.queue.Len(),
		"serial":     s.portUp.Load(),
		"opcua":      s.bridge.Load() != nil,
		"seq":        s.inst.State().Data().Seq,
	}
	if b := s.bridge.Load(); b != nil && b.Watchdog() != nil {
		st["watchdog_alive"] = b.Watchdog().Alive()
	}
	return st
}

// Run 启动串口 Worker、Data Cache 轮询及已配置的网络入口，直到 ctx 结束。
// 只有 ConfigurationError 会让 Run 提前返回。
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runSerial(ctx) })
	g.Go(func() error {
		instrument.NewPoller(s.inst, s.cfg.Poll.Interval.D()).Run(ctx)
		return nil
	})
	if s.cfg.OPCUA != nil {
		g.Go(func() error { return s.runOPCUA(ctx) })
	}
	if s.cfg.MQTT != nil {
		g.Go(func() error { return s.runMQTT(ctx) })
	}
	if s.cfg.NATS != nil {
		g.Go(func() error { return s.runNATS(ctx) })
	}

	s.lc.Infof("%s started: instrument=%s port=%s", s.cfg.Service.Name, s.codec.Type(), s.cfg.Serial.Device)
	err := g.Wait()
	s.queue.Close()
	return err
}

func (s *Service) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	return b
}

// retry 按指数退避重试 op，直到成功、永久错误或 ctx 结束
func (s *Service) retry(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(op, backoff.WithContext(s.newBackoff(), ctx), func(err error, d time.Duration) {
		s.lc.Warnf("%s failed: %v (retry in %s)", what, err, d.Truncate(time.Millisecond))
	})
}
