package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/nodemap"
)

// 看门狗模式
const (
	ModeEcho   = "echo"
	ModeToggle = "toggle"
)

// Watchdog 控制节点 → 仪器节点的快速回写，不经过请求队列
type Watchdog struct {
	controller string
	instrument string
	handle     string
	mode       string
	timeout    time.Duration
	writeLimit time.Duration
	w          Writer
	lc         logger.LoggingClient
	echoed     metrics.Counter

	last   atomic.Int64 // 最近一次变化的 UnixNano
	lost   atomic.Bool
	closed atomic.Bool
	toggle atomic.Bool
	stop   chan struct{}
	once   sync.Once
}

func newWatchdog(cfg config.WatchdogConfig, nodes *nodemap.Map, w Writer, writeLimit time.Duration,
	lc logger.LoggingClient, reg metrics.Registry) (*Watchdog, error) {
	if _, ok := nodes.Handle(cfg.Controller); !ok {
		return nil, bridgeerr.Configurationf("watchdog controller %q is not in the node map", cfg.Controller)
	}
	h, ok := nodes.Handle(cfg.Instrument)
	if !ok {
		return nil, bridgeerr.Configurationf("watchdog instrument node %q is not in the node map", cfg.Instrument)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeEcho
	}
	wd := &Watchdog{
		controller: cfg.Controller,
		instrument: cfg.Instrument,
		handle:     h,
		mode:       mode,
		timeout:    cfg.Timeout.D(),
		writeLimit: writeLimit,
		w:          w,
		lc:         lc,
		echoed:     metrics.GetOrRegisterCounter("watchdog.echoed", reg),
		stop:       make(chan struct{}),
	}
	wd.last.Store(time.Now().UnixNano())
	return wd, nil
}

func (wd *Watchdog) onChange(v any) {
	if wd.closed.Load() {
		return
	}
	wd.last.Store(time.Now().UnixNano())
	if wd.lost.CompareAndSwap(true, false) {
		wd.lc.Infof("watchdog %s restored", wd.controller)
	}

	out := v
	if wd.mode == ModeToggle {
		if b, ok := v.(bool); ok {
			out = !b
		} else {
			// 非布尔值：翻转自身状态
			out = !wd.toggle.Load()
			wd.toggle.Store(out.(bool))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), wd.writeLimit)
	defer cancel()
	if err := wd.w.WriteValue(ctx, wd.handle, out); err != nil {
		wd.lc.Warnf("watchdog write to %s failed: %v", wd.instrument, err)
		return
	}
	wd.echoed.Inc(1)
}

// Alive 在超时时间内是否收到过控制节点变化
func (wd *Watchdog) Alive() bool { return !wd.lost.Load() }

// Run 监视控制节点的活性；超时只告警一次，直到下一次变化
func (wd *Watchdog) Run(ctx context.Context) {
	if wd.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(wd.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wd.stop:
			return
		case <-ticker.C:
			wd.check(time.Now())
		}
	}
}

func (wd *Watchdog) check(now time.Time) {
	idle := now.Sub(time.Unix(0, wd.last.Load()))
	if idle > wd.timeout && wd.lost.CompareAndSwap(false, true) {
		wd.lc.Warnf("watchdog %s lost: no change for %s", wd.controller, idle.Truncate(time.Millisecond))
	}
}

// Close 停止监视并忽略后续事件
func (wd *Watchdog) Close() {
	wd.once.Do(func() {
		wd.closed.Store(true)
		close(wd.stop)
	})
}
