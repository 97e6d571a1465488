package instrument

import (
	"context"
	"time"
)

// Poller 按固定间隔请求轮询，本身从不阻塞在队列上
type Poller struct {
	inst     *Instrument
	interval time.Duration
}

func NewPoller(inst *Instrument, interval time.Duration) *Poller {
	return &Poller{inst: inst, interval: interval}
}

// Run 直到 ctx 结束；未配置轮询字段时立即返回
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 || len(p.inst.fields) == 0 {
		return
	}
	p.inst.lc.Infof("data cache poller started: interval=%s fields=%d", p.interval, len(p.inst.fields))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.inst.RequestPoll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.inst.RequestPoll() {
				p.inst.lc.Debugf("poll skipped: previous poll still pending")
			}
		}
	}
}
