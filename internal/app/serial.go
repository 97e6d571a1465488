package app

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
	"github.com/linjuya-lu/device_opcua_go/internal/worker"
)

// runSerial 打开串口并运行 Worker；串口丢失后重开端口、重建 Worker，队列保留
func (s *Service) runSerial(ctx context.Context) error {
	for {
		var (
			port serial.Port
			w    *worker.Worker
		)
		err := s.retry(ctx, "open serial "+s.cfg.Serial.Device, func() error {
			p, err := s.openPort(s.cfg.Serial)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := p.Open(); err != nil {
				return err
			}
			tr := serial.NewTransport(p, s.codec.Framer())
			nw := worker.New(s.queue, tr, s.codec, worker.Options{
				Settle:      s.cfg.Worker.Settle.D(),
				ReadTimeout: s.cfg.Worker.ReadTimeout.D(),
				Logger:      s.lc,
				Metrics:     s.reg,
			})
			if err := s.inst.Register(nw); err != nil {
				_ = p.Close()
				return backoff.Permanent(err)
			}
			if err := nw.Init(ctx); err != nil {
				_ = p.Close()
				return err
			}
			port, w = p, nw
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.portUp.Store(true)
		s.lc.Infof("serial %s open, %d requests pending", port.Name(), s.queue.Len())
		err = w.Run(ctx)
		s.portUp.Store(false)
		_ = port.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, bridgeerr.ErrPortLost):
			s.lc.Warnf("serial %s lost, reopening", port.Name())
		default:
			return err
		}
	}
}
