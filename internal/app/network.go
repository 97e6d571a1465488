package app

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/linjuya-lu/device_opcua_go/internal/mqtt"
	"github.com/linjuya-lu/device_opcua_go/internal/natsbus"
)

// runMQTT 连上 Broker 后提供命令入口并发布快照；之后的断线由 paho 自动重连
func (s *Service) runMQTT(ctx context.Context) error {
	cfg := s.cfg.MQTT
	var client *mqtt.Client
	err := s.retry(ctx, "mqtt connect "+cfg.Broker, func() error {
		var err error
		client, err = mqtt.NewClient(cfg)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer client.Disconnect(250)

	api := mqtt.NewAPI(client, cfg.TopicPrefix, s.inst, s.authorize, s.lc)
	if err := s.retry(ctx, "mqtt subscribe "+api.CommandTopic(), api.Start); err != nil {
		return nil
	}
	api.PublishSnapshots(ctx, s.inst.State(), s.cfg.Poll.Interval.D())
	return nil
}

// runNATS 提供命令入口与快照读取，并维护心跳
func (s *Service) runNATS(ctx context.Context) error {
	cfg := s.cfg.NATS
	var nc *nats.Conn
	err := s.retry(ctx, "nats connect "+cfg.Servers, func() error {
		var err error
		nc, err = natsbus.Connect(cfg, s.lc)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer nc.Close()

	srv := natsbus.NewServer(cfg.Subject, s.inst, s.inst.State(), s.authorize, s.lc)
	if err := srv.Start(nc); err != nil {
		s.lc.Errorf("nats: %v", err)
		return nil
	}
	defer srv.Stop()

	var kv natsbus.KeyValue
	err = s.retry(ctx, "nats heartbeat bucket", func() error {
		var err error
		kv, err = natsbus.OpenHeartbeatBucket(ctx, nc, cfg)
		return err
	})
	if err != nil {
		return nil
	}
	natsbus.RunHeartbeat(ctx, kv, cfg.Subject, cfg.HeartbeatInterval.D(), s.Status, s.lc)
	return nil
}
