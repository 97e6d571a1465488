package app

import (
	"context"
	"errors"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/nodemap"
	"github.com/linjuya-lu/device_opcua_go/internal/opcua"
)

// Subscription 已建立的节点订阅
type Subscription interface {
	Close()
}

// Session 一次 OPC UA 会话提供给桥接层的能力
type Session interface {
	nodemap.Resolver
	bridge.Writer
	Subscribe(ctx context.Context, handles []string, onChange func(bridge.Event)) (Subscription, error)
	Connected() bool
	Close(ctx context.Context) error
}

// Dialer 建立 OPC UA 会话
type Dialer func(ctx context.Context, cfg *config.OPCUAConfig, lc logger.LoggingClient) (Session, error)

type clientSession struct {
	*opcua.Client
}

func (c clientSession) Subscribe(ctx context.Context, handles []string, onChange func(bridge.Event)) (Subscription, error) {
	sub, err := c.Client.Subscribe(ctx, handles, onChange)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func dialOPCUA(ctx context.Context, cfg *config.OPCUAConfig, lc logger.LoggingClient) (Session, error) {
	c, err := opcua.Dial(ctx, cfg, lc)
	if err != nil {
		return nil, err
	}
	return clientSession{c}, nil
}

// errSessionLost 会话断开，需要重连并重建 Node Map
var errSessionLost = errors.New("opcua session lost")

// runOPCUA 连接、建图、订阅；断线后按退避重连。
// 重连后 Node Map 与 Bridge 全部重建，旧看门狗先拆除。
func (s *Service) runOPCUA(ctx context.Context) error {
	ua := s.cfg.OPCUA
	for {
		var sess Session
		err := s.retry(ctx, "opcua connect "+ua.Endpoint, func() error {
			var err error
			sess, err = s.dial(ctx, ua, s.lc)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = s.serveSession(ctx, sess)
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sess.Close(cctx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errSessionLost):
			s.lc.Warnf("opcua session to %s lost, reconnecting", ua.Endpoint)
		case bridgeerr.Is(err, bridgeerr.KindConfiguration):
			return err
		default:
			s.lc.Warnf("opcua session to %s failed: %v", ua.Endpoint, err)
			t := time.NewTimer(s.sessionProbe)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

// serveSession 在一次会话内运行 Bridge，直到断线或 ctx 结束
func (s *Service) serveSession(ctx context.Context, sess Session) error {
	ua := s.cfg.OPCUA
	nodes, err := nodemap.Build(ctx, sess, bridge.Groups(ua))
	if err != nil {
		// 解析失败也可能是会话在建图途中断开，这种情况按断线处理
		if !sess.Connected() {
			return errSessionLost
		}
		return err
	}
	b, err := bridge.New(nodes, bridge.MappingsFromConfig(ua.Objects), s.inst, sess, bridge.Options{
		Watchdog:    ua.Watchdog,
		Credentials: s.cfg.Credentials,
		Logger:      s.lc,
		Metrics:     s.reg,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	sub, err := sess.Subscribe(ctx, b.Monitored(), b.OnChange)
	if err != nil {
		if !sess.Connected() {
			return errSessionLost
		}
		return err
	}
	defer sub.Close()

	s.bridge.Store(b)
	defer s.bridge.Store(nil)
	s.lc.Infof("opcua bridge up: %d nodes resolved, %d monitored", nodes.Len(), len(b.Monitored()))

	if wd := b.Watchdog(); wd != nil {
		go wd.Run(ctx)
	}

	ticker := time.NewTicker(s.sessionProbe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !sess.Connected() {
				return errSessionLost
			}
		}
	}
}

// CheckOPCUA 连接一次并建立 Node Map 与 Bridge，用于部署前检查配置
func (s *Service) CheckOPCUA(ctx context.Context) (*nodemap.Map, error) {
	if s.cfg.OPCUA == nil {
		return nil, bridgeerr.Configurationf("opcua section is not configured")
	}
	sess, err := s.dial(ctx, s.cfg.OPCUA, s.lc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close(context.Background()) }()

	nodes, err := nodemap.Build(ctx, sess, bridge.Groups(s.cfg.OPCUA))
	if err != nil {
		return nil, err
	}
	b, err := bridge.New(nodes, bridge.MappingsFromConfig(s.cfg.OPCUA.Objects), s.inst, sess, bridge.Options{
		Watchdog:    s.cfg.OPCUA.Watchdog,
		Credentials: s.cfg.Credentials,
		Logger:      s.lc,
		Metrics:     s.reg,
	})
	if err != nil {
		return nil, err
	}
	b.Close()
	return nodes, nil
}
