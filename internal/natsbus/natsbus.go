// Package natsbus 通过 NATS 暴露命令入口、快照读取与服务心跳。
//
//	<subject>.command.<name>  请求-应答，入队一条命令
//	<subject>.data            请求-应答，返回最新快照（不经过请求队列）
//	KV <bucket>/<subject>     服务心跳
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/instrument"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

// SourceNATS 经 NATS 进入的请求来源
const SourceNATS = "nats"

// Commander 仪器命令入口
type Commander interface {
	EnqueueCommand(name string, params any, cb queue.Callback, source string) (*queue.Request, error)
}

// CommandBody <subject>.command.<name> 的请求体，可为空
type CommandBody struct {
	Parameters interface{} `json:"parameters,omitempty"`
	User       string      `json:"user,omitempty"`
	Password   string      `json:"password,omitempty"`
	// Wait 为 true 时等命令执行成功后才应答，失败则请求方超时
	Wait bool `json:"wait,omitempty"`
}

// Reply 命令应答
type Reply struct {
	Success   bool        `json:"success"`
	RequestID string      `json:"requestId,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Connect 连接 NATS，断线后无限重连
func Connect(cfg *config.NATSConfig, lc logger.LoggingClient) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.Servers,
		nats.Name(cfg.Subject),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lc.Warnf("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			lc.Info("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.Servers, err)
	}
	return nc, nil
}

// Server NATS 侧的请求处理
type Server struct {
	subject   string
	cmd       Commander
	state     *instrument.State
	authorize bridge.Authorizer
	lc        logger.LoggingClient
	subs      []*nats.Subscription
}

func NewServer(subject string, cmd Commander, state *instrument.State, authorize bridge.Authorizer, lc logger.LoggingClient) *Server {
	if authorize == nil {
		authorize = bridge.CheckCredentials(nil)
	}
	return &Server{subject: subject, cmd: cmd, state: state, authorize: authorize, lc: lc}
}

// Start 注册请求处理
func (s *Server) Start(nc *nats.Conn) error {
	handlers := map[string]nats.MsgHandler{
		s.subject + ".command.>": func(m *nats.Msg) {
			name := strings.TrimPrefix(m.Subject, s.subject+".command.")
			s.command(name, m.Data, respondTo(m, s.lc))
		},
		s.subject + ".data": func(m *nats.Msg) {
			s.data(respondTo(m, s.lc))
		},
	}
	for subj, h := range handlers {
		sub, err := nc.Subscribe(subj, h)
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.lc.Infof("nats: serving %s.command.> and %s.data", s.subject, s.subject)
	return nil
}

// Stop 取消订阅
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func respondTo(m *nats.Msg, lc logger.LoggingClient) func(Reply) {
	return func(r Reply) {
		if m.Reply == "" {
			return
		}
		b, _ := json.Marshal(r)
		if err := m.Respond(b); err != nil {
			lc.Warnf("nats: respond on %s: %v", m.Subject, err)
		}
	}
}

func (s *Server) command(name string, data []byte, respond func(Reply)) {
	var body CommandBody
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			respond(Reply{Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}
	}
	var creds *config.Credentials
	if body.User != "" || body.Password != "" {
		creds = &config.Credentials{User: body.User, Password: body.Password}
	}
	if err := s.authorize(creds); err != nil {
		s.lc.Warnf("nats: command %s: %v", name, err)
		respond(Reply{Error: err.Error()})
		return
	}

	var cb queue.Callback
	if body.Wait {
		cb = func(result any) {
			go respond(Reply{Success: true, Result: result})
		}
	}
	req, err := s.cmd.EnqueueCommand(name, body.Parameters, cb, SourceNATS)
	if err != nil {
		respond(Reply{Error: err.Error()})
		return
	}
	if !body.Wait {
		respond(Reply{Success: true, RequestID: req.ID.String()})
	}
}

func (s *Server) data(respond func(Reply)) {
	respond(Reply{Success: true, Result: map[string]interface{}{
		"about":    s.state.About(),
		"snapshot": s.state.Data(),
	}})
}

// Heartbeat 写入心跳 KV 的内容
type Heartbeat struct {
	ServiceType string                 `json:"serviceType"`
	ModuleID    string                 `json:"moduleId"`
	LastSeen    int64                  `json:"lastSeen"`
	StartedAt   int64                  `json:"startedAt"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// KeyValue 心跳用到的 KV 能力
type KeyValue interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// OpenHeartbeatBucket 创建或打开心跳桶，条目在三个周期无更新后过期
func OpenHeartbeatBucket(ctx context.Context, nc *nats.Conn, cfg *config.NATSConfig) (KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.HeartbeatBucket,
		History: 1,
		TTL:     3 * cfg.HeartbeatInterval.D(),
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat bucket %s: %w", cfg.HeartbeatBucket, err)
	}
	return kv, nil
}

// RunHeartbeat 周期性写心跳，退出时删除
func RunHeartbeat(ctx context.Context, kv KeyValue, moduleID string, interval time.Duration,
	meta func() map[string]interface{}, lc logger.LoggingClient) {
	startedAt := time.Now().UnixMilli()
	put := func() {
		hb := Heartbeat{
			ServiceType: "opcua-bridge",
			ModuleID:    moduleID,
			LastSeen:    time.Now().UnixMilli(),
			StartedAt:   startedAt,
			Metadata:    map[string]interface{}{},
		}
		if meta != nil {
			hb.Metadata = meta()
		}
		data, err := json.Marshal(hb)
		if err != nil {
			lc.Warnf("nats: marshal heartbeat: %v", err)
			return
		}
		if _, err := kv.Put(ctx, moduleID, data); err != nil {
			lc.Warnf("nats: publish heartbeat: %v", err)
		}
	}

	put()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx 已取消，用新的上下文清理
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = kv.Delete(cctx, moduleID)
			cancel()
			return
		case <-ticker.C:
			put()
		}
	}
}
