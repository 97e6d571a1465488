// Package mqtt 通过 MQTT 暴露命令入口并发布 Data Cache 快照。
//
// 主题（prefix 默认 bridge/<service>）：
//
//	<prefix>/command   收到 CommandRequest，入队
//	<prefix>/response  发布 accepted / ok / rejected
//	<prefix>/data      发布最新快照
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/instrument"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

// SourceMQTT 经 MQTT 进入的请求来源
const SourceMQTT = "mqtt"

// Commander 仪器命令入口
type Commander interface {
	EnqueueCommand(name string, params any, cb queue.Callback, source string) (*queue.Request, error)
}

// API MQTT 命令入口
type API struct {
	conn      Conn
	cmd       Commander
	authorize bridge.Authorizer
	prefix    string
	lc        logger.LoggingClient
}

func NewAPI(conn Conn, prefix string, cmd Commander, authorize bridge.Authorizer, lc logger.LoggingClient) *API {
	if authorize == nil {
		authorize = bridge.CheckCredentials(nil)
	}
	return &API{conn: conn, cmd: cmd, authorize: authorize, prefix: prefix, lc: lc}
}

func (a *API) CommandTopic() string  { return a.prefix + "/command" }
func (a *API) ResponseTopic() string { return a.prefix + "/response" }
func (a *API) DataTopic() string     { return a.prefix + "/data" }

// Start 订阅命令主题
func (a *API) Start() error {
	if err := a.conn.Subscribe(a.CommandTopic(), a.handle); err != nil {
		return err
	}
	a.lc.Infof("mqtt: listening for commands on %s", a.CommandTopic())
	return nil
}

func (a *API) handle(payload []byte) {
	var req CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.lc.Warnf("mqtt: malformed command: %v", err)
		resp := response("", "rejected")
		resp.Error = err.Error()
		a.reply(newMessage("", resp))
		return
	}

	var creds *config.Credentials
	if req.User != "" || req.Password != "" {
		creds = &config.Credentials{User: req.User, Password: req.Password}
	}
	if err := a.authorize(creds); err != nil {
		a.lc.Warnf("mqtt: command %s: %v", req.Command, err)
		resp := response(req.Command, "rejected")
		resp.Error = err.Error()
		a.reply(newMessage(req.CorrelationID, resp))
		return
	}

	corr := req.CorrelationID
	r, err := a.cmd.EnqueueCommand(req.Command, req.Parameters, func(result any) {
		resp := response(req.Command, "ok")
		resp.Result = result
		// 回调在 Worker 协程里，发布不能拖住串口
		go a.reply(newMessage(corr, resp))
	}, SourceMQTT)
	if err != nil {
		resp := response(req.Command, "rejected")
		resp.Error = err.Error()
		a.reply(newMessage(corr, resp))
		return
	}
	resp := response(req.Command, "accepted")
	resp.RequestID = r.ID.String()
	a.reply(newMessage(corr, resp))
}

// PublishSnapshots 每个间隔检查一次，快照有更新时发布
func (a *API) PublishSnapshots(ctx context.Context, state *instrument.State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := state.Data()
			if snap == nil || snap.Seq == last {
				continue
			}
			last = snap.Seq
			a.publish(a.DataTopic(), newMessage("", map[string]interface{}{
				"about":    state.About(),
				"snapshot": snap,
			}))
		}
	}
}

func (a *API) reply(msg Message) {
	msg.ReceivedTopic = a.CommandTopic()
	a.publish(a.ResponseTopic(), msg)
}

func (a *API) publish(topic string, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		a.lc.Errorf("mqtt: marshal %s: %v", topic, err)
		return
	}
	if err := a.conn.Publish(topic, b); err != nil {
		a.lc.Errorf("mqtt: publish %s: %v", topic, err)
	}
}
