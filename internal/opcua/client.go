// Package opcua 基于 gopcua 的订阅源与节点写入。
package opcua

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
)

const (
	applicationURI = "urn:device-opcua-bridge"
	connectTimeout = 30 * time.Second
)

// Client 一次 OPC UA 会话
type Client struct {
	cfg      *config.OPCUAConfig
	lc       logger.LoggingClient
	c        *gopcua.Client
	identity *config.Credentials
}

// Dial 发现端点、按安全策略选择并建立会话
func Dial(ctx context.Context, cfg *config.OPCUAConfig, lc logger.LoggingClient) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	endpoints, err := gopcua.GetEndpoints(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("get endpoints: %w", err)
	}
	ep := selectEndpoint(endpoints, cfg.SecurityPolicy, cfg.SecurityMode)
	if ep == nil {
		return nil, fmt.Errorf("no matching endpoint for policy=%s mode=%s", cfg.SecurityPolicy, cfg.SecurityMode)
	}
	lc.Infof("opcua: selected endpoint %s / %s", ep.SecurityPolicyURI, securityModeStr(ep.SecurityMode))

	tokenType := ua.UserTokenTypeAnonymous
	if cfg.Username != "" {
		tokenType = ua.UserTokenTypeUserName
	}
	opts := []gopcua.Option{
		gopcua.SecurityFromEndpoint(ep, tokenType),
		gopcua.ApplicationURI(applicationURI),
		// 断线由上层监督：重建 Node Map 与看门狗
		gopcua.AutoReconnect(false),
	}
	var identity *config.Credentials
	if cfg.Username != "" {
		opts = append(opts, gopcua.AuthUsername(cfg.Username, cfg.Password))
		identity = &config.Credentials{User: cfg.Username, Password: cfg.Password}
	}
	if ep.SecurityPolicyURI != ua.SecurityPolicyURINone {
		opts = append(opts, gopcua.CertificateFile(cfg.CertFile), gopcua.PrivateKeyFile(cfg.KeyFile))
	}

	// 服务器通告的地址可能不可达，沿用配置的地址
	connectURL := ep.EndpointURL
	if connectURL != cfg.Endpoint {
		connectURL = cfg.Endpoint
	}
	c, err := gopcua.NewClient(connectURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Endpoint, err)
	}
	lc.Infof("opcua: connected to %s", cfg.Endpoint)
	return &Client{cfg: cfg, lc: lc, c: c, identity: identity}, nil
}

// NamespaceIndex 命名空间 URI → 索引
func (c *Client) NamespaceIndex(ctx context.Context, uri string) (uint16, error) {
	return c.c.FindNamespace(ctx, uri)
}

// ResolvePath 0:Objects/ns:object/ns:leaf → NodeID 字符串
func (c *Client) ResolvePath(ctx context.Context, ns uint16, object, leaf string) (string, error) {
	root := c.c.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))
	nid, err := root.TranslateBrowsePathsToNodeIDs(ctx, []*ua.QualifiedName{
		{NamespaceIndex: ns, Name: object},
		{NamespaceIndex: ns, Name: leaf},
	})
	if err != nil {
		return "", err
	}
	return nid.String(), nil
}

// WriteValue 写 Value 属性
func (c *Client) WriteValue(ctx context.Context, handle string, value any) error {
	nid, err := ua.ParseNodeID(handle)
	if err != nil {
		return fmt.Errorf("invalid node id %s: %w", handle, err)
	}
	v, err := ua.NewVariant(variantValue(value))
	if err != nil {
		return fmt.Errorf("variant for %v: %w", value, err)
	}
	resp, err := c.c.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s: status=%s", handle, resp.Results[0])
	}
	return nil
}

// Subscription 一组被监视节点
type Subscription struct {
	sub    *monitor.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe 订阅节点变化，每条变化调用一次 onChange
func (c *Client) Subscribe(ctx context.Context, handles []string, onChange func(bridge.Event)) (*Subscription, error) {
	nm, err := monitor.NewNodeMonitor(c.c)
	if err != nil {
		return nil, fmt.Errorf("node monitor: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *monitor.DataChangeMessage, 256)
	sub, err := nm.ChanSubscribe(ctx, &gopcua.SubscriptionParameters{Interval: c.cfg.Interval.D()}, ch, handles...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s := &Subscription{sub: sub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case dcm := <-ch:
				if dcm == nil {
					continue
				}
				if dcm.Error != nil {
					c.lc.Debugf("opcua: data change error: %v", dcm.Error)
					continue
				}
				if dcm.Status != ua.StatusOK {
					c.lc.Debugf("opcua: %s bad status %s", dcm.NodeID, dcm.Status)
					continue
				}
				onChange(bridge.Event{
					Handle:      dcm.NodeID.String(),
					Value:       extractValue(dcm.Value),
					Credentials: c.identity,
				})
			}
		}
	}()
	c.lc.Infof("opcua: %d nodes monitored every %s", len(handles), c.cfg.Interval.D())
	return s, nil
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.cancel()
	_ = s.sub.Unsubscribe(context.Background())
	<-s.done
}

// Connected 会话是否仍然可用
func (c *Client) Connected() bool {
	return c.c.State() == gopcua.Connected
}

// Close 关闭会话
func (c *Client) Close(ctx context.Context) error {
	return c.c.Close(ctx)
}

func selectEndpoint(endpoints []*ua.EndpointDescription, policy, mode string) *ua.EndpointDescription {
	policyURIs := map[string]string{
		"none":           ua.SecurityPolicyURINone,
		"basic128rsa15":  ua.SecurityPolicyURIBasic128Rsa15,
		"basic256":       ua.SecurityPolicyURIBasic256,
		"basic256sha256": ua.SecurityPolicyURIBasic256Sha256,
		"":               "",
	}
	targetURI := policyURIs[strings.ToLower(policy)]

	var targetMode ua.MessageSecurityMode
	switch strings.ToLower(mode) {
	case "sign":
		targetMode = ua.MessageSecurityModeSign
	case "signandencrypt":
		targetMode = ua.MessageSecurityModeSignAndEncrypt
	case "none":
		targetMode = ua.MessageSecurityModeNone
	}

	// 未指定策略时选最安全的端点
	if targetURI == "" {
		var best *ua.EndpointDescription
		for _, ep := range endpoints {
			if best == nil || ep.SecurityMode > best.SecurityMode {
				best = ep
			}
		}
		return best
	}
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI && (targetMode == 0 || ep.SecurityMode == targetMode) {
			return ep
		}
	}
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI {
			return ep
		}
	}
	return nil
}

func securityModeStr(mode ua.MessageSecurityMode) string {
	switch mode {
	case ua.MessageSecurityModeNone:
		return "None"
	case ua.MessageSecurityModeSign:
		return "Sign"
	case ua.MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return fmt.Sprintf("Unknown(%d)", mode)
	}
}
