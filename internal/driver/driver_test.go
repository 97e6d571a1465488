package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dsModels "github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"
	edgexErrors "github.com/edgexfoundry/go-mod-core-contracts/v4/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linjuya-lu/device_opcua_go/internal/app"
	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/serial"
	"github.com/linjuya-lu/device_opcua_go/internal/worker"
)

// pumpTransport 对 1S\r 应答转速，其余应答 *
type pumpTransport struct {
	mu     sync.Mutex
	frames []string
}

func (p *pumpTransport) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, string(frame))
	return nil
}

func (p *pumpTransport) Read(time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames[len(p.frames)-1] == "1S\r" {
		return []byte("00012"), nil
	}
	return []byte("*"), nil
}

func (p *pumpTransport) Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

const driverYAML = `
serial:
  device: /dev/ttyUSB0
instrument:
  type: ismatec
worker:
  settle: 1ms
poll:
  fields:
    flowrate: get_flowrate
`

func newTestDriver(t *testing.T) (*BridgeDriver, *pumpTransport, chan *dsModels.AsyncValues) {
	t.Helper()
	cfg, err := config.Parse([]byte(driverYAML))
	require.NoError(t, err)
	lc := logger.NewMockClient()
	svc, err := app.New(cfg, lc)
	require.NoError(t, err)

	tr := &pumpTransport{}
	w := worker.New(svc.Queue(), tr, svc.Instrument().Codec(), worker.Options{Settle: time.Millisecond, Logger: lc})
	require.NoError(t, svc.Instrument().Register(w))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	ch := make(chan *dsModels.AsyncValues, 4)
	d := &BridgeDriver{}
	d.attach(svc, lc, ch)
	return d, tr, ch
}

func TestWriteEnqueuesAndReportsResult(t *testing.T) {
	d, tr, ch := newTestDriver(t)

	param, err := dsModels.NewCommandValue("set_flowrate", common.ValueTypeFloat64, 30.0)
	require.NoError(t, err)
	reqs := []dsModels.CommandRequest{{DeviceResourceName: "set_flowrate", Type: common.ValueTypeBool}}
	require.NoError(t, d.HandleWriteCommands("pump", nil, reqs, []*dsModels.CommandValue{param}))

	select {
	case av := <-ch:
		assert.Equal(t, "pump", av.DeviceName)
		assert.Equal(t, "set_flowrate", av.SourceName)
		require.Len(t, av.CommandValues, 1)
		assert.Equal(t, true, av.CommandValues[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no async value reported")
	}
	assert.Contains(t, tr.Frames(), "1S00030\r")

	res, err := d.HandleReadCommands("pump", nil, reqs)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, true, res[0].Value)
}

func TestWriteUsesCommandAttribute(t *testing.T) {
	d, tr, ch := newTestDriver(t)

	param, err := dsModels.NewCommandValue("Run", common.ValueTypeBool, true)
	require.NoError(t, err)
	reqs := []dsModels.CommandRequest{{
		DeviceResourceName: "Run",
		Attributes:         map[string]interface{}{"command": "start"},
		Type:               common.ValueTypeBool,
	}}
	require.NoError(t, d.HandleWriteCommands("pump", nil, reqs, []*dsModels.CommandValue{param}))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no async value reported")
	}
	assert.Equal(t, []string{"1H\r"}, tr.Frames())
}

func TestAsyncValuesKeepCallbackOrder(t *testing.T) {
	d, _, ch := newTestDriver(t)

	const n = 8
	reqs := make([]dsModels.CommandRequest, n)
	params := make([]*dsModels.CommandValue, n)
	for i := range reqs {
		name := fmt.Sprintf("Run%d", i)
		reqs[i] = dsModels.CommandRequest{
			DeviceResourceName: name,
			Attributes:         map[string]interface{}{"command": "start"},
			Type:               common.ValueTypeBool,
		}
		cv, err := dsModels.NewCommandValue(name, common.ValueTypeBool, true)
		require.NoError(t, err)
		params[i] = cv
	}
	require.NoError(t, d.HandleWriteCommands("pump", nil, reqs, params))

	for i := 0; i < n; i++ {
		select {
		case av := <-ch:
			assert.Equal(t, fmt.Sprintf("Run%d", i), av.SourceName)
		case <-time.After(2 * time.Second):
			t.Fatalf("async value %d not reported", i)
		}
	}
}

func TestWriteUnknownCommandIsContractInvalid(t *testing.T) {
	d, _, _ := newTestDriver(t)

	param, err := dsModels.NewCommandValue("explode", common.ValueTypeBool, true)
	require.NoError(t, err)
	err = d.HandleWriteCommands("pump", nil,
		[]dsModels.CommandRequest{{DeviceResourceName: "explode", Type: common.ValueTypeBool}},
		[]*dsModels.CommandValue{param})
	require.Error(t, err)
	assert.Equal(t, edgexErrors.KindContractInvalid, edgexErrors.Kind(err))
}

func TestReadSnapshotField(t *testing.T) {
	d, _, _ := newTestDriver(t)
	reqs := []dsModels.CommandRequest{{DeviceResourceName: "flowrate", Type: common.ValueTypeFloat32}}

	_, err := d.HandleReadCommands("pump", nil, reqs)
	require.Error(t, err)
	assert.Equal(t, edgexErrors.KindEntityDoesNotExist, edgexErrors.Kind(err))

	require.True(t, d.svc.Instrument().RequestPoll())
	require.Eventually(t, func() bool {
		return d.svc.Instrument().State().Data().Seq > 0
	}, 2*time.Second, 5*time.Millisecond)

	res, err := d.HandleReadCommands("pump", nil, reqs)
	require.NoError(t, err)
	assert.Equal(t, float32(12), res[0].Value)
}

func TestCommandValueConversions(t *testing.T) {
	cv, err := commandValue("rate", common.ValueTypeInt16, 12.6)
	require.NoError(t, err)
	assert.Equal(t, int16(13), cv.Value)

	cv, err = commandValue("rate", common.ValueTypeString, 12.5)
	require.NoError(t, err)
	assert.Equal(t, "12.5", cv.Value)

	cv, err = commandValue("ack", common.ValueTypeBool, 1.0)
	require.NoError(t, err)
	assert.Equal(t, true, cv.Value)

	_, err = commandValue("rate", common.ValueTypeUint8, 300.0)
	assert.Error(t, err)
	_, err = commandValue("rate", common.ValueTypeUint32, -1.0)
	assert.Error(t, err)
	_, err = commandValue("rate", common.ValueTypeBinary, 1.0)
	assert.Error(t, err)
}

func TestParamValue(t *testing.T) {
	cv, err := dsModels.NewCommandValue("name", common.ValueTypeString, "30")
	require.NoError(t, err)
	v, err := paramValue(cv)
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)

	cv, err = dsModels.NewCommandValue("name", common.ValueTypeString, "run-7")
	require.NoError(t, err)
	v, err = paramValue(cv)
	require.NoError(t, err)
	assert.Equal(t, "run-7", v)

	cv, err = dsModels.NewCommandValue("rate", common.ValueTypeUint16, uint16(250))
	require.NoError(t, err)
	v, err = paramValue(cv)
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)
}

// idlePort 不应答的串口
type idlePort struct{}

func (idlePort) Open() error                   { return nil }
func (idlePort) Close() error                  { return nil }
func (idlePort) Name() string                  { return "idle" }
func (idlePort) Write(b []byte) (int, error)   { return len(b), nil }
func (idlePort) WriteFrame(frame []byte) error { return nil }

func (idlePort) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

// brokenSession 连接正常，但任何节点路径都解析不了
type brokenSession struct{}

func (brokenSession) NamespaceIndex(context.Context, string) (uint16, error) { return 2, nil }

func (brokenSession) ResolvePath(_ context.Context, _ uint16, object, leaf string) (string, error) {
	return "", errors.New("BadNoMatch")
}

func (brokenSession) WriteValue(context.Context, string, any) error { return nil }

func (brokenSession) Subscribe(context.Context, []string, func(bridge.Event)) (app.Subscription, error) {
	return nil, errors.New("not subscribed")
}

func (brokenSession) Connected() bool             { return true }
func (brokenSession) Close(context.Context) error { return nil }

func TestStartExitsOnConfigurationError(t *testing.T) {
	cfg, err := config.Parse([]byte(driverYAML + `
opcua:
  endpoint: opc.tcp://127.0.0.1:4840
  uri: http://test.server
  object: ISMATEC
  nodes:
    SETFLOW:
      command: set_flowrate
`))
	require.NoError(t, err)
	lc := logger.NewMockClient()
	svc, err := app.New(cfg, lc,
		app.WithPortOpener(func(config.SerialConfig) (serial.Port, error) { return idlePort{}, nil }),
		app.WithDialer(func(context.Context, *config.OPCUAConfig, logger.LoggingClient) (app.Session, error) {
			return brokenSession{}, nil
		}))
	require.NoError(t, err)

	codes := make(chan int, 1)
	d := &BridgeDriver{exit: func(code int) { codes <- code }}
	d.attach(svc, lc, nil)
	require.NoError(t, d.Start())

	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration error did not stop the service")
	}
	<-d.done
}
