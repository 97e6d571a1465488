package natsbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linjuya-lu/device_opcua_go/internal/bridge"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/instrument"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

func newServer(t *testing.T, creds *config.Credentials) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New()
	inst, err := instrument.New(config.InstrumentConfig{Type: "ika", Name: "stirrer"}, config.PollConfig{},
		codec.NewIka(), q, logger.NewMockClient(), nil)
	require.NoError(t, err)
	return NewServer("bridge", inst, inst.State(), bridge.CheckCredentials(creds), logger.NewMockClient()), q
}

func collect() (func(Reply), func() []Reply) {
	var mu sync.Mutex
	var out []Reply
	return func(r Reply) {
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
		}, func() []Reply {
			mu.Lock()
			defer mu.Unlock()
			return append([]Reply(nil), out...)
		}
}

func TestCommandEnqueuedAndAcknowledged(t *testing.T) {
	s, q := newServer(t, nil)
	respond, replies := collect()

	s.command("set_rate", []byte(`{"parameters": 250}`), respond)
	require.Equal(t, 1, q.Len())
	r := replies()
	require.Len(t, r, 1)
	assert.True(t, r[0].Success)
	assert.NotEmpty(t, r[0].RequestID)

	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "set_rate", req.Command)
	assert.Equal(t, float64(250), req.Params)
	assert.Nil(t, req.Callback)
}

func TestCommandWaitRepliesWithResult(t *testing.T) {
	s, q := newServer(t, nil)
	respond, replies := collect()

	s.command("get_rate_pv", []byte(`{"wait": true}`), respond)
	assert.Empty(t, replies())

	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	req.Callback(120.0)
	require.Eventually(t, func() bool { return len(replies()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 120.0, replies()[0].Result)
}

func TestCommandRejections(t *testing.T) {
	s, q := newServer(t, &config.Credentials{User: "op", Password: "pw"})
	respond, replies := collect()

	s.command("start", nil, respond)
	s.command("start", []byte(`{"user":"op","password":"pw"`), respond)
	s.command("centrifuge", []byte(`{"user":"op","password":"pw"}`), respond)
	assert.Zero(t, q.Len())
	for _, r := range replies() {
		assert.False(t, r.Success)
		assert.NotEmpty(t, r.Error)
	}
	assert.Len(t, replies(), 3)
}

func TestDataReadsSnapshotWithoutQueue(t *testing.T) {
	s, q := newServer(t, nil)
	respond, replies := collect()

	s.data(respond)
	assert.Zero(t, q.Len())
	r := replies()
	require.Len(t, r, 1)
	b, err := json.Marshal(r[0].Result)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"name":"stirrer"`)
}

type fakeKV struct {
	mu      sync.Mutex
	puts    []Heartbeat
	deleted []string
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	var hb Heartbeat
	if err := json.Unmarshal(value, &hb); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, hb)
	return uint64(len(f.puts)), nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeKV) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts), len(f.deleted)
}

func TestHeartbeat(t *testing.T) {
	kv := &fakeKV{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunHeartbeat(ctx, kv, "bridge", 2*time.Millisecond,
			func() map[string]interface{} { return map[string]interface{}{"queue": 0} }, logger.NewMockClient())
		close(done)
	}()

	require.Eventually(t, func() bool { n, _ := kv.counts(); return n >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	_, deleted := kv.counts()
	assert.Equal(t, 1, deleted)
	assert.Equal(t, "bridge", kv.puts[0].ModuleID)
	assert.Contains(t, kv.puts[0].Metadata, "queue")
}
