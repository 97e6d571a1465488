package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/codec"
	"github.com/linjuya-lu/device_opcua_go/internal/queue"
)

// fakeTransport 模拟一台 Ismatec 泵，同时检查读写是否交错
type fakeTransport struct {
	mu       sync.Mutex
	writes   []string
	inFlight int32
	overlap  int32
	last     string
	reply    func(frame string) (string, error)
	writeErr error
}

func (f *fakeTransport) Write(frame []byte) error {
	if !atomic.CompareAndSwapInt32(&f.inFlight, 0, 1) {
		atomic.AddInt32(&f.overlap, 1)
	}
	// 放大调度抖动
	time.Sleep(time.Duration(len(frame)%3) * 100 * time.Microsecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(frame))
	f.last = string(frame)
	return f.writeErr
}

func (f *fakeTransport) Read(timeout time.Duration) ([]byte, error) {
	defer atomic.StoreInt32(&f.inFlight, 0)
	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if f.reply == nil {
		return []byte("*"), nil
	}
	s, err := f.reply(last)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (f *fakeTransport) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func newTestWorker(tr *fakeTransport, reg metrics.Registry) (*Worker, *queue.Queue) {
	q := queue.New()
	w := New(q, tr, codec.NewIsmatec(1), Options{
		Settle:      time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		Logger:      logger.NewMockClient(),
		Metrics:     reg,
	})
	return w, q
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestStartThenSetFlowrateWriteOrder(t *testing.T) {
	tr := &fakeTransport{}
	w, q := newTestWorker(tr, nil)

	require.NoError(t, q.Enqueue(queue.NewRequest("start", nil, nil, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("set_flowrate", 30, nil, "test")))
	startWorker(t, w)

	require.Eventually(t, func() bool { return len(tr.Writes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1H\r", "1S00030\r"}, tr.Writes())
}

func TestFIFOPerProducer(t *testing.T) {
	tr := &fakeTransport{}
	w, q := newTestWorker(tr, nil)
	startWorker(t, w)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(queue.NewRequest("set_flowrate", i, nil, "test")))
		want = append(want, fmt.Sprintf("1S%05d\r", i))
	}
	require.Eventually(t, func() bool { return len(tr.Writes()) == 50 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, want, tr.Writes())
}

func TestSingleWriterUnderConcurrentProducers(t *testing.T) {
	tr := &fakeTransport{}
	w, q := newTestWorker(tr, nil)
	w.settle = 0
	startWorker(t, w)

	const producers, each = 6, 30
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = q.Enqueue(queue.NewRequest("get_flowrate", nil, nil, "test"))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(tr.Writes()) == producers*each }, 5*time.Second, time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&tr.overlap))
}

func TestCallbackOnlyOnSuccess(t *testing.T) {
	tr := &fakeTransport{reply: func(frame string) (string, error) {
		if frame == "1S\r" {
			return "", bridgeerr.Timeout("read fake")
		}
		return "*", nil
	}}
	reg := metrics.NewRegistry()
	w, q := newTestWorker(tr, reg)

	var timedOut, succeeded int32
	require.NoError(t, q.Enqueue(queue.NewRequest("get_flowrate", nil, func(any) { atomic.AddInt32(&timedOut, 1) }, "test")))
	results := make(chan any, 1)
	require.NoError(t, q.Enqueue(queue.NewRequest("start", nil, func(v any) {
		atomic.AddInt32(&succeeded, 1)
		results <- v
	}, "test")))
	startWorker(t, w)

	select {
	case v := <-results:
		assert.Equal(t, true, v)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&timedOut))
	assert.Equal(t, int32(1), atomic.LoadInt32(&succeeded))
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("worker.failed", reg).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("worker.executed", reg).Count())
}

func TestBadCommandDoesNotStopLoop(t *testing.T) {
	tr := &fakeTransport{}
	w, q := newTestWorker(tr, nil)
	startWorker(t, w)

	done := make(chan struct{})
	require.NoError(t, q.Enqueue(queue.NewRequest("prime", nil, nil, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("set_flowrate", "fast", nil, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("start", nil, func(any) { panic("boom") }, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("stop", nil, func(any) { close(done) }, "test")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after a bad command")
	}
	assert.Equal(t, []string{"1H\r", "1I\r"}, tr.Writes())
}

func TestLocalHandler(t *testing.T) {
	tr := &fakeTransport{reply: func(string) (string, error) { return "00944", nil }}
	w, q := newTestWorker(tr, nil)

	require.NoError(t, w.Handle("config_name", func(_ context.Context, _ Exchanger, params any) (any, error) {
		return params, nil
	}))
	require.NoError(t, w.Handle("double_read", func(ctx context.Context, x Exchanger, _ any) (any, error) {
		a, err := x.Exchange(ctx, "get_flowrate", nil)
		if err != nil {
			return nil, err
		}
		b, err := x.Exchange(ctx, "get_flowrate", nil)
		if err != nil {
			return nil, err
		}
		return a.(float64) + b.(float64), nil
	}))
	require.NoError(t, w.Handle("explode", func(context.Context, Exchanger, any) (any, error) {
		panic("handler bug")
	}))
	assert.True(t, w.Supports("config_name"))
	assert.True(t, w.Supports("start"))
	assert.False(t, w.Supports("prime"))

	err := w.Handle("start", func(context.Context, Exchanger, any) (any, error) { return nil, nil })
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfiguration))

	results := make(chan any, 2)
	cb := func(v any) { results <- v }
	require.NoError(t, q.Enqueue(queue.NewRequest("config_name", "reglo-1", cb, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("explode", nil, cb, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("double_read", nil, cb, "test")))
	startWorker(t, w)

	assert.Equal(t, "reglo-1", <-results)
	assert.Equal(t, 1888.0, <-results)
	assert.Equal(t, []string{"1S\r", "1S\r"}, tr.Writes())
}

func TestPortLostEndsRun(t *testing.T) {
	tr := &fakeTransport{writeErr: bridgeerr.Transport("write fake", bridgeerr.ErrPortLost)}
	w, q := newTestWorker(tr, nil)
	require.NoError(t, q.Enqueue(queue.NewRequest("start", nil, nil, "test")))
	require.NoError(t, q.Enqueue(queue.NewRequest("stop", nil, nil, "test")))
	_, done := startWorker(t, w)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, bridgeerr.ErrPortLost))
	case <-time.After(time.Second):
		t.Fatal("worker kept running after port loss")
	}
	// 未执行的请求留在队列里，交给重建后的 Worker
	assert.Equal(t, 1, q.Len())
}

func TestInitWritesCodecFrames(t *testing.T) {
	tr := &fakeTransport{}
	w, _ := newTestWorker(tr, nil)
	require.NoError(t, w.Init(context.Background()))
	assert.Equal(t, []string{"@1\r", "1M\r"}, tr.Writes())
}
