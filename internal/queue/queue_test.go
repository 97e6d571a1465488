package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	q := New()
	for i := 0; i < 200; i++ {
		require.NoError(t, q.Enqueue(NewRequest(fmt.Sprint(i), i, nil, "test")))
	}
	assert.Equal(t, 200, q.Len())

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		r, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, r.Params)
		assert.False(t, r.CreatedAt.IsZero())
	}
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueLeavesRequestUntouched(t *testing.T) {
	q := New()
	r := NewRequest("start", nil, nil, "test")
	want := *r

	require.NoError(t, q.Enqueue(r))
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.Source, got.Source)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan *Request, 1)
	go func() {
		r, err := q.Dequeue(context.Background())
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(NewRequest("start", nil, nil, "test")))
	select {
	case r := <-got:
		assert.Equal(t, "start", r.Command)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(NewRequest("a", nil, nil, "test")))
	q.Close()
	assert.ErrorIs(t, q.Enqueue(NewRequest("b", nil, nil, "test")), ErrClosed)

	r, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", r.Command)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// 多个生产者并发入队：每个生产者自己的请求保持提交顺序，且一条不丢
func TestPerProducerOrderUnderConcurrency(t *testing.T) {
	const producers, perProducer = 8, 500
	q := New()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(NewRequest("cmd", i, nil, fmt.Sprint(p)))
			}
		}(p)
	}

	last := make(map[string]int)
	ctx := context.Background()
	for n := 0; n < producers*perProducer; n++ {
		r, err := q.Dequeue(ctx)
		require.NoError(t, err)
		seq := r.Params.(int)
		if prev, ok := last[r.Source]; ok {
			require.Greater(t, seq, prev, "producer %s reordered", r.Source)
		}
		last[r.Source] = seq
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
	assert.Len(t, last, producers)
}
