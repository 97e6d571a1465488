// Package queue 仪器命令请求队列：无界、FIFO、多生产者单消费者。
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed 队列已关闭且已取空
var ErrClosed = errors.New("request queue closed")

// Callback 命令成功后以解码结果调用一次
type Callback func(result any)

// Request 一条待执行的命令，创建后不再修改，只被消费一次
type Request struct {
	ID        uuid.UUID
	Command   string
	Params    any // nil 表示无参数
	Callback  Callback
	Source    string // 生产者标识：opcua / mqtt / nats / edgex / poll ...
	CreatedAt time.Time
}

// NewRequest 生成带 ID 的请求
func NewRequest(command string, params any, cb Callback, source string) *Request {
	return &Request{
		ID:        uuid.New(),
		Command:   command,
		Params:    params,
		Callback:  cb,
		Source:    source,
		CreatedAt: time.Now(),
	}
}

// Queue 无界 FIFO 队列。Enqueue 永不阻塞、永不丢弃。
type Queue struct {
	mu     sync.Mutex
	items  []*Request
	head   int
	closed bool
	wake   chan struct{}
}

func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue 追加到队尾；队列关闭后返回 ErrClosed
func (q *Queue) Enqueue(r *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.wakeup()
	return nil
}

// Dequeue 阻塞直到取到一条请求、ctx 结束或队列关闭且为空
func (q *Queue) Dequeue(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			r := q.items[q.head]
			q.items[q.head] = nil
			q.head++
			q.compact()
			q.mu.Unlock()
			return r, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len 当前排队数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close 拒绝后续入队；已排队的请求仍可取出
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wakeup()
}

// compact 已消费部分过半时搬移，避免底层数组无限增长（需持锁）
func (q *Queue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *Queue) wakeup() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
