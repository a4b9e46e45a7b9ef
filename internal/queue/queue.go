// Package queue implements the hand-off FIFO between the bulk handler and the consumer.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrEmpty 는 poll timeout 동안 아무 항목도 오지 않았다는 신호.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed 는 Close 이후 남은 항목까지 모두 꺼냈다는 신호.
	ErrClosed = errors.New("queue: closed")
)

// Queue
//
// 크기 제한이 없는 FIFO. producer 1 (HTTP handler) / consumer 1 (worker) 를 가정한다.
//   - Put 은 절대 block 하지 않는다 (메모리가 유일한 한계)
//   - Get 은 항목이 생기거나 poll timeout 이 지날 때까지 block 한다
//   - Len 은 관측용. 제어 판단에 쓰지 않는다
//
// 프로세스 재시작 시 내용은 사라진다 (영속화 없음).
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	head   int
	closed bool

	notify chan struct{}
	size   atomic.Int64
}

func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Put 은 item 을 꼬리에 붙인다. Close 이후에는 false 를 반환하고 버린다.
func (q *Queue) Put(item []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.size.Add(1)
	q.mu.Unlock()

	// consumer 깨우기 (이미 신호가 있으면 skip)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Get
//
// 맨 앞 항목을 꺼낸다.
//   - timeout 안에 항목이 없으면 ErrEmpty
//   - Close 되었고 비어 있으면 ErrClosed
//   - ctx 취소 시 ctx.Err()
func (q *Queue) Get(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok, closed := q.pop(); ok {
			return item, nil
		} else if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			// 다시 pop 시도
		case <-timer.C:
			return nil, ErrEmpty
		}
	}
}

func (q *Queue) pop() (item []byte, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil, false, q.closed
	}

	item = q.items[q.head]
	q.items[q.head] = nil
	q.head++
	q.size.Add(-1)

	// 앞쪽 절반 이상이 소비되었으면 slice 를 당겨서 메모리 회수
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true, false
}

// Len 은 현재 대기 중인 항목 수 (non-blocking).
func (q *Queue) Len() int {
	return int(q.size.Load())
}

// Clear 는 남아있는 항목을 모두 버리고 버린 개수를 반환한다.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	q.size.Store(0)
	return n
}

// Close 이후 Put 은 거부되고, Get 은 남은 항목을 다 꺼낸 뒤 ErrClosed 를 반환한다.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
