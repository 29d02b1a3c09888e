// Package pubsub 队列模式的消息缓冲实现
package pubsub

import (
	"context"
	"sync"

	"kvchan/errors"
)

// MessageQueue 客户端级别的无界 FIFO 消息队列
//
// 队列模式下没有注册处理器的消息统一入队，由调用方轮询取出。
// 入队顺序即传输层投递顺序，不重排、不静默丢弃。
//
// 竞争消费语义：多个并发的 Receive/TryReceive 之间每条消息只被
// 取走一次（非广播）；有等待者时新消息直接交接给最早的等待者
type MessageQueue struct {
	mu      sync.Mutex
	items   []Message
	waiters []chan Message
	closed  bool
}

// newMessageQueue 创建空队列
func newMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// push 入队一条消息，永不阻塞
func (q *MessageQueue) push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	// 有阻塞等待者时直接交接，保持 FIFO
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- msg
		return
	}

	q.items = append(q.items, msg)
}

// TryReceive 非阻塞取出队首消息
//
// 返回:
//   - Message: 队首消息
//   - bool: 队列为空时为 false
func (q *MessageQueue) TryReceive() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Receive 阻塞取出队首消息
//
// 队列为空时挂起当前调用方，直到有消息到达或 ctx 取消。
// 只挂起调用方本身，不影响同一客户端上的其他并发操作
//
// 返回:
//   - CANCELLED: ctx 在消息到达前被取消
//   - CLOSED: 队列已关闭且无剩余消息
func (q *MessageQueue) Receive(ctx context.Context) (Message, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		msg := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return msg, nil
	}
	if q.closed {
		q.mu.Unlock()
		return Message{}, errors.NewError(errors.ErrCodeClosed, "message queue is closed")
	}

	// 缓冲为 1 的交接通道，push 在持锁状态下写入不会阻塞
	w := make(chan Message, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case msg, ok := <-w:
		if !ok {
			return Message{}, errors.NewError(errors.ErrCodeClosed, "message queue is closed")
		}
		return msg, nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, waiter := range q.waiters {
			if waiter == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		// 取消与交接竞态：消息已写入交接通道时不能丢失。
		// 还有其他等待者时必须直接转交，否则消息滞留队列而等待者
		// 永远不会被唤醒；没有等待者时放回队首保持 FIFO
		select {
		case msg, ok := <-w:
			if ok {
				if len(q.waiters) > 0 {
					next := q.waiters[0]
					q.waiters = q.waiters[1:]
					next <- msg
				} else {
					q.items = append([]Message{msg}, q.items...)
				}
			}
		default:
		}
		q.mu.Unlock()
		return Message{}, errors.WrapError(ctx.Err(), errors.ErrCodeCancelled, "queue receive cancelled")
	}
}

// Len 当前队列长度
// 并发修改下读到的值仅供参考，但不会低估本线程已提交的入队
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close 关闭队列并唤醒所有等待者
// 已入队的消息仍可通过 TryReceive/Receive 取出
func (q *MessageQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}
