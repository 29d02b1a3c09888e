// Package pubsub 消息分发实现
package pubsub

import (
	"context"
	"sync"

	"kvchan/logging"
)

// dispatcher 投递分发器
//
// 单 worker 协程消费无界入站缓冲，保证同一入站流
// 对每个消费者的观察顺序与传输层投递顺序一致。
// OnMessage 仅做入队，绝不阻塞传输层收包路径
type dispatcher struct {
	registry *Registry
	queue    func() *MessageQueue
	logger   logging.Logger

	mu      sync.Mutex
	pending []Push

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	ctx context.Context
}

// newDispatcher 创建分发器
// queue 为惰性取队列的函数：仅队列模式的客户端持有队列
func newDispatcher(registry *Registry, queue func() *MessageQueue, logger logging.Logger) *dispatcher {
	return &dispatcher{
		registry: registry,
		queue:    queue,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// start 启动 worker 协程
func (d *dispatcher) start(ctx context.Context) {
	d.ctx = ctx
	go d.run()
}

// OnMessage 实现 EventSink，由传输层的收包协程调用
func (d *dispatcher) OnMessage(push Push) {
	d.mu.Lock()
	d.pending = append(d.pending, push)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// stop 通知 worker 退出
// 返回的通道在 worker 处理完缓冲并退出后关闭
func (d *dispatcher) stop() <-chan struct{} {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	return d.stopped
}

// run worker 主循环
func (d *dispatcher) run() {
	defer close(d.stopped)

	for {
		select {
		case <-d.done:
			// 退出前清空已到达的缓冲
			d.drain()
			return
		case <-d.notify:
			d.drain()
		}
	}
}

// drain 批量取出缓冲并逐条分发
func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, push := range batch {
			d.dispatch(push)
		}
	}
}

// dispatch 分发一条推送
//
// 每个命中注册项的处理器独立投递一次：同一通道同时命中精确订阅和
// 模式订阅时产生两次投递，各自携带对应的 Pattern 值。
// 队列入队以推送为单位：一条推送最多入队一次，即使多个命中的
// 注册项都声明了队列消费
func (d *dispatcher) dispatch(push Push) {
	if push.Kind == KindDisconnection {
		d.logger.Info(d.ctx, "pubsub disconnection notice received")
		return
	}

	deliveries := d.registry.Match(push.Kind, push.Channel, push.Pattern)
	if len(deliveries) == 0 {
		d.logger.Debug(d.ctx, "inbound message without matching subscription",
			logging.String("kind", push.Kind.String()),
			logging.String("channel", push.Channel),
			logging.Bytes("payload", push.Payload))
		return
	}

	enqueued := false
	for _, delivery := range deliveries {
		for _, handler := range delivery.Handlers {
			d.invoke(handler, envelope(push.Channel, push.Payload, delivery.Pattern))
		}
		if delivery.HasQueue && !enqueued {
			if q := d.queue(); q != nil {
				q.push(envelope(push.Channel, push.Payload, delivery.Pattern))
				enqueued = true
			}
		}
	}
}

// invoke 调用单个处理器并隔离其失败
// 处理器 panic 或返回错误都只记录日志，不影响其他处理器与后续消息
func (d *dispatcher) invoke(handler MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(d.ctx, "message handler panicked",
				logging.String("channel", msg.Channel),
				logging.Any("panic", r))
		}
	}()

	if err := handler.Handle(d.ctx, msg); err != nil {
		d.logger.Warn(d.ctx, "message handler failed",
			logging.String("channel", msg.Channel),
			logging.Error(err))
	}
}
