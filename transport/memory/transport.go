// Package memory 内存传输实现
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"kvchan/errors"
	"kvchan/pubsub"
)

// errUnavailable 代理不可达
func errUnavailable() error {
	return errors.NewError(errors.ErrCodeTransportUnavailable, "memory broker is unavailable")
}

// Transport 连接到内存代理的传输实现
//
// 每个 Transport 对应代理上的一条独立连接，多个客户端
// 共享同一个 Broker 即可互相收发消息。
//
// 使用场景:
//   - 单元与集成测试
//   - 本地开发环境
type Transport struct {
	broker *Broker
	id     string

	mu      sync.Mutex
	running bool

	// ackDelay 订阅/退订的人为确认延迟，测试超时路径用
	ackDelay time.Duration
}

// NewTransport 创建连接到指定代理的传输实例
func NewTransport(broker *Broker) *Transport {
	return &Transport{
		broker: broker,
		id:     uuid.NewString(),
	}
}

// SetAckDelay 设置订阅确认的人为延迟，仅测试使用
func (t *Transport) SetAckDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackDelay = d
}

// Start 向代理登记连接
func (t *Transport) Start(_ context.Context, sink pubsub.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if err := t.broker.attach(t.id, sink); err != nil {
		return err
	}
	t.running = true
	return nil
}

// Subscribe 在代理上登记订阅
func (t *Transport) Subscribe(ctx context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if err := t.waitAck(ctx); err != nil {
		return err
	}
	return t.broker.subscribe(t.id, address)
}

// Unsubscribe 在代理上移除订阅
func (t *Transport) Unsubscribe(ctx context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if err := t.waitAck(ctx); err != nil {
		return err
	}
	return t.broker.unsubscribe(t.id, address)
}

// Publish 发布普通消息
func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	return t.broker.publish(channel, payload)
}

// ShardedPublish 发布分片消息
func (t *Transport) ShardedPublish(_ context.Context, channel string, payload []byte) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	return t.broker.shardedPublish(channel, payload)
}

// Stats 连接统计信息
func (t *Transport) Stats() pubsub.TransportStats {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	if !running {
		return pubsub.TransportStats{Reconnects: t.broker.Reconnects()}
	}
	return t.broker.stats(t.id)
}

// Close 断开连接
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false
	t.broker.detach(t.id)
	return nil
}

// checkRunning 未启动或已关闭的连接拒绝请求
func (t *Transport) checkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errUnavailable()
	}
	return nil
}

// waitAck 模拟服务端确认延迟，等待期间遵循 ctx
func (t *Transport) waitAck(ctx context.Context) error {
	t.mu.Lock()
	d := t.ackDelay
	t.mu.Unlock()

	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
