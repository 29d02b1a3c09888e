// Package pubsub 客户端门面
package pubsub

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"kvchan/errors"
	"kvchan/logging"
)

// deliveryMode 客户端的消费模式
// 首次订阅（或构造期配置）固定模式，此后不可切换
type deliveryMode int32

const (
	modeUnset deliveryMode = iota
	modeHandler
	modeQueue
)

// Client 发布订阅客户端
//
// 每个实例独占自己的注册表与消息队列，实例之间互不共享状态。
// 消费模式二选一：回调投递或队列轮询，由首次订阅固定
type Client struct {
	cfg       Config
	transport Transport
	logger    logging.Logger

	registry   *Registry
	dispatcher *dispatcher
	resub      *resubscriber

	// queue 懒创建，仅队列模式持有
	queue atomic.Pointer[MessageQueue]

	mu     sync.Mutex
	mode   deliveryMode
	closed bool

	cancel context.CancelFunc
}

// clientSink 将传输层事件拆分给分发器与重订阅协调器
type clientSink struct {
	dispatcher   *dispatcher
	resubscriber *resubscriber
}

func (s clientSink) OnMessage(push Push) {
	s.dispatcher.OnMessage(push)
}

func (s clientSink) OnReconnected() {
	s.resubscriber.OnReconnected()
}

// NewClient 创建客户端
//
// 构造期声明的订阅以阻塞方式安装：全部得到服务端确认后才返回，
// 任何一个安装失败则整体回收并返回错误
func NewClient(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		registry:  NewRegistry(),
	}
	c.dispatcher = newDispatcher(c.registry, c.loadQueue,
		cfg.Logger.WithFields(logging.String("component", "pubsub.dispatcher")))
	c.resub = newResubscriber(c.registry, cfg.Transport,
		cfg.Logger.WithFields(logging.String("component", "pubsub.resubscribe")), cfg.Retry)

	// 构造期配置直接固定消费模式
	if len(cfg.Subscriptions) > 0 {
		if cfg.Subscriptions[0].Handler != nil {
			c.mode = modeHandler
		} else {
			c.mode = modeQueue
			c.queue.Store(newMessageQueue())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.dispatcher.start(ctx)
	c.resub.start(ctx)

	sink := clientSink{dispatcher: c.dispatcher, resubscriber: c.resub}
	if err := c.transport.Start(ctx, sink); err != nil {
		_ = c.Close()
		return nil, err
	}

	for _, sub := range cfg.Subscriptions {
		addr := sub.Address()
		c.registry.Add(addr, sub.Handler)
		if err := c.wireSubscribe(ctx, addr, SubscribeOptions{WaitForAck: true, Timeout: cfg.AckTimeout}); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

// Subscribe 惰性订阅：更新注册表并发出 wire 请求，不等待确认
//
// handler 为 nil 表示队列消费。wire 请求失败只记录日志，
// 注册表中的意图由下一次重连回放收敛
func (c *Client) Subscribe(ctx context.Context, address ChannelAddress, handler MessageHandler) error {
	return c.SubscribeWithOptions(ctx, address, handler, SubscribeOptions{})
}

// SubscribeWithOptions 订阅
//
// opts.WaitForAck 为 true 时等待服务端确认，超时返回 TIMEOUT；
// 注册表在等待前即已更新，超时不回滚意图
func (c *Client) SubscribeWithOptions(ctx context.Context, address ChannelAddress, handler MessageHandler, opts SubscribeOptions) error {
	if err := c.checkAddress(address); err != nil {
		return err
	}
	if err := c.fixMode(handler != nil); err != nil {
		return err
	}

	c.registry.Add(address, handler)
	return c.wireSubscribe(ctx, address, opts)
}

// SubscribeAll 批量订阅多个地址，共用同一个消费者
//
// 逐地址执行，遇到首个错误即返回；已成功的订阅保留
func (c *Client) SubscribeAll(ctx context.Context, addresses []ChannelAddress, handler MessageHandler, opts SubscribeOptions) error {
	for _, address := range addresses {
		if err := c.SubscribeWithOptions(ctx, address, handler, opts); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe 惰性退订
//
// handler 为 nil 时移除该地址下的全部消费者；
// 指定 handler 时仅移除该处理器，地址下仍有其他消费者则不发 wire 退订
func (c *Client) Unsubscribe(ctx context.Context, address ChannelAddress, handler MessageHandler) error {
	return c.UnsubscribeWithOptions(ctx, address, handler, SubscribeOptions{})
}

// UnsubscribeWithOptions 退订
func (c *Client) UnsubscribeWithOptions(ctx context.Context, address ChannelAddress, handler MessageHandler, opts SubscribeOptions) error {
	if err := c.checkAddress(address); err != nil {
		return err
	}

	removed := c.registry.Remove(address, handler)
	if !removed {
		return nil
	}
	return c.wireUnsubscribe(ctx, address, opts)
}

// UnsubscribeAll 退订一组地址（注册表与服务端状态）
//
// 不传地址时清空全部订阅。逐地址尽力而为，返回首个 wire 错误
func (c *Client) UnsubscribeAll(ctx context.Context, addresses ...ChannelAddress) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if len(addresses) == 0 {
		addresses = c.registry.Snapshot().Addresses()
	}

	var firstErr error
	for _, address := range addresses {
		c.registry.Remove(address, nil)
		if err := c.transport.Unsubscribe(ctx, address, SubscribeOptions{}); err != nil {
			c.logger.Warn(ctx, "wire unsubscribe failed",
				logging.String("address", address.String()),
				logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Subscriptions 当前注册表快照，按模式分区
func (c *Client) Subscriptions() Snapshot {
	return c.registry.Snapshot()
}

// Queue 获取队列句柄
//
// 仅队列模式可用；回调模式的客户端调用返回 INVALID_OPERATION。
// 模式尚未固定时此调用将客户端固定为队列模式
func (c *Client) Queue() (*MessageQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.NewError(errors.ErrCodeClosed, "client is closed")
	}
	if c.mode == modeHandler {
		return nil, errors.NewError(errors.ErrCodeInvalidOperation,
			"message queue is not available on a handler-mode client")
	}
	c.mode = modeQueue
	if q := c.queue.Load(); q != nil {
		return q, nil
	}
	q := newMessageQueue()
	c.queue.Store(q)
	return q, nil
}

// Publish 向精确通道发布消息
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.transport.Publish(ctx, channel, payload)
}

// ShardedPublish 向分片通道发布消息（仅集群）
func (c *Client) ShardedPublish(ctx context.Context, channel string, payload []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.cfg.ClusterMode {
		return errors.NewError(errors.ErrCodeInvalidInput, "sharded publish requires cluster mode")
	}
	return c.transport.ShardedPublish(ctx, channel, payload)
}

// State 重订阅协调器状态，供自省与测试
func (c *Client) State() SyncState {
	return c.resub.State()
}

// Stats 传输层统计信息
func (c *Client) Stats() TransportStats {
	return c.transport.Stats()
}

// Close 关闭客户端
//
// 停止传输层收包后等待分发协程排空在途消息，
// 超过 CloseTimeout 仍未排空则记录日志并继续回收
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()

	ctx := context.Background()
	if !c.waitStopped(c.dispatcher.stop()) {
		c.logger.Warn(ctx, "dispatcher did not drain within close timeout",
			logging.Duration("timeout", c.cfg.CloseTimeout))
	}

	// 协调器可能在退避等待中，先取消上下文再等待退出
	c.cancel()
	if !c.waitStopped(c.resub.stop()) {
		c.logger.Warn(ctx, "resubscriber did not stop within close timeout",
			logging.Duration("timeout", c.cfg.CloseTimeout))
	}

	if q := c.queue.Load(); q != nil {
		q.close()
	}
	return err
}

// waitStopped 在关闭超时内等待协程退出
func (c *Client) waitStopped(stopped <-chan struct{}) bool {
	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
		return true
	case <-timer.C:
		return false
	}
}

// loadQueue 分发器取队列的惰性入口
func (c *Client) loadQueue() *MessageQueue {
	return c.queue.Load()
}

// fixMode 固定消费模式，冲突返回 INVALID_MODE
func (c *Client) fixMode(wantHandler bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := modeQueue
	if wantHandler {
		want = modeHandler
	}

	switch c.mode {
	case modeUnset:
		c.mode = want
		if want == modeQueue && c.queue.Load() == nil {
			c.queue.Store(newMessageQueue())
		}
		return nil
	case want:
		return nil
	default:
		return errors.NewError(errors.ErrCodeInvalidMode,
			"client delivery mode is already fixed").
			WithContext("fixed", c.mode.String()).
			WithContext("requested", want.String())
	}
}

// checkAddress 公共入参校验
func (c *Client) checkAddress(address ChannelAddress) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := address.Validate(); err != nil {
		return err
	}
	if address.Mode == ShardedChannel && !c.cfg.ClusterMode {
		return errors.NewError(errors.ErrCodeInvalidInput,
			"sharded channels require cluster mode").WithContext("channel", address.Value)
	}
	return nil
}

// checkOpen 已关闭的客户端拒绝一切操作
func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewError(errors.ErrCodeClosed, "client is closed")
	}
	return nil
}

// wireSubscribe 发出 wire 订阅请求并映射错误
func (c *Client) wireSubscribe(ctx context.Context, address ChannelAddress, opts SubscribeOptions) error {
	err := c.withAckWindow(ctx, opts, func(ctx context.Context) error {
		return c.transport.Subscribe(ctx, address, opts)
	})
	if err == nil {
		return nil
	}
	if !opts.WaitForAck {
		// 惰性路径：注册表已记录意图，交给重连回放收敛
		c.logger.Warn(ctx, "lazy subscribe wire request failed",
			logging.String("address", address.String()),
			logging.Error(err))
		return nil
	}
	return err
}

// wireUnsubscribe 发出 wire 退订请求并映射错误
func (c *Client) wireUnsubscribe(ctx context.Context, address ChannelAddress, opts SubscribeOptions) error {
	err := c.withAckWindow(ctx, opts, func(ctx context.Context) error {
		return c.transport.Unsubscribe(ctx, address, opts)
	})
	if err == nil {
		return nil
	}
	if !opts.WaitForAck {
		c.logger.Warn(ctx, "lazy unsubscribe wire request failed",
			logging.String("address", address.String()),
			logging.Error(err))
		return nil
	}
	return err
}

// withAckWindow 阻塞变体套上确认超时窗口，超时映射为 TIMEOUT
func (c *Client) withAckWindow(ctx context.Context, opts SubscribeOptions, op func(ctx context.Context) error) error {
	if !opts.WaitForAck {
		return op(ctx)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}
	ackCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(ackCtx)
	if err != nil && stdErrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapError(err, errors.ErrCodeTimeout, "server acknowledgment timed out")
	}
	return err
}

// String 返回模式名称
func (m deliveryMode) String() string {
	switch m {
	case modeHandler:
		return "handler"
	case modeQueue:
		return "queue"
	default:
		return "unset"
	}
}
