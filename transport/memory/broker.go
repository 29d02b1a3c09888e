// Package memory 提供基于内存消息代理的传输实现
// 适用于开发环境和测试场景，完整模拟服务端的三类通道路由
package memory

import (
	"sync"

	"kvchan/pubsub"
)

// connection 代理侧记录的单个客户端连接
// exact/patterns/sharded 是服务端视角的订阅状态，
// 连接被杀掉时整体清空，模拟断线后服务端状态丢失
type connection struct {
	id       string
	sink     pubsub.EventSink
	exact    map[string]struct{}
	patterns map[string]struct{}
	sharded  map[string]struct{}
}

func newConnection(id string, sink pubsub.EventSink) *connection {
	return &connection{
		id:       id,
		sink:     sink,
		exact:    make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		sharded:  make(map[string]struct{}),
	}
}

// bucket 按模式取对应的订阅集合
func (c *connection) bucket(mode pubsub.ChannelMode) map[string]struct{} {
	switch mode {
	case pubsub.PatternChannel:
		return c.patterns
	case pubsub.ShardedChannel:
		return c.sharded
	default:
		return c.exact
	}
}

// channels 当前连接订阅的全部通道/模式名
func (c *connection) channels() []string {
	out := make([]string, 0, len(c.exact)+len(c.patterns)+len(c.sharded))
	for v := range c.exact {
		out = append(out, v)
	}
	for v := range c.patterns {
		out = append(out, v)
	}
	for v := range c.sharded {
		out = append(out, v)
	}
	return out
}

// Broker 内存消息代理
//
// 模拟服务端行为:
//   - 精确订阅收到 message 推送
//   - 模式订阅收到携带模式串的 pmessage 推送
//   - 分片订阅收到 smessage 推送
//   - 同一通道名同时命中精确与模式订阅时发出两条独立推送
//
// 测试钩子:
//   - SetOffline 使后续请求返回传输不可用
//   - KillConnections 清空服务端订阅状态并触发重连事件
type Broker struct {
	mu         sync.Mutex
	conns      map[string]*connection
	offline    bool
	reconnects int
}

// NewBroker 创建空代理
func NewBroker() *Broker {
	return &Broker{conns: make(map[string]*connection)}
}

// SetOffline 切换代理可用性，测试传输故障路径
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// KillConnections 模拟服务端故障切换
//
// 清空所有连接在服务端的订阅状态，随后对每个连接发出重连事件。
// 客户端的重订阅协调器应在事件后回放注册表恢复状态
func (b *Broker) KillConnections() {
	b.mu.Lock()
	sinks := make([]pubsub.EventSink, 0, len(b.conns))
	for _, conn := range b.conns {
		conn.exact = make(map[string]struct{})
		conn.patterns = make(map[string]struct{})
		conn.sharded = make(map[string]struct{})
		sinks = append(sinks, conn.sink)
	}
	b.reconnects++
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.OnReconnected()
	}
}

// Reconnects 故障切换次数
func (b *Broker) Reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

// attach 登记一个新连接
func (b *Broker) attach(id string, sink pubsub.EventSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errUnavailable()
	}
	b.conns[id] = newConnection(id, sink)
	return nil
}

// detach 移除连接
func (b *Broker) detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

// subscribe 登记服务端订阅状态
func (b *Broker) subscribe(id string, address pubsub.ChannelAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errUnavailable()
	}
	conn, ok := b.conns[id]
	if !ok {
		return errUnavailable()
	}
	conn.bucket(address.Mode)[address.Value] = struct{}{}
	return nil
}

// unsubscribe 移除服务端订阅状态
func (b *Broker) unsubscribe(id string, address pubsub.ChannelAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errUnavailable()
	}
	conn, ok := b.conns[id]
	if !ok {
		return errUnavailable()
	}
	delete(conn.bucket(address.Mode), address.Value)
	return nil
}

// publish 路由一条普通消息
// 精确命中与模式命中各自发出独立推送，与服务端语义一致
func (b *Broker) publish(channel string, payload []byte) error {
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return errUnavailable()
	}

	type target struct {
		sink pubsub.EventSink
		push pubsub.Push
	}
	var targets []target
	for _, conn := range b.conns {
		if _, ok := conn.exact[channel]; ok {
			targets = append(targets, target{conn.sink, pubsub.Push{
				Kind: pubsub.KindMessage, Channel: channel, Payload: payload,
			}})
		}
		for pattern := range conn.patterns {
			if pubsub.GlobMatch(pattern, channel) {
				targets = append(targets, target{conn.sink, pubsub.Push{
					Kind: pubsub.KindPatternMessage, Channel: channel, Pattern: pattern, Payload: payload,
				}})
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.sink.OnMessage(t.push)
	}
	return nil
}

// shardedPublish 路由一条分片消息
func (b *Broker) shardedPublish(channel string, payload []byte) error {
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return errUnavailable()
	}

	var sinks []pubsub.EventSink
	for _, conn := range b.conns {
		if _, ok := conn.sharded[channel]; ok {
			sinks = append(sinks, conn.sink)
		}
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.OnMessage(pubsub.Push{Kind: pubsub.KindShardedMessage, Channel: channel, Payload: payload})
	}
	return nil
}

// stats 连接视角的统计
func (b *Broker) stats(id string) pubsub.TransportStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ok := b.conns[id]
	if !ok {
		return pubsub.TransportStats{Reconnects: b.reconnects}
	}
	channels := conn.channels()
	return pubsub.TransportStats{
		Running:       true,
		Subscriptions: len(channels),
		Channels:      channels,
		Reconnects:    b.reconnects,
	}
}
