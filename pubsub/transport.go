// Package pubsub 传输层抽象
// 连接建立、协议编解码、集群路由均由具体传输实现负责
package pubsub

import (
	"context"
	"time"
)

// SubscribeOptions 订阅/退订的执行选项
type SubscribeOptions struct {
	// WaitForAck 为 true 时等待服务端确认后才返回
	WaitForAck bool

	// Timeout 等待确认的上限，零值表示使用客户端默认值
	Timeout time.Duration
}

// EventSink 传输层向引擎上送事件的回调集合
//
// 实现方（引擎）保证两个回调都不阻塞传输层的收包路径
type EventSink interface {
	// OnMessage 每收到一条入站推送调用一次
	OnMessage(push Push)

	// OnReconnected 连接重建完成后调用，触发重订阅
	OnReconnected()
}

// Transport 订阅引擎依赖的传输接口
//
// 实现要求：
//   - Subscribe/Unsubscribe 幂等，重复订阅同一地址不产生副作用
//   - WaitForAck 为 false 时尽快返回，不等待服务端确认
//   - 连接断开期间返回 TRANSPORT_UNAVAILABLE 错误码
type Transport interface {
	// Start 建立连接并绑定事件回调
	Start(ctx context.Context, sink EventSink) error

	// Subscribe 在服务端登记订阅
	Subscribe(ctx context.Context, address ChannelAddress, opts SubscribeOptions) error

	// Unsubscribe 在服务端撤销订阅
	Unsubscribe(ctx context.Context, address ChannelAddress, opts SubscribeOptions) error

	// Publish 向精确通道发布消息
	Publish(ctx context.Context, channel string, payload []byte) error

	// ShardedPublish 向分片通道发布消息（仅集群）
	ShardedPublish(ctx context.Context, channel string, payload []byte) error

	// Stats 返回传输层统计信息
	Stats() TransportStats

	// Close 断开连接并释放资源
	Close() error
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running       bool     `json:"running"`
	Subscriptions int      `json:"subscriptions"`
	Channels      []string `json:"channels,omitempty"`
	Reconnects    int      `json:"reconnects,omitempty"`
}
