// Package pubsub 消息封皮定义
package pubsub

// PushKind 入站推送的类型
type PushKind int

const (
	// KindMessage 精确通道投递
	KindMessage PushKind = iota

	// KindPatternMessage 模式订阅投递，携带命中的模式串
	KindPatternMessage

	// KindShardedMessage 分片通道投递（仅集群）
	KindShardedMessage

	// KindDisconnection 传输层断连通知，仅记录日志不投递
	KindDisconnection
)

// String 返回推送类型名称
func (k PushKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindPatternMessage:
		return "pmessage"
	case KindShardedMessage:
		return "smessage"
	case KindDisconnection:
		return "disconnection"
	default:
		return "unknown"
	}
}

// Push 传输层上送的原始推送
// 一次服务端投递对应一个 Push；Pattern 仅在模式投递时非空
type Push struct {
	Kind    PushKind
	Channel string
	Pattern string
	Payload []byte
}

// Message 投递给消费者的消息封皮
//
// 不变式：Pattern 非空时必然 glob 匹配 Channel。
// 每个消费者收到的是独立副本，修改 Payload 不影响其他消费者
type Message struct {
	// Channel 消息实际发布到的具体通道名
	Channel string

	// Payload 二进制安全的消息内容
	Payload []byte

	// Pattern 经由模式订阅投递时为命中的模式串，否则为空
	Pattern string
}

// envelope 基于推送构造一份消费者独立持有的消息副本
func envelope(channel string, payload []byte, pattern string) Message {
	var dup []byte
	if payload != nil {
		dup = make([]byte, len(payload))
		copy(dup, payload)
	}
	return Message{
		Channel: channel,
		Payload: dup,
		Pattern: pattern,
	}
}
