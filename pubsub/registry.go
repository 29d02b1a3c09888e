// Package pubsub 订阅注册表实现
package pubsub

import (
	"sort"
	"sync"
)

// registryEntry 单个订阅地址下的消费者集合
type registryEntry struct {
	address  ChannelAddress
	handlers []MessageHandler
	hasQueue bool
}

// empty 判断条目是否已无任何消费者
func (e *registryEntry) empty() bool {
	return len(e.handlers) == 0 && !e.hasQueue
}

// Registry 订阅注册表
//
// 记录调用方声明的订阅意图，按模式分区存储。
// 服务端实际状态可能在重连期间短暂落后，重订阅协调器负责收敛。
// 所有方法并发安全
type Registry struct {
	mu      sync.RWMutex
	entries [channelModeCount]map[string]*registryEntry
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.entries {
		r.entries[i] = make(map[string]*registryEntry)
	}
	return r
}

// Add 登记一个消费者
//
// handler 为 nil 时登记为队列消费（置 hasQueue 标志）。
// 幂等：重复登记同一处理器（按标识比较）是空操作
//
// 参数:
//   - address: 订阅地址
//   - handler: 处理器，nil 表示队列消费
//
// 返回:
//   - bool: 条目是否为新建（首次订阅该地址）
func (r *Registry) Add(address ChannelAddress, handler MessageHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.entries[address.Mode]
	entry, ok := bucket[address.Value]
	if !ok {
		entry = &registryEntry{address: address}
		bucket[address.Value] = entry
	}

	if handler == nil {
		entry.hasQueue = true
		return !ok
	}

	for _, h := range entry.handlers {
		if sameHandler(h, handler) {
			return !ok
		}
	}
	entry.handlers = append(entry.handlers, handler)
	return !ok
}

// Remove 移除消费者
//
// handler 为 nil 时移除该地址下的全部处理器与队列标志（完全退订）。
// 移除不存在的消费者是空操作
//
// 返回:
//   - bool: 条目是否因此被整体移除（服务端也应退订时为 true）
func (r *Registry) Remove(address ChannelAddress, handler MessageHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.entries[address.Mode]
	entry, ok := bucket[address.Value]
	if !ok {
		return false
	}

	if handler == nil {
		delete(bucket, address.Value)
		return true
	}

	for i, h := range entry.handlers {
		if sameHandler(h, handler) {
			entry.handlers = append(entry.handlers[:i], entry.handlers[i+1:]...)
			break
		}
	}

	if entry.empty() {
		delete(bucket, address.Value)
		return true
	}
	return false
}

// RemoveAll 清空所有条目
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		r.entries[i] = make(map[string]*registryEntry)
	}
}

// Len 当前条目总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for i := range r.entries {
		n += len(r.entries[i])
	}
	return n
}

// Snapshot 注册表的不可变视图，按模式分区
type Snapshot struct {
	Exact   []string
	Pattern []string
	Sharded []string
}

// Addresses 展开为地址列表，重订阅回放使用
func (s Snapshot) Addresses() []ChannelAddress {
	out := make([]ChannelAddress, 0, len(s.Exact)+len(s.Pattern)+len(s.Sharded))
	for _, v := range s.Exact {
		out = append(out, Exact(v))
	}
	for _, v := range s.Pattern {
		out = append(out, Pattern(v))
	}
	for _, v := range s.Sharded {
		out = append(out, Sharded(v))
	}
	return out
}

// Total 快照内地址总数
func (s Snapshot) Total() int {
	return len(s.Exact) + len(s.Pattern) + len(s.Sharded)
}

// Snapshot 获取当前时间点的一致性快照
// 各分区内按字典序排列，便于断言与日志
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Exact:   make([]string, 0, len(r.entries[ExactChannel])),
		Pattern: make([]string, 0, len(r.entries[PatternChannel])),
		Sharded: make([]string, 0, len(r.entries[ShardedChannel])),
	}
	for v := range r.entries[ExactChannel] {
		snap.Exact = append(snap.Exact, v)
	}
	for v := range r.entries[PatternChannel] {
		snap.Pattern = append(snap.Pattern, v)
	}
	for v := range r.entries[ShardedChannel] {
		snap.Sharded = append(snap.Sharded, v)
	}
	sort.Strings(snap.Exact)
	sort.Strings(snap.Pattern)
	sort.Strings(snap.Sharded)
	return snap
}

// Delivery 一次匹配命中的投递目标
// 每个命中的注册项对应一个 Delivery，互相独立
type Delivery struct {
	Address  ChannelAddress
	Handlers []MessageHandler
	HasQueue bool

	// Pattern 经模式订阅命中时为模式串，否则为空
	Pattern string
}

// Match 解析一条入站推送命中的注册项
//
// 匹配规则:
//   - message: 精确分区直接查找
//   - smessage: 分片分区直接查找
//   - pmessage: 若传输层标注了模式串则按模式串查找，
//     否则线性扫描全部模式做 glob 匹配，命中项按模式串字典序返回
//
// 返回的处理器切片为副本，可在锁外安全迭代
func (r *Registry) Match(kind PushKind, channel, pattern string) []Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch kind {
	case KindMessage:
		if entry, ok := r.entries[ExactChannel][channel]; ok {
			return []Delivery{deliveryOf(entry, "")}
		}
	case KindShardedMessage:
		if entry, ok := r.entries[ShardedChannel][channel]; ok {
			return []Delivery{deliveryOf(entry, "")}
		}
	case KindPatternMessage:
		if pattern != "" {
			if entry, ok := r.entries[PatternChannel][pattern]; ok && GlobMatch(pattern, channel) {
				return []Delivery{deliveryOf(entry, pattern)}
			}
			return nil
		}
		var matched []string
		for value := range r.entries[PatternChannel] {
			if GlobMatch(value, channel) {
				matched = append(matched, value)
			}
		}
		// 字典序保证多模式命中时的投递顺序与队列封包的模式串稳定
		sort.Strings(matched)
		out := make([]Delivery, 0, len(matched))
		for _, value := range matched {
			out = append(out, deliveryOf(r.entries[PatternChannel][value], value))
		}
		return out
	}
	return nil
}

// deliveryOf 基于条目构造投递目标，处理器切片拷贝后返回
func deliveryOf(entry *registryEntry, pattern string) Delivery {
	handlers := make([]MessageHandler, len(entry.handlers))
	copy(handlers, entry.handlers)
	return Delivery{
		Address:  entry.address,
		Handlers: handlers,
		HasQueue: entry.hasQueue,
		Pattern:  pattern,
	}
}
