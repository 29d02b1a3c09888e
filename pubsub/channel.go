// Package pubsub 实现键值存储客户端的发布订阅引擎
// 包含订阅注册表、消息分发、轮询队列与断线重订阅
package pubsub

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"kvchan/errors"
)

// ChannelMode 订阅通道的匹配模式
type ChannelMode int

const (
	// ExactChannel 精确匹配：通道名逐字节相等才投递
	ExactChannel ChannelMode = iota

	// PatternChannel 模式匹配：通道名满足 glob 模式即投递
	PatternChannel

	// ShardedChannel 分片通道：仅集群拓扑下有效，按分片路由
	ShardedChannel
)

// channelModeCount 模式数量，注册表按模式分区时使用
const channelModeCount = 3

// String 返回模式名称
func (m ChannelMode) String() string {
	switch m {
	case ExactChannel:
		return "exact"
	case PatternChannel:
		return "pattern"
	case ShardedChannel:
		return "sharded"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MarshalYAML 实现 yaml 序列化
func (m ChannelMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML 实现 yaml 反序列化
func (m *ChannelMode) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch raw {
	case "exact", "":
		*m = ExactChannel
	case "pattern":
		*m = PatternChannel
	case "sharded":
		*m = ShardedChannel
	default:
		return errors.NewError(errors.ErrCodeInvalidInput, "unknown channel mode: "+raw)
	}
	return nil
}

// ChannelAddress 订阅目标的值类型
//
// 相等性按 (Mode, Value) 定义：
//   - Exact/Sharded: 字面通道名相等
//   - Pattern: 模式串相等（注册表查找用），路由时按 glob 语义匹配具体通道名
type ChannelAddress struct {
	Mode  ChannelMode
	Value string
}

// Exact 构造精确匹配地址
func Exact(channel string) ChannelAddress {
	return ChannelAddress{Mode: ExactChannel, Value: channel}
}

// Pattern 构造模式匹配地址
func Pattern(pattern string) ChannelAddress {
	return ChannelAddress{Mode: PatternChannel, Value: pattern}
}

// Sharded 构造分片通道地址
func Sharded(channel string) ChannelAddress {
	return ChannelAddress{Mode: ShardedChannel, Value: channel}
}

// Validate 校验地址合法性
func (a ChannelAddress) Validate() error {
	if a.Value == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, "channel address value is empty")
	}
	if a.Mode < ExactChannel || a.Mode > ShardedChannel {
		return errors.NewError(errors.ErrCodeInvalidInput, "invalid channel mode")
	}
	return nil
}

// Matches 判断具体通道名是否命中该地址
func (a ChannelAddress) Matches(channel string) bool {
	if a.Mode == PatternChannel {
		return GlobMatch(a.Value, channel)
	}
	return a.Value == channel
}

// String 返回 "mode:value" 形式，用于日志
func (a ChannelAddress) String() string {
	return a.Mode.String() + ":" + a.Value
}

// GlobMatch 按服务端 glob 语义匹配
//
// 支持的元字符：
//   - '*'  匹配任意长度（含空）的任意字符
//   - '?'  匹配任意单个字符
//   - '[...]' 字符类，支持区间（a-z）与取反（[^...]）
//   - '\\' 转义下一个字符
//
// 与 path.Match 不同：'*' 不受分隔符限制，非法模式不报错而是按字面匹配失败
func GlobMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// 折叠连续的 '*'
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if GlobMatch(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			ok, rest := matchClass(pattern, s[0])
			if !ok {
				return false
			}
			pattern, s = rest, s[1:]
		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

// matchClass 匹配字符类，pattern 以 '[' 开头
// 返回是否命中以及类结束后的剩余模式
func matchClass(pattern string, c byte) (bool, string) {
	i := 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			i++
			if pattern[i] == c {
				matched = true
			}
			i++
			continue
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			lo, hi := pattern[i], pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if pattern[i] == c {
			matched = true
		}
		i++
	}
	if i < len(pattern) {
		i++ // 跳过 ']'
	}
	if negate {
		matched = !matched
	}
	return matched, pattern[i:]
}
