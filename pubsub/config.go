// Package pubsub 客户端配置
package pubsub

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"kvchan/errors"
	"kvchan/logging"
	"kvchan/patterns/retry"
)

// SubscriptionConfig 构造期声明的单个订阅
//
// Handler 为 nil 表示该订阅走队列消费。
// 同一份配置内要么全部绑定处理器，要么全部不绑定，混用视为模式冲突
type SubscriptionConfig struct {
	Mode    ChannelMode `yaml:"mode"`
	Channel string      `yaml:"channel"`

	Handler MessageHandler `yaml:"-"`
}

// Address 转换为订阅地址
func (s SubscriptionConfig) Address() ChannelAddress {
	return ChannelAddress{Mode: s.Mode, Value: s.Channel}
}

// Config 客户端配置
type Config struct {
	// Addresses 种子节点地址，透传给传输层
	Addresses []string `yaml:"addresses"`

	// ClusterMode 集群拓扑开关，分片通道仅在集群下可用
	ClusterMode bool `yaml:"cluster_mode"`

	// Subscriptions 构造期声明的订阅，安装完成（服务端确认）后
	// NewClient 才返回
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`

	// AckTimeout 阻塞订阅/退订等待服务端确认的默认上限
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// CloseTimeout Close 时等待分发协程排空的上限
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// Transport 传输层实现，必填
	Transport Transport `yaml:"-"`

	// Logger 日志器，默认使用全局 Logger
	Logger logging.Logger `yaml:"-"`

	// Retry 重订阅回放的退避配置
	Retry retry.Config `yaml:"-"`
}

// LoadConfig 从 YAML 文件加载配置
// Transport、Logger、处理器等运行期对象需在加载后由代码补齐
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapError(err, errors.ErrCodeInvalidInput, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapError(err, errors.ErrCodeInvalidInput, "parse config file")
	}
	return cfg, nil
}

// withDefaults 填充默认值
func (c *Config) withDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.GetLogger().WithFields(logging.String("component", "pubsub"))
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
}

// validate 校验配置
func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.NewError(errors.ErrCodeInvalidInput, "transport is required")
	}

	withHandler, withoutHandler := 0, 0
	for _, sub := range c.Subscriptions {
		addr := sub.Address()
		if err := addr.Validate(); err != nil {
			return err
		}
		if addr.Mode == ShardedChannel && !c.ClusterMode {
			return errors.NewError(errors.ErrCodeInvalidInput,
				"sharded channels require cluster mode").WithContext("channel", addr.Value)
		}
		if sub.Handler != nil {
			withHandler++
		} else {
			withoutHandler++
		}
	}

	// 同一客户端不允许回调与队列混用
	if withHandler > 0 && withoutHandler > 0 {
		return errors.NewError(errors.ErrCodeInvalidMode,
			"config mixes handler-bound and queue subscriptions")
	}
	return nil
}
