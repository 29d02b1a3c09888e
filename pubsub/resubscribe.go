// Package pubsub 断线重订阅协调器
package pubsub

import (
	"context"
	"sync/atomic"

	"kvchan/logging"
	"kvchan/patterns/retry"
)

// SyncState 协调器状态
type SyncState int32

const (
	// StateSynced 服务端订阅状态与注册表一致
	StateSynced SyncState = iota

	// StateResyncing 检测到重连，正在回放注册表
	StateResyncing
)

// String 返回状态名称
func (s SyncState) String() string {
	if s == StateResyncing {
		return "resyncing"
	}
	return "synced"
}

// resubscriber 重订阅协调器
//
// 传输层重连后回放注册表快照，使服务端状态收敛到客户端声明的意图。
// 回放是尽力而为且幂等的：单次失败只记录日志，下次重连事件再试。
// 注册表是唯一事实来源，回放期间的并发订阅调用自行发出 wire 请求，
// 不需要额外协调
type resubscriber struct {
	registry  *Registry
	transport Transport
	logger    logging.Logger
	retryCfg  retry.Config

	// 重连事件通道，容量 1，密集事件合并为一次回放
	events  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	state atomic.Int32
}

// newResubscriber 创建协调器
func newResubscriber(registry *Registry, transport Transport, logger logging.Logger, retryCfg retry.Config) *resubscriber {
	return &resubscriber{
		registry:  registry,
		transport: transport,
		logger:    logger,
		retryCfg:  retryCfg,
		events:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// start 启动回放协程
func (r *resubscriber) start(ctx context.Context) {
	go r.run(ctx)
}

// OnReconnected 实现 EventSink，由传输层在连接重建后调用
func (r *resubscriber) OnReconnected() {
	select {
	case r.events <- struct{}{}:
	default:
	}
}

// State 当前状态，供自省与测试
func (r *resubscriber) State() SyncState {
	return SyncState(r.state.Load())
}

// stop 通知回放协程退出
func (r *resubscriber) stop() <-chan struct{} {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return r.stopped
}

// run 事件循环
func (r *resubscriber) run(ctx context.Context) {
	defer close(r.stopped)

	for {
		select {
		case <-r.done:
			return
		case <-r.events:
			r.resync(ctx)
		}
	}
}

// resync 回放一轮注册表快照
// 快照在收到重连事件之后获取，晚于快照的订阅变更由其自身的
// wire 请求或下一次重连事件覆盖
func (r *resubscriber) resync(ctx context.Context) {
	r.state.Store(int32(StateResyncing))
	defer r.state.Store(int32(StateSynced))

	snapshot := r.registry.Snapshot()
	if snapshot.Total() == 0 {
		return
	}

	r.logger.Info(ctx, "replaying subscriptions after reconnect",
		logging.Int("exact", len(snapshot.Exact)),
		logging.Int("pattern", len(snapshot.Pattern)),
		logging.Int("sharded", len(snapshot.Sharded)))

	failed := 0
	for _, address := range snapshot.Addresses() {
		addr := address
		err := retry.Do(ctx, func(ctx context.Context) error {
			return r.transport.Subscribe(ctx, addr, SubscribeOptions{})
		}, r.retryCfg)
		if err != nil {
			failed++
			r.logger.Warn(ctx, "resubscribe failed, will retry on next reconnect",
				logging.String("address", addr.String()),
				logging.Error(err))
		}
	}

	if failed == 0 {
		r.logger.Info(ctx, "subscription replay complete",
			logging.Int("total", snapshot.Total()))
	}
}
