package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"kvchan/errors"
	"kvchan/pubsub"
)

// recordingSink 记录收到的推送与重连事件
type recordingSink struct {
	mu          sync.Mutex
	pushes      []pubsub.Push
	reconnected int
}

func (s *recordingSink) OnMessage(push pubsub.Push) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, push)
}

func (s *recordingSink) OnReconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnected++
}

func (s *recordingSink) received() []pubsub.Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pubsub.Push, len(s.pushes))
	copy(out, s.pushes)
	return out
}

func (s *recordingSink) reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnected
}

func startTransport(t *testing.T, broker *Broker) (*Transport, *recordingSink) {
	t.Helper()
	tpt := NewTransport(broker)
	sink := &recordingSink{}
	if err := tpt.Start(context.Background(), sink); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = tpt.Close() })
	return tpt, sink
}

func TestTransport_ExactRouting(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	if err := tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := tpt.Publish(ctx, "news", []byte("p")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := tpt.Publish(ctx, "other", []byte("q")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("expected exactly one push, got %d", len(got))
	}
	push := got[0]
	if push.Kind != pubsub.KindMessage || push.Channel != "news" || string(push.Payload) != "p" || push.Pattern != "" {
		t.Fatalf("unexpected push: %+v", push)
	}
}

func TestTransport_PatternRouting(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	if err := tpt.Subscribe(ctx, pubsub.Pattern("news.*"), pubsub.SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := tpt.Publish(ctx, "news.sports", []byte("p")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("expected one push, got %d", len(got))
	}
	if got[0].Kind != pubsub.KindPatternMessage || got[0].Pattern != "news.*" || got[0].Channel != "news.sports" {
		t.Fatalf("pattern push malformed: %+v", got[0])
	}
}

// 同一通道同时命中精确与模式订阅时发出两条独立推送
func TestTransport_OverlappingSubscriptionsGetSeparatePushes(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	_ = tpt.Subscribe(ctx, pubsub.Exact("news.sports"), pubsub.SubscribeOptions{})
	_ = tpt.Subscribe(ctx, pubsub.Pattern("news.*"), pubsub.SubscribeOptions{})

	if err := tpt.Publish(ctx, "news.sports", []byte("p")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("expected two pushes for overlapping subscriptions, got %d", len(got))
	}
	kinds := map[pubsub.PushKind]int{}
	for _, p := range got {
		kinds[p.Kind]++
	}
	if kinds[pubsub.KindMessage] != 1 || kinds[pubsub.KindPatternMessage] != 1 {
		t.Fatalf("expected one message and one pmessage: %v", kinds)
	}
}

func TestTransport_ShardedRouting(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	_ = tpt.Subscribe(ctx, pubsub.Sharded("orders"), pubsub.SubscribeOptions{})
	// 普通发布不会命中分片订阅
	if err := tpt.Publish(ctx, "orders", []byte("x")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := tpt.ShardedPublish(ctx, "orders", []byte("s")); err != nil {
		t.Fatalf("sharded publish failed: %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("expected only the sharded push, got %d", len(got))
	}
	if got[0].Kind != pubsub.KindShardedMessage || string(got[0].Payload) != "s" {
		t.Fatalf("unexpected sharded push: %+v", got[0])
	}
}

func TestTransport_MultipleConnections(t *testing.T) {
	broker := NewBroker()
	a, sinkA := startTransport(t, broker)
	_, sinkB := startTransport(t, broker)
	ctx := context.Background()

	_ = a.Subscribe(ctx, pubsub.Exact("shared"), pubsub.SubscribeOptions{})

	if err := a.Publish(ctx, "shared", []byte("p")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(sinkA.received()) != 1 {
		t.Fatalf("subscriber connection should receive the push")
	}
	if len(sinkB.received()) != 0 {
		t.Fatalf("non-subscriber connection must not receive the push")
	}
}

func TestTransport_UnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	_ = tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{})
	if err := tpt.Unsubscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{}); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	_ = tpt.Publish(ctx, "news", []byte("p"))

	if len(sink.received()) != 0 {
		t.Fatalf("unsubscribed connection must not receive pushes")
	}
}

func TestTransport_KillConnections(t *testing.T) {
	broker := NewBroker()
	tpt, sink := startTransport(t, broker)
	ctx := context.Background()

	_ = tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{})
	broker.KillConnections()

	if sink.reconnects() != 1 {
		t.Fatalf("expected one reconnect event, got %d", sink.reconnects())
	}
	// 服务端订阅状态已清空
	_ = tpt.Publish(ctx, "news", []byte("p"))
	if len(sink.received()) != 0 {
		t.Fatalf("killed connection must lose its server-side subscriptions")
	}

	stats := tpt.Stats()
	if stats.Reconnects != 1 || stats.Subscriptions != 0 {
		t.Fatalf("unexpected stats after kill: %+v", stats)
	}
}

func TestTransport_OfflineRejectsRequests(t *testing.T) {
	broker := NewBroker()
	tpt, _ := startTransport(t, broker)
	ctx := context.Background()

	broker.SetOffline(true)
	if err := tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{}); !errors.IsTransportUnavailable(err) {
		t.Fatalf("offline broker should reject subscribe, got %v", err)
	}
	if err := tpt.Publish(ctx, "news", nil); !errors.IsTransportUnavailable(err) {
		t.Fatalf("offline broker should reject publish, got %v", err)
	}

	broker.SetOffline(false)
	if err := tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{}); err != nil {
		t.Fatalf("broker back online should accept subscribe: %v", err)
	}
}

func TestTransport_AckDelayHonorsContext(t *testing.T) {
	broker := NewBroker()
	tpt, _ := startTransport(t, broker)
	tpt.SetAckDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tpt.Subscribe(ctx, pubsub.Exact("news"), pubsub.SubscribeOptions{})
	if err == nil || ctx.Err() == nil {
		t.Fatalf("delayed ack should surface the context error, got %v", err)
	}
}

func TestTransport_LifecycleAndStats(t *testing.T) {
	broker := NewBroker()
	tpt := NewTransport(broker)
	ctx := context.Background()

	if err := tpt.Publish(ctx, "x", nil); !errors.IsTransportUnavailable(err) {
		t.Fatalf("unstarted transport should reject requests, got %v", err)
	}

	sink := &recordingSink{}
	if err := tpt.Start(ctx, sink); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := tpt.Start(ctx, sink); err != nil {
		t.Fatalf("start should be idempotent: %v", err)
	}

	_ = tpt.Subscribe(ctx, pubsub.Exact("a"), pubsub.SubscribeOptions{})
	_ = tpt.Subscribe(ctx, pubsub.Pattern("b.*"), pubsub.SubscribeOptions{})

	stats := tpt.Stats()
	if !stats.Running || stats.Subscriptions != 2 || len(stats.Channels) != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := tpt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := tpt.Close(); err != nil {
		t.Fatalf("close should be idempotent: %v", err)
	}
	if err := tpt.Publish(ctx, "a", nil); !errors.IsTransportUnavailable(err) {
		t.Fatalf("closed transport should reject requests, got %v", err)
	}
}
