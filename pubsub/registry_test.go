package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []Message
}

func (h *recordingHandler) Handle(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg)
	return nil
}

func (h *recordingHandler) messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.received))
	copy(out, h.received)
	return out
}

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandler{}
	addr := Exact("news")

	if !r.Add(addr, h) {
		t.Fatalf("first add should report a new entry")
	}
	if r.Add(addr, h) {
		t.Fatalf("duplicate add should not report a new entry")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}

	deliveries := r.Match(KindMessage, "news", "")
	if len(deliveries) != 1 || len(deliveries[0].Handlers) != 1 {
		t.Fatalf("duplicate add must not duplicate the handler: %+v", deliveries)
	}
}

func TestRegistry_MultipleHandlersPerAddress(t *testing.T) {
	r := NewRegistry()
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	addr := Exact("news")

	r.Add(addr, h1)
	if r.Add(addr, h2) {
		t.Fatalf("second handler on the same address should not be a new entry")
	}

	deliveries := r.Match(KindMessage, "news", "")
	if len(deliveries) != 1 || len(deliveries[0].Handlers) != 2 {
		t.Fatalf("expected one delivery with two handlers, got %+v", deliveries)
	}
}

func TestRegistry_RemoveSpecificHandler(t *testing.T) {
	r := NewRegistry()
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	addr := Exact("news")
	r.Add(addr, h1)
	r.Add(addr, h2)

	if r.Remove(addr, h1) {
		t.Fatalf("entry still has a consumer, must not report full removal")
	}
	deliveries := r.Match(KindMessage, "news", "")
	if len(deliveries) != 1 || len(deliveries[0].Handlers) != 1 {
		t.Fatalf("expected h2 to remain: %+v", deliveries)
	}

	if !r.Remove(addr, h2) {
		t.Fatalf("last consumer removed, entry should be gone")
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty, got %d", r.Len())
	}
}

func TestRegistry_RemoveNilClearsEntry(t *testing.T) {
	r := NewRegistry()
	addr := Exact("news")
	r.Add(addr, &recordingHandler{})
	r.Add(addr, nil)

	if !r.Remove(addr, nil) {
		t.Fatalf("nil handler should remove the whole entry")
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty after full removal")
	}
	if r.Remove(addr, nil) {
		t.Fatalf("removing a missing entry should be a no-op")
	}
}

func TestRegistry_QueueFlag(t *testing.T) {
	r := NewRegistry()
	addr := Exact("events")
	r.Add(addr, nil)

	deliveries := r.Match(KindMessage, "events", "")
	if len(deliveries) != 1 || !deliveries[0].HasQueue || len(deliveries[0].Handlers) != 0 {
		t.Fatalf("queue registration mishandled: %+v", deliveries)
	}
}

// 同名地址在不同模式下是三个独立条目
func TestRegistry_SameNameAcrossModes(t *testing.T) {
	r := NewRegistry()
	name := "alerts"
	r.Add(Exact(name), &recordingHandler{})
	r.Add(Pattern(name), &recordingHandler{})
	r.Add(Sharded(name), &recordingHandler{})

	if r.Len() != 3 {
		t.Fatalf("expected 3 independent entries, got %d", r.Len())
	}

	if got := r.Match(KindMessage, name, ""); len(got) != 1 || got[0].Address.Mode != ExactChannel {
		t.Fatalf("message push should only hit the exact entry: %+v", got)
	}
	if got := r.Match(KindShardedMessage, name, ""); len(got) != 1 || got[0].Address.Mode != ShardedChannel {
		t.Fatalf("smessage push should only hit the sharded entry: %+v", got)
	}
	if got := r.Match(KindPatternMessage, name, name); len(got) != 1 || got[0].Address.Mode != PatternChannel {
		t.Fatalf("pmessage push should only hit the pattern entry: %+v", got)
	}

	if !r.Remove(Exact(name), nil) {
		t.Fatalf("removing the exact entry should not touch the others")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", r.Len())
	}
}

func TestRegistry_MatchPatternScan(t *testing.T) {
	r := NewRegistry()
	r.Add(Pattern("news.*"), &recordingHandler{})
	r.Add(Pattern("*.sports"), &recordingHandler{})
	r.Add(Pattern("weather.*"), &recordingHandler{})

	// 无标注模式串时线性扫描，两条模式命中，按模式串字典序返回
	got := r.Match(KindPatternMessage, "news.sports", "")
	if len(got) != 2 {
		t.Fatalf("expected 2 pattern hits, got %d: %+v", len(got), got)
	}
	if got[0].Pattern != "*.sports" || got[1].Pattern != "news.*" {
		t.Fatalf("pattern hits must be ordered lexicographically: %+v", got)
	}

	// 标注了模式串时只命中该模式
	got = r.Match(KindPatternMessage, "news.sports", "news.*")
	if len(got) != 1 || got[0].Pattern != "news.*" {
		t.Fatalf("annotated pmessage should hit exactly its pattern: %+v", got)
	}

	// 标注的模式与通道名不符时不投递
	if got := r.Match(KindPatternMessage, "finance.daily", "news.*"); got != nil {
		t.Fatalf("mismatched annotation must not deliver: %+v", got)
	}
}

func TestRegistry_MatchReturnsHandlerCopy(t *testing.T) {
	r := NewRegistry()
	addr := Exact("news")
	h1 := &recordingHandler{}
	r.Add(addr, h1)

	deliveries := r.Match(KindMessage, "news", "")
	r.Add(addr, &recordingHandler{})

	if len(deliveries[0].Handlers) != 1 {
		t.Fatalf("delivery snapshot must not observe later mutation")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(Exact("b"), &recordingHandler{})
	r.Add(Exact("a"), &recordingHandler{})
	r.Add(Pattern("news.*"), nil)
	r.Add(Sharded("orders"), &recordingHandler{})

	snap := r.Snapshot()
	if snap.Total() != 4 {
		t.Fatalf("expected 4 addresses, got %d", snap.Total())
	}
	if len(snap.Exact) != 2 || snap.Exact[0] != "a" || snap.Exact[1] != "b" {
		t.Fatalf("exact partition not sorted: %v", snap.Exact)
	}
	if len(snap.Pattern) != 1 || snap.Pattern[0] != "news.*" {
		t.Fatalf("unexpected pattern partition: %v", snap.Pattern)
	}
	if len(snap.Sharded) != 1 || snap.Sharded[0] != "orders" {
		t.Fatalf("unexpected sharded partition: %v", snap.Sharded)
	}
	if got := snap.Addresses(); len(got) != 4 {
		t.Fatalf("Addresses() should expand all partitions, got %v", got)
	}

	r.RemoveAll()
	if r.Len() != 0 {
		t.Fatalf("RemoveAll should empty the registry")
	}
	if snap.Total() != 4 {
		t.Fatalf("snapshot must be immutable after RemoveAll")
	}
}

// 并发 Add/Remove/Match/Snapshot，配合 -race 验证锁覆盖
func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h := &recordingHandler{}
			for i := 0; i < 200; i++ {
				addr := Exact(fmt.Sprintf("ch-%d", i%16))
				r.Add(addr, h)
				r.Match(KindMessage, addr.Value, "")
				r.Snapshot()
				r.Remove(addr, h)
			}
		}(g)
	}
	wg.Wait()
}

func TestSameHandler(t *testing.T) {
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	if !sameHandler(h1, h1) {
		t.Fatalf("identical pointers must compare equal")
	}
	if sameHandler(h1, h2) {
		t.Fatalf("distinct pointers must not compare equal")
	}

	f1 := HandlerFunc(func(context.Context, Message) error { return nil })
	f2 := HandlerFunc(func(context.Context, Message) error { return nil })
	if !sameHandler(f1, f1) {
		t.Fatalf("same func value must compare equal")
	}
	if sameHandler(f1, f2) {
		t.Fatalf("different func literals must not compare equal")
	}
	if sameHandler(h1, f1) {
		t.Fatalf("different handler types must not compare equal")
	}
}
