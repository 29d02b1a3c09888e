// Package redischannel implements the pubsub transport on top of the
// server's native channel commands (SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE).
package redischannel

import (
	"context"
	stdErrors "errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kvchan/errors"
	"kvchan/logging"
	"kvchan/pubsub"
)

// conn captures the subset of *redis.PubSub we rely on for the regular
// subscription connection (for easier testing).
type conn interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (interface{}, error)
	Close() error
}

// shardConn captures the sharded subscription connection.
type shardConn interface {
	SSubscribe(ctx context.Context, channels ...string) error
	SUnsubscribe(ctx context.Context, channels ...string) error
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (interface{}, error)
	Close() error
}

// publisher captures the publishing commands of redis.UniversalClient.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	SPublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Config describes how the transport should connect/behave.
type Config struct {
	Client redis.UniversalClient
	Addrs  []string

	// ClusterMode enables the sharded subscription connection.
	ClusterMode bool

	// ReceiveTimeout bounds a single blocking receive so the loop can
	// observe shutdown. Default 1s.
	ReceiveTimeout time.Duration

	// MinBackoff/MaxBackoff bound the receive-error backoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger logging.Logger
}

// Transport is a pubsub.Transport backed by server channel commands.
//
// Regular and pattern subscriptions share one connection, sharded
// subscriptions use a second one (the server requires it in cluster
// topologies). The underlying go-redis PubSub reconnects on its own;
// each receive error is surfaced to the sink as a reconnect event so
// the client replays its registry.
type Transport struct {
	cfg    Config
	id     string
	pub    publisher
	ownPub bool
	logger logging.Logger

	// client opens subscription connections lazily on Start; nil when
	// the connections were injected directly (tests).
	client redis.UniversalClient

	mu         sync.Mutex
	conn       conn
	shard      shardConn
	running    bool
	subs       map[string]struct{}
	reconnects int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport constructs a transport from the given config.
func NewTransport(cfg Config) (*Transport, error) {
	var pub redis.UniversalClient
	var own bool
	if cfg.Client != nil {
		pub = cfg.Client
	} else {
		if len(cfg.Addrs) == 0 {
			return nil, errors.NewError(errors.ErrCodeInvalidInput, "redis client or addrs required")
		}
		pub = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Addrs})
		own = true
	}

	t := newTransport(cfg, pub, nil, nil)
	t.ownPub = own
	t.client = pub
	return t, nil
}

// newTransport wires explicit connections; tests use it to inject fakes.
func newTransport(cfg Config, pub publisher, c conn, sc shardConn) *Transport {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "transport.redischannel"))
	}
	return &Transport{
		cfg:    cfg,
		id:     "conn-" + uuid.NewString(),
		pub:    pub,
		logger: cfg.Logger,
		conn:   c,
		shard:  sc,
		subs:   make(map[string]struct{}),
	}
}

// Start opens the subscription connections and begins the receive loops.
func (t *Transport) Start(ctx context.Context, sink pubsub.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	if t.conn == nil || (t.cfg.ClusterMode && t.shard == nil) {
		if t.client == nil {
			return errors.NewError(errors.ErrCodeTransportUnavailable, "redis client not configured")
		}
		if t.conn == nil {
			t.conn = t.client.Subscribe(ctx)
		}
		if t.cfg.ClusterMode && t.shard == nil {
			t.shard = t.client.SSubscribe(ctx)
		}
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.running = true

	t.wg.Add(1)
	go t.receiveLoop(t.conn.ReceiveTimeout, sink, false)
	if t.shard != nil {
		t.wg.Add(1)
		go t.receiveLoop(t.shard.ReceiveTimeout, sink, true)
	}

	t.logger.Info(ctx, "redis channel transport started",
		logging.String("connection", t.id),
		logging.Bool("cluster", t.cfg.ClusterMode))
	return nil
}

// Subscribe issues the wire command for the given address.
func (t *Transport) Subscribe(ctx context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	t.mu.Lock()
	c, sc, running := t.conn, t.shard, t.running
	t.mu.Unlock()
	if !running {
		return errors.NewError(errors.ErrCodeTransportUnavailable, "transport is not running")
	}

	var err error
	switch address.Mode {
	case pubsub.PatternChannel:
		err = c.PSubscribe(ctx, address.Value)
	case pubsub.ShardedChannel:
		if sc == nil {
			return errors.NewError(errors.ErrCodeInvalidInput, "sharded channels require cluster mode")
		}
		err = sc.SSubscribe(ctx, address.Value)
	default:
		err = c.Subscribe(ctx, address.Value)
	}
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "wire subscribe failed")
	}

	t.mu.Lock()
	t.subs[address.String()] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Unsubscribe issues the wire command for the given address.
func (t *Transport) Unsubscribe(ctx context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	t.mu.Lock()
	c, sc, running := t.conn, t.shard, t.running
	t.mu.Unlock()
	if !running {
		return errors.NewError(errors.ErrCodeTransportUnavailable, "transport is not running")
	}

	var err error
	switch address.Mode {
	case pubsub.PatternChannel:
		err = c.PUnsubscribe(ctx, address.Value)
	case pubsub.ShardedChannel:
		if sc == nil {
			return errors.NewError(errors.ErrCodeInvalidInput, "sharded channels require cluster mode")
		}
		err = sc.SUnsubscribe(ctx, address.Value)
	default:
		err = c.Unsubscribe(ctx, address.Value)
	}
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "wire unsubscribe failed")
	}

	t.mu.Lock()
	delete(t.subs, address.String())
	t.mu.Unlock()
	return nil
}

// Publish sends a message to an exact channel.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "publish failed")
	}
	return nil
}

// ShardedPublish sends a message to a sharded channel.
func (t *Transport) ShardedPublish(ctx context.Context, channel string, payload []byte) error {
	if err := t.pub.SPublish(ctx, channel, payload).Err(); err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "sharded publish failed")
	}
	return nil
}

// Stats returns connection statistics.
func (t *Transport) Stats() pubsub.TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels := make([]string, 0, len(t.subs))
	for s := range t.subs {
		channels = append(channels, s)
	}
	return pubsub.TransportStats{
		Running:       t.running,
		Subscriptions: len(t.subs),
		Channels:      channels,
		Reconnects:    t.reconnects,
	}
}

// Close stops the receive loops and closes the connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel := t.cancel
	c, sc := t.conn, t.shard
	t.mu.Unlock()

	cancel()
	t.wg.Wait()

	var errs []error
	if c != nil {
		errs = append(errs, c.Close())
	}
	if sc != nil {
		errs = append(errs, sc.Close())
	}
	if t.ownPub {
		errs = append(errs, t.pub.Close())
	}
	return stdErrors.Join(errs...)
}

// receiveLoop pulls pushes off one subscription connection until shutdown.
//
// go-redis re-dials and replays its own channel list after a broken
// connection, but the server has still lost any state it held for the
// old connection, so every error burst ends with a reconnect event.
func (t *Transport) receiveLoop(receive func(ctx context.Context, timeout time.Duration) (interface{}, error), sink pubsub.EventSink, sharded bool) {
	defer t.wg.Done()

	backoff := t.cfg.MinBackoff
	degraded := false
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		raw, err := receive(t.ctx, t.cfg.ReceiveTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			t.logger.Warn(t.ctx, "receive failed",
				logging.Bool("sharded", sharded),
				logging.Duration("backoff", backoff),
				logging.Error(err))
			degraded = true
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > t.cfg.MaxBackoff {
				backoff = t.cfg.MaxBackoff
			}
			continue
		}
		backoff = t.cfg.MinBackoff
		if degraded {
			degraded = false
			t.mu.Lock()
			t.reconnects++
			t.mu.Unlock()
			sink.OnReconnected()
		}

		switch m := raw.(type) {
		case *redis.Message:
			sink.OnMessage(decodePush(m, sharded))
		case *redis.Subscription:
			t.logger.Debug(t.ctx, "subscription state changed",
				logging.String("kind", m.Kind),
				logging.String("channel", m.Channel),
				logging.Int("count", int(m.Count)))
		case *redis.Pong:
			// keepalive, nothing to do
		}
	}
}

// decodePush maps a go-redis message onto the engine's push taxonomy.
func decodePush(m *redis.Message, sharded bool) pubsub.Push {
	kind := pubsub.KindMessage
	switch {
	case sharded:
		kind = pubsub.KindShardedMessage
	case m.Pattern != "":
		kind = pubsub.KindPatternMessage
	}
	return pubsub.Push{
		Kind:    kind,
		Channel: m.Channel,
		Pattern: m.Pattern,
		Payload: []byte(m.Payload),
	}
}

// isTimeout reports whether the error is a blocking-receive timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return stdErrors.As(err, &netErr) && netErr.Timeout()
}
