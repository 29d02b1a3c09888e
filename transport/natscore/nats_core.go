// Package natscore implements the pubsub transport on NATS core
// subjects. Exact channels map to subjects verbatim, pattern channels
// are translated from glob syntax to subject wildcards, and sharded
// channels live under a dedicated subject prefix.
package natscore

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"kvchan/errors"
	"kvchan/logging"
	"kvchan/pubsub"
)

// Config configures the NATS core transport.
type Config struct {
	URL  string
	Conn *nats.Conn

	// ShardPrefix namespaces sharded channels. Default "shard.".
	ShardPrefix string

	// Name identifies the connection on the server.
	Name string

	Logger logging.Logger
}

// Transport is a pubsub.Transport backed by NATS core subscriptions.
//
// NATS replays its own subscriptions after a reconnect, so the
// registry replay triggered by the reconnect event is effectively a
// no-op here; it stays in place because replay is idempotent and the
// engine does not know which transports self-heal.
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	ownsConn bool

	mu         sync.Mutex
	running    bool
	sink       pubsub.EventSink
	subs       map[string]*nats.Subscription
	reconnects int
}

// NewTransport builds a NATS core transport.
func NewTransport(cfg Config) *Transport {
	if cfg.ShardPrefix == "" {
		cfg.ShardPrefix = "shard."
	}
	if cfg.Name == "" {
		cfg.Name = "kvchan-pubsub"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "transport.natscore"))
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Start connects to the server and installs the reconnect callback.
func (t *Transport) Start(ctx context.Context, sink pubsub.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	t.sink = sink

	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
		t.conn.SetReconnectHandler(func(*nats.Conn) {
			t.mu.Lock()
			t.reconnects++
			t.mu.Unlock()
			sink.OnReconnected()
		})
	} else {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url,
			nats.Name(t.cfg.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectHandler(func(*nats.Conn) {
				t.mu.Lock()
				t.reconnects++
				t.mu.Unlock()
				sink.OnReconnected()
			}),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				t.logger.Warn(ctx, "nats connection lost", logging.Error(err))
				sink.OnMessage(pubsub.Push{Kind: pubsub.KindDisconnection})
			}),
		)
		if err != nil {
			return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "nats connect failed")
		}
		t.conn = conn
		t.ownsConn = true
	}

	t.running = true
	t.logger.Info(ctx, "nats core transport started", logging.String("name", t.cfg.Name))
	return nil
}

// Subscribe installs a server-side subscription for the address.
func (t *Transport) Subscribe(_ context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	subject, err := t.subjectFor(address)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errors.NewError(errors.ErrCodeTransportUnavailable, "transport is not running")
	}
	key := address.String()
	if _, exists := t.subs[key]; exists {
		return nil
	}

	sub, err := t.conn.Subscribe(subject, t.pushHandler(address))
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "wire subscribe failed")
	}
	t.subs[key] = sub
	return nil
}

// Unsubscribe drains the server-side subscription for the address.
func (t *Transport) Unsubscribe(_ context.Context, address pubsub.ChannelAddress, _ pubsub.SubscribeOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return errors.NewError(errors.ErrCodeTransportUnavailable, "transport is not running")
	}

	key := address.String()
	sub, ok := t.subs[key]
	if !ok {
		return nil
	}
	delete(t.subs, key)
	if err := sub.Unsubscribe(); err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "wire unsubscribe failed")
	}
	return nil
}

// Publish sends a message to an exact channel.
func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(channel, payload); err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "publish failed")
	}
	return nil
}

// ShardedPublish sends a message to a sharded channel.
func (t *Transport) ShardedPublish(_ context.Context, channel string, payload []byte) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(t.cfg.ShardPrefix+channel, payload); err != nil {
		return errors.WrapError(err, errors.ErrCodeTransportUnavailable, "sharded publish failed")
	}
	return nil
}

// Stats returns connection statistics.
func (t *Transport) Stats() pubsub.TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels := make([]string, 0, len(t.subs))
	for key := range t.subs {
		channels = append(channels, key)
	}
	return pubsub.TransportStats{
		Running:       t.running,
		Subscriptions: len(t.subs),
		Channels:      channels,
		Reconnects:    t.reconnects,
	}
}

// Close drains the subscriptions and closes an owned connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	for key, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, key)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	return nil
}

func (t *Transport) activeConn() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.conn == nil {
		return nil, errors.NewError(errors.ErrCodeTransportUnavailable, "transport is not running")
	}
	return t.conn, nil
}

// pushHandler converts inbound subject messages to engine pushes.
func (t *Transport) pushHandler(address pubsub.ChannelAddress) nats.MsgHandler {
	return func(msg *nats.Msg) {
		t.mu.Lock()
		running, sink := t.running, t.sink
		t.mu.Unlock()
		if !running || sink == nil {
			return
		}

		push := pubsub.Push{Channel: msg.Subject, Payload: msg.Data}
		switch address.Mode {
		case pubsub.PatternChannel:
			push.Kind = pubsub.KindPatternMessage
			push.Pattern = address.Value
		case pubsub.ShardedChannel:
			push.Kind = pubsub.KindShardedMessage
			push.Channel = strings.TrimPrefix(msg.Subject, t.cfg.ShardPrefix)
		default:
			push.Kind = pubsub.KindMessage
		}
		sink.OnMessage(push)
	}
}

// subjectFor maps an address to a NATS subject, translating globs.
func (t *Transport) subjectFor(address pubsub.ChannelAddress) (string, error) {
	switch address.Mode {
	case pubsub.PatternChannel:
		return translateGlob(address.Value)
	case pubsub.ShardedChannel:
		return t.cfg.ShardPrefix + address.Value, nil
	default:
		return address.Value, nil
	}
}

// translateGlob converts glob patterns to NATS subject wildcards.
//
// Supported shapes:
//   - "*"          -> ">"         (match everything)
//   - "prefix.*"   -> "prefix.>"  (trailing wildcard spans tokens)
//   - "a.*.b"      -> "a.*.b"     (inner '*' matches one token)
//   - literal patterns pass through unchanged
//
// '?' and character classes have no subject equivalent and are
// rejected with INVALID_INPUT.
func translateGlob(pattern string) (string, error) {
	if strings.ContainsAny(pattern, "?[\\") {
		return "", errors.NewError(errors.ErrCodeInvalidInput,
			"glob pattern has no subject equivalent").WithContext("pattern", pattern)
	}
	if pattern == "*" {
		return ">", nil
	}

	tokens := strings.Split(pattern, ".")
	for i, token := range tokens {
		if !strings.Contains(token, "*") {
			continue
		}
		if token != "*" {
			// "news*" style partial-token wildcards cannot be expressed
			return "", errors.NewError(errors.ErrCodeInvalidInput,
				"partial-token wildcard has no subject equivalent").WithContext("pattern", pattern)
		}
		if i == len(tokens)-1 {
			tokens[i] = ">"
		}
	}
	return strings.Join(tokens, "."), nil
}
