// Package nats implements syncbus.Bus over core NATS. Consumer groups map to
// queue groups: every group receives each message once and one member of the
// group handles it.
//
// Core NATS keeps no log, so FromBeginning and AutoCommit have no effect and
// a subscription only sees messages published after it joined. Messages are
// handled one at a time per member, which keeps per-key order as long as a
// group has a single member; groups with several members trade that order
// for throughput. A message whose handler keeps failing with dead-lettering
// disabled is published again to its topic instead of being dropped.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

// Header names carrying the message key and its redelivery count.
const (
	HeaderKey        = "Fence-Key"
	HeaderRedelivery = "Fence-Redelivery"
)

// Bus implements syncbus.Bus using a NATS connection.
type Bus struct {
	conn     *nats.Conn
	logger   *zap.Logger
	counters syncbus.Counters

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// New returns a Bus on conn. Close closes conn.
func New(conn *nats.Conn, l *zap.Logger) *Bus {
	return &Bus{conn: conn, logger: logger.OrNop(l), subs: make(map[*nats.Subscription]struct{})}
}

// Connect dials url and returns a Bus owning the connection.
func Connect(url string, l *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(url, nats.Name("go-fence"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", errors.Join(fenceerrors.ErrBusUnavailable, err))
	}
	return New(conn, l), nil
}

// Publish implements syncbus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte, opts ...syncbus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = value
	for k, v := range syncbus.BuildHeaders(ctx, opts...) {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderKey, key)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish %s: %w", topic, errors.Join(fenceerrors.ErrBusUnavailable, err))
	}
	b.counters.Published(topic)
	return nil
}

// Subscribe implements syncbus.Bus.Subscribe with one queue subscription
// per topic. The subscriptions are removed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, group string, topics []string, h syncbus.Handler, opts syncbus.SubscribeOptions) error {
	var subs []*nats.Subscription
	for _, topic := range topics {
		sub, err := b.conn.QueueSubscribe(topic, group, b.handler(ctx, h, opts))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("nats: subscribe %s: %w", topic, errors.Join(fenceerrors.ErrBusUnavailable, err))
		}
		subs = append(subs, sub)
	}
	b.mu.Lock()
	for _, s := range subs {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, s := range subs {
			if _, ok := b.subs[s]; ok {
				_ = s.Unsubscribe()
				delete(b.subs, s)
			}
		}
	}()
	return nil
}

func (b *Bus) handler(ctx context.Context, h syncbus.Handler, opts syncbus.SubscribeOptions) nats.MsgHandler {
	return func(m *nats.Msg) {
		msg := toMessage(m)
		commit, err := syncbus.Process(ctx, b, msg, h, opts, &b.counters, b.logger)
		if commit || ctx.Err() != nil {
			return
		}
		n, _ := strconv.Atoi(msg.Headers[HeaderRedelivery])
		headers := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		headers[HeaderRedelivery] = strconv.Itoa(n + 1)
		logger.Warn(ctx, b.logger, "requeueing message",
			zap.String("topic", msg.Topic), zap.String("key", msg.Key), zap.Int("redelivery", n+1), zap.Error(err))
		if perr := b.Publish(context.WithoutCancel(ctx), msg.Topic, msg.Key, msg.Value, syncbus.WithHeaders(headers)); perr != nil {
			logger.Error(ctx, b.logger, "requeue failed, message lost",
				zap.String("topic", msg.Topic), zap.String("key", msg.Key), zap.Error(perr))
		}
	}
}

func toMessage(m *nats.Msg) *syncbus.Message {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		if k == HeaderKey {
			continue
		}
		headers[k] = m.Header.Get(k)
	}
	return &syncbus.Message{
		Topic:   m.Subject,
		Key:     m.Header.Get(HeaderKey),
		Value:   m.Data,
		Headers: headers,
	}
}

// IsHealthy reports whether the connection is up.
func (b *Bus) IsHealthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Metrics returns the bus counters.
func (b *Bus) Metrics() syncbus.Metrics {
	return b.counters.Snapshot()
}

// Flush waits until the server has processed every published message.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Close removes every subscription and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	for s := range b.subs {
		_ = s.Unsubscribe()
		delete(b.subs, s)
	}
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
