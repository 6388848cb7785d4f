package syncbus

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
)

// Header names set on dead-lettered messages.
const (
	HeaderError         = "x-dlq-error"
	HeaderOriginalTopic = "x-dlq-original-topic"
	HeaderAttempts      = "x-dlq-attempts"
)

// DeadLetterSuffix is appended to a topic to name its dead-letter topic.
const DeadLetterSuffix = ".dlq"

// DeadLetterTopic returns the dead-letter topic for topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// Message is a single record delivered to a Handler.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Handler processes one message. A non-nil error asks for a retry.
type Handler func(ctx context.Context, msg *Message) error

// SubscribeOptions controls delivery for one subscription.
type SubscribeOptions struct {
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int
	// RetryBackoff is the wait between attempts.
	RetryBackoff time.Duration
	// FromBeginning starts a new group at the oldest retained message
	// instead of the newest.
	FromBeginning bool
	// AutoCommit lets the transport commit marked offsets on its own
	// schedule; otherwise each processed message is committed at once.
	AutoCommit bool
	// SendToDLQOnFailure routes messages that exhausted their retries to
	// DeadLetterTopic(topic). When false the message stays uncommitted and
	// is delivered again.
	SendToDLQOnFailure bool
}

// DefaultSubscribeOptions returns three retries with DLQ routing.
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{MaxRetries: 3, RetryBackoff: 100 * time.Millisecond, SendToDLQOnFailure: true}
}

// PublishOptions holds optional publish parameters.
type PublishOptions struct {
	Headers map[string]string
}

// PublishOption configures a Publish call.
type PublishOption func(*PublishOptions)

// WithHeader attaches a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithHeaders attaches every entry of h.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *PublishOptions) {
		for k, v := range h {
			WithHeader(k, v)(o)
		}
	}
}

// BuildHeaders applies opts and injects the trace context of ctx.
func BuildHeaders(ctx context.Context, opts ...PublishOption) map[string]string {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Headers == nil {
		o.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(o.Headers))
	return o.Headers
}

// ExtractTrace returns ctx carrying the remote span context found in headers.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// Publisher is the publishing half of a Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, opts ...PublishOption) error
}

// Bus is a partitioned publish/subscribe transport with consumer groups.
// Messages with the same key land on the same partition and are delivered in
// publish order to one member of each subscribed group. Delivery is
// at-least-once, so handlers must be idempotent.
type Bus interface {
	Publisher
	// Subscribe joins group for topics and delivers to h until ctx is done.
	Subscribe(ctx context.Context, group string, topics []string, h Handler, opts SubscribeOptions) error
	Close() error
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published    uint64
	Delivered    uint64
	Retried      uint64
	DeadLettered uint64
}

// Counters accumulates Metrics. The zero value is ready to use.
type Counters struct {
	published    atomic.Uint64
	delivered    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// Published records an accepted publish on topic.
func (c *Counters) Published(topic string) {
	c.published.Add(1)
	metrics.EventsPublished.WithLabelValues(topic).Inc()
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Metrics {
	return Metrics{
		Published:    c.published.Load(),
		Delivered:    c.delivered.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Process applies the delivery policy shared by every transport: run h,
// retry up to opts.MaxRetries times, then dead-letter through pub. It
// returns true when the message may be committed. A false result means the
// message must be redelivered; the returned error says why.
func Process(ctx context.Context, pub Publisher, msg *Message, h Handler, opts SubscribeOptions, c *Counters, l *zap.Logger) (bool, error) {
	l = logger.OrNop(l)
	ctx = ExtractTrace(ctx, msg.Headers)
	c.delivered.Add(1)

	var err error
	attempts := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retried.Add(1)
			metrics.EventsHandled.WithLabelValues(msg.Topic, "retry").Inc()
			if werr := sleep(ctx, opts.RetryBackoff); werr != nil {
				return false, werr
			}
		}
		attempts++
		if err = h(ctx, msg); err == nil {
			metrics.EventsHandled.WithLabelValues(msg.Topic, "ok").Inc()
			return true, nil
		}
		logger.Warn(ctx, l, "handler failed",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	failure := fmt.Errorf("syncbus: %s after %d attempts: %w: %w", msg.Topic, attempts, fenceerrors.ErrHandlerFailure, err)
	if !opts.SendToDLQOnFailure {
		metrics.EventsHandled.WithLabelValues(msg.Topic, "failed").Inc()
		return false, failure
	}

	dlq := DeadLetterTopic(msg.Topic)
	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderError] = err.Error()
	headers[HeaderOriginalTopic] = msg.Topic
	headers[HeaderAttempts] = strconv.Itoa(attempts)
	if perr := pub.Publish(ctx, dlq, msg.Key, msg.Value, WithHeaders(headers)); perr != nil {
		logger.Error(ctx, l, "dead-letter publish failed", zap.String("topic", dlq), zap.Error(perr))
		return false, fmt.Errorf("syncbus: dead-letter %s: %w", dlq, perr)
	}
	c.deadLettered.Add(1)
	metrics.EventsDeadLettered.WithLabelValues(msg.Topic).Inc()
	metrics.EventsHandled.WithLabelValues(msg.Topic, "dead_lettered").Inc()
	logger.Error(ctx, l, "message dead-lettered",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
