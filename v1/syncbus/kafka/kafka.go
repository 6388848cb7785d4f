// Package kafka implements syncbus.Bus on Apache Kafka through IBM/sarama.
// Messages are keyed, so the hash partitioner keeps one order's events on one
// partition; subscriptions are sarama consumer groups.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fence/v1/syncbus/kafka")

// GroupFactory opens a consumer group. It is swapped in tests.
type GroupFactory func(groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

// Bus implements syncbus.Bus using a Kafka backend.
type Bus struct {
	producer sarama.SyncProducer
	cfg      *sarama.Config
	newGroup GroupFactory
	logger   *zap.Logger
	counters syncbus.Counters

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	wg     sync.WaitGroup
}

// NewConfig returns the sarama configuration used by New when cfg is nil.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_0_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}
	return cfg
}

// New connects a producer to brokers. Consumer groups are opened per
// Subscribe call.
func New(brokers []string, cfg *sarama.Config, l *zap.Logger) (*Bus, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: producer: %w", errors.Join(fenceerrors.ErrBusUnavailable, err))
	}
	factory := func(groupID string, c *sarama.Config) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(brokers, groupID, c)
	}
	return NewWithProducer(producer, factory, cfg, l), nil
}

// NewWithProducer assembles a Bus from an existing producer and group
// factory.
func NewWithProducer(producer sarama.SyncProducer, factory GroupFactory, cfg *sarama.Config, l *zap.Logger) *Bus {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Bus{producer: producer, cfg: cfg, newGroup: factory, logger: logger.OrNop(l)}
}

// Publish implements syncbus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte, opts ...syncbus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := syncbus.BuildHeaders(ctx, opts...)
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka: publish %s: %w", topic, errors.Join(fenceerrors.ErrBusUnavailable, err))
	}
	b.counters.Published(topic)
	logger.Debug(ctx, b.logger, "message published",
		zap.String("topic", topic), zap.String("key", key),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (b *Bus) groupConfig(opts syncbus.SubscribeOptions) *sarama.Config {
	c := *b.cfg
	if opts.FromBeginning {
		c.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		c.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	c.Consumer.Offsets.AutoCommit.Enable = opts.AutoCommit
	return &c
}

// Subscribe implements syncbus.Bus.Subscribe. The group consumes in the
// background until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, group string, topics []string, h syncbus.Handler, opts syncbus.SubscribeOptions) error {
	cg, err := b.newGroup(group, b.groupConfig(opts))
	if err != nil {
		return fmt.Errorf("kafka: consumer group %s: %w", group, errors.Join(fenceerrors.ErrBusUnavailable, err))
	}
	b.mu.Lock()
	b.groups = append(b.groups, cg)
	b.mu.Unlock()

	handler := &groupHandler{bus: b, handler: h, opts: opts}
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		for err := range cg.Errors() {
			logger.Error(ctx, b.logger, "consumer group error", zap.String("group", group), zap.Error(err))
		}
	}()
	go func() {
		defer b.wg.Done()
		defer func() { _ = cg.Close() }()
		for {
			if err := cg.Consume(ctx, topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error(ctx, b.logger, "error consuming in consumer loop", zap.String("group", group), zap.Error(err))
			}
			if ctx.Err() != nil {
				logger.Info(ctx, b.logger, "context cancelled, shutting down consumer", zap.String("group", group))
				return
			}
		}
	}()
	return nil
}

// Metrics returns the bus counters.
func (b *Bus) Metrics() syncbus.Metrics {
	return b.counters.Snapshot()
}

// Close releases the producer and every consumer group.
func (b *Bus) Close() error {
	b.mu.Lock()
	groups := b.groups
	b.groups = nil
	b.mu.Unlock()
	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			errs = append(errs, err)
		}
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

type groupHandler struct {
	bus     *Bus
	handler syncbus.Handler
	opts    syncbus.SubscribeOptions
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes one partition in offset order. A message that can
// be neither handled nor dead-lettered ends the session without marking it,
// so the next session resumes from it.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.consume(session, msg); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) consume(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	m := toMessage(msg)
	ctx := syncbus.ExtractTrace(session.Context(), m.Headers)
	ctx, span := tracer.Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	commit, err := syncbus.Process(ctx, h.bus, m, h.handler, h.opts, &h.bus.counters, h.bus.logger)
	if !commit {
		span.RecordError(err)
		logger.Error(ctx, h.bus.logger, "failed to process message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return err
	}
	session.MarkMessage(msg, "")
	if !h.opts.AutoCommit {
		session.Commit()
	}
	return nil
}

func toMessage(msg *sarama.ConsumerMessage) *syncbus.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, hdr := range msg.Headers {
		if hdr == nil {
			continue
		}
		headers[string(hdr.Key)] = string(hdr.Value)
	}
	return &syncbus.Message{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}
