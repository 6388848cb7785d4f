package syncbus

import (
	"context"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
)

// DefaultPartitions is the partition count of an InMemoryBus topic.
const DefaultPartitions = 4

var ErrBusClosed = errors.New("syncbus: bus closed")

type partitionKey struct {
	topic     string
	partition int32
}

type member struct {
	id      int
	topics  map[string]bool
	handler Handler
	opts    SubscribeOptions
}

type group struct {
	offsets  map[partitionKey]int64
	inflight map[partitionKey]bool
	members  []*member
	// started records topics whose initial offsets were chosen.
	started map[string]bool
}

// InMemoryBus is a single-process Bus with Kafka-like semantics: topics are
// split into fixed partitions chosen by key hash, every group keeps its own
// committed offsets, and partitions are spread over the live members of a
// group. It is used in tests and single-node deployments.
type InMemoryBus struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions int32
	logs       map[partitionKey][]*Message
	groups     map[string]*group
	nextMember int
	closed     bool
	wg         sync.WaitGroup
	counters   Counters
	logger     *zap.Logger
}

// InMemoryOption configures an InMemoryBus.
type InMemoryOption func(*InMemoryBus)

// WithPartitions sets the number of partitions per topic.
func WithPartitions(n int) InMemoryOption {
	return func(b *InMemoryBus) {
		if n > 0 {
			b.partitions = int32(n)
		}
	}
}

// WithLogger sets the logger used by delivery workers.
func WithLogger(l *zap.Logger) InMemoryOption {
	return func(b *InMemoryBus) {
		b.logger = l
	}
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus(opts ...InMemoryOption) *InMemoryBus {
	b := &InMemoryBus{
		partitions: DefaultPartitions,
		logs:       make(map[partitionKey][]*Message),
		groups:     make(map[string]*group),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.OrNop(b.logger)
	b.cond = sync.NewCond(&b.mu)
	return b
}

// partitionFor uses the same hash partitioner as the Kafka producer so a key
// maps to the same partition index on both transports.
func (b *InMemoryBus) partitionFor(topic, key string) (int32, error) {
	msg := &sarama.ProducerMessage{Topic: topic, Key: sarama.StringEncoder(key)}
	return sarama.NewHashPartitioner(topic).Partition(msg, b.partitions)
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic, key string, value []byte, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.partitionFor(topic, key)
	if err != nil {
		return err
	}
	msg := &Message{
		Topic:     topic,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Headers:   BuildHeaders(ctx, opts...),
		Partition: p,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Join(fenceerrors.ErrBusUnavailable, ErrBusClosed)
	}
	pk := partitionKey{topic, p}
	msg.Offset = int64(len(b.logs[pk]))
	b.logs[pk] = append(b.logs[pk], msg)
	b.cond.Broadcast()
	b.mu.Unlock()

	b.counters.Published(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. One worker per assigned partition
// delivers messages in offset order; the member leaves the group when ctx
// is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, groupName string, topics []string, h Handler, opts SubscribeOptions) error {
	if len(topics) == 0 {
		return errors.New("syncbus: no topics")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Join(fenceerrors.ErrBusUnavailable, ErrBusClosed)
	}
	g := b.groups[groupName]
	if g == nil {
		g = &group{
			offsets:  make(map[partitionKey]int64),
			inflight: make(map[partitionKey]bool),
			started:  make(map[string]bool),
		}
		b.groups[groupName] = g
	}
	m := &member{id: b.nextMember, topics: make(map[string]bool), handler: h, opts: opts}
	b.nextMember++
	for _, topic := range topics {
		m.topics[topic] = true
		if g.started[topic] {
			continue
		}
		g.started[topic] = true
		for p := int32(0); p < b.partitions; p++ {
			pk := partitionKey{topic, p}
			if !opts.FromBeginning {
				g.offsets[pk] = int64(len(b.logs[pk]))
			}
		}
	}
	g.members = append(g.members, m)
	b.cond.Broadcast()

	for _, topic := range topics {
		for p := int32(0); p < b.partitions; p++ {
			b.wg.Add(1)
			go b.work(ctx, g, m, partitionKey{topic, p})
		}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, other := range g.members {
			if other == m {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	return nil
}

// assigned reports whether pk belongs to m under the current membership.
// Callers hold mu.
func (b *InMemoryBus) assigned(g *group, m *member, pk partitionKey) bool {
	var eligible []*member
	for _, other := range g.members {
		if other.topics[pk.topic] {
			eligible = append(eligible, other)
		}
	}
	if len(eligible) == 0 {
		return false
	}
	return eligible[int(pk.partition)%len(eligible)] == m
}

func (b *InMemoryBus) next(ctx context.Context, g *group, m *member, pk partitionKey) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed || ctx.Err() != nil {
			return nil, false
		}
		off := g.offsets[pk]
		if !g.inflight[pk] && b.assigned(g, m, pk) && off < int64(len(b.logs[pk])) {
			g.inflight[pk] = true
			return b.logs[pk][off], true
		}
		b.cond.Wait()
	}
}

func (b *InMemoryBus) work(ctx context.Context, g *group, m *member, pk partitionKey) {
	defer b.wg.Done()
	for {
		msg, ok := b.next(ctx, g, m, pk)
		if !ok {
			return
		}
		commit, err := Process(ctx, b, msg, m.handler, m.opts, &b.counters, b.logger)

		b.mu.Lock()
		g.inflight[pk] = false
		if commit {
			g.offsets[pk] = msg.Offset + 1
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		if !commit {
			logger.Warn(ctx, b.logger, "message left uncommitted for redelivery",
				zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
			if sleep(ctx, m.opts.RetryBackoff) != nil {
				return
			}
		}
	}
}

// Messages returns every message published to topic, partition by
// partition, in offset order.
func (b *InMemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for p := int32(0); p < b.partitions; p++ {
		for _, m := range b.logs[partitionKey{topic, p}] {
			out = append(out, *m)
		}
	}
	return out
}

// Lag returns how many messages of topic group has not committed yet.
func (b *InMemoryBus) Lag(groupName, topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[groupName]
	var lag int64
	for p := int32(0); p < b.partitions; p++ {
		pk := partitionKey{topic, p}
		var off int64
		if g != nil {
			off = g.offsets[pk]
		}
		lag += int64(len(b.logs[pk])) - off
	}
	return lag
}

// Metrics returns the published, delivered, retried and dead-lettered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.counters.Snapshot()
}

// Close stops every worker and rejects further publishes.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
