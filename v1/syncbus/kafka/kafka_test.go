package kafka

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
}

type fakeClaim struct {
	topic string
	msgs  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return c.topic }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newClaim(topic string, msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{topic: topic, msgs: ch}
}

func TestPublishSendsKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"orderId":"o1"}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	bus := NewWithProducer(producer, nil, nil, nil)
	if err := bus.Publish(context.Background(), "orders", "o1", []byte(`{"orderId":"o1"}`), syncbus.WithHeader("h", "v")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := bus.Metrics().Published; got != 1 {
		t.Fatalf("expected 1 published, got %d", got)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishFailureIsBusUnavailable(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	bus := NewWithProducer(producer, nil, nil, nil)
	defer bus.Close()
	err := bus.Publish(context.Background(), "orders", "o1", nil)
	if !errors.Is(err, fenceerrors.ErrBusUnavailable) || !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected wrapped ErrBusUnavailable, got %v", err)
	}
}

func TestConsumeClaimMarksAndCommits(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := NewWithProducer(producer, nil, nil, nil)
	defer bus.Close()

	var got []string
	h := &groupHandler{bus: bus, handler: func(_ context.Context, m *syncbus.Message) error {
		got = append(got, m.Key+"="+string(m.Value)+"|"+m.Headers["h"])
		return nil
	}}
	claim := newClaim("orders",
		&sarama.ConsumerMessage{Topic: "orders", Key: []byte("o1"), Value: []byte("a"), Offset: 0,
			Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("v")}}},
		&sarama.ConsumerMessage{Topic: "orders", Key: []byte("o1"), Value: []byte("b"), Offset: 1},
	)
	session := &fakeSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(got) != 2 || got[0] != "o1=a|v" || got[1] != "o1=b|" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if len(session.marked) != 2 || session.commits != 2 {
		t.Fatalf("expected 2 marks and commits, got %v / %d", session.marked, session.commits)
	}
}

func TestConsumeClaimDeadLettersAfterRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "poison" {
			return errors.New("dead letter carries the wrong payload")
		}
		return nil
	})
	bus := NewWithProducer(producer, nil, nil, nil)
	defer bus.Close()

	calls := 0
	h := &groupHandler{
		bus:     bus,
		handler: func(context.Context, *syncbus.Message) error { calls++; return errors.New("boom") },
		opts:    syncbus.SubscribeOptions{MaxRetries: 2, RetryBackoff: time.Millisecond, SendToDLQOnFailure: true, AutoCommit: true},
	}
	session := &fakeSession{ctx: context.Background()}
	claim := newClaim("payments", &sarama.ConsumerMessage{Topic: "payments", Key: []byte("o2"), Value: []byte("poison"), Offset: 7})
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(session.marked) != 1 || session.marked[0] != 7 || session.commits != 0 {
		t.Fatalf("expected offset 7 marked without explicit commit, got %v / %d", session.marked, session.commits)
	}
	if m := bus.Metrics(); m.DeadLettered != 1 {
		t.Fatalf("expected one dead letter, got %+v", m)
	}
}

func TestConsumeClaimStopsWithoutDeadLetter(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := NewWithProducer(producer, nil, nil, nil)
	defer bus.Close()

	h := &groupHandler{
		bus:     bus,
		handler: func(context.Context, *syncbus.Message) error { return errors.New("boom") },
	}
	session := &fakeSession{ctx: context.Background()}
	claim := newClaim("payments",
		&sarama.ConsumerMessage{Topic: "payments", Key: []byte("o3"), Offset: 0},
		&sarama.ConsumerMessage{Topic: "payments", Key: []byte("o3"), Offset: 1},
	)
	err := h.ConsumeClaim(session, claim)
	if !errors.Is(err, fenceerrors.ErrHandlerFailure) {
		t.Fatalf("expected handler failure, got %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message was marked: %v", session.marked)
	}
}

func TestGroupConfigFollowsOptions(t *testing.T) {
	bus := NewWithProducer(mocks.NewSyncProducer(t, nil), nil, nil, nil)
	defer bus.Close()
	c := bus.groupConfig(syncbus.SubscribeOptions{FromBeginning: true, AutoCommit: false})
	if c.Consumer.Offsets.Initial != sarama.OffsetOldest || c.Consumer.Offsets.AutoCommit.Enable {
		t.Fatalf("unexpected consumer config: %+v", c.Consumer.Offsets)
	}
	c = bus.groupConfig(syncbus.SubscribeOptions{AutoCommit: true})
	if c.Consumer.Offsets.Initial != sarama.OffsetNewest || !c.Consumer.Offsets.AutoCommit.Enable {
		t.Fatalf("unexpected consumer config: %+v", c.Consumer.Offsets)
	}
	if bus.cfg.Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Fatal("groupConfig mutated the shared config")
	}
}

func TestKafkaRoundTrip(t *testing.T) {
	addr := os.Getenv("FENCE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("FENCE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	bus, err := New([]string{addr}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topic := "test-" + uuid.NewString()
	got := make(chan *syncbus.Message, 1)
	err = bus.Subscribe(ctx, "g-"+uuid.NewString(), []string{topic}, func(_ context.Context, m *syncbus.Message) error {
		got <- m
		return nil
	}, syncbus.SubscribeOptions{FromBeginning: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(ctx, topic, "o1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-got:
		if m.Key != "o1" || string(m.Value) != "hello" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
