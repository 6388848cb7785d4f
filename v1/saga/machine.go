package saga

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	"github.com/mirkobrombin/go-fence/v1/lock"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

// ErrPending reports that a transition was stored but some of its events
// could not be published yet. They stay in the record and go out on the next
// delivery for the same order or on Reconcile.
var ErrPending = stdErrors.New("saga: events pending publication")

// HeaderEventType is set on every published event.
const HeaderEventType = "event-type"

// Record is what a participant stores per order: its local state plus the
// events it decided to emit and has not published yet.
type Record[S any] struct {
	State   S       `json:"state"`
	Pending []Event `json:"pending,omitempty"`
}

type labeled interface {
	label() string
}

type transition[S labeled] func(ctx context.Context, cur S, found bool) (S, *Outgoing, bool, error)

type options struct {
	locks    *lock.Manager
	lockOpts lock.Options
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a participant.
type Option func(*options)

// WithLocks serialises every transition of one order behind a distributed
// lock on "saga:<participant>:<order id>".
func WithLocks(m *lock.Manager, opts lock.Options) Option {
	return func(o *options) {
		o.locks = m
		o.lockOpts = opts
	}
}

// WithLogger sets the participant logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logger.OrNop(o.logger)
	return o
}

type machine[S labeled] struct {
	name  string
	store adapter.Store[Record[S]]
	pub   syncbus.Publisher
	options
}

func newMachine[S labeled](name string, store adapter.Store[Record[S]], pub syncbus.Publisher, opts []Option) *machine[S] {
	return &machine[S]{name: name, store: store, pub: pub, options: buildOptions(opts)}
}

func (m *machine[S]) lockKey(key string) string {
	return "saga:" + m.name + ":" + key
}

func (m *machine[S]) serialised(ctx context.Context, key string, fn func(ctx context.Context) (S, error)) (S, error) {
	if m.locks == nil {
		return fn(ctx)
	}
	return lock.Do(ctx, m.locks, m.lockKey(key), m.lockOpts, fn)
}

// apply loads the record for key, publishes whatever an earlier attempt left
// pending, runs fn and stores the result together with its outgoing event
// before publishing it.
func (m *machine[S]) apply(ctx context.Context, key string, fn transition[S]) (S, error) {
	return m.serialised(ctx, key, func(ctx context.Context) (S, error) {
		rec, found, err := m.store.Get(ctx, key)
		if err != nil {
			return rec.State, fmt.Errorf("saga: %s load %s: %w", m.name, key, err)
		}
		if err := m.flush(ctx, key, &rec); err != nil {
			return rec.State, err
		}

		next, out, changed, err := fn(ctx, rec.State, found)
		if err != nil || !changed {
			return rec.State, err
		}
		rec.State = next
		if out != nil {
			ev, err := NewEvent(out.Type, key, out.Payload, m.now())
			if err != nil {
				return rec.State, err
			}
			rec.Pending = append(rec.Pending, ev)
		}
		if err := m.store.Set(ctx, key, rec); err != nil {
			return rec.State, fmt.Errorf("saga: %s save %s: %w", m.name, key, err)
		}
		metrics.SagaTransitions.WithLabelValues(m.name, next.label()).Inc()
		logger.Info(ctx, m.logger, "saga transition",
			zap.String("participant", m.name), zap.String("order_id", key), zap.String("status", next.label()))
		return rec.State, m.flush(ctx, key, &rec)
	})
}

// flush publishes rec.Pending in order and stores what is left.
func (m *machine[S]) flush(ctx context.Context, key string, rec *Record[S]) error {
	if len(rec.Pending) == 0 {
		return nil
	}
	var pubErr error
	sent := 0
	for _, ev := range rec.Pending {
		if pubErr = m.publish(ctx, ev); pubErr != nil {
			break
		}
		sent++
	}
	if sent > 0 {
		rec.Pending = append([]Event(nil), rec.Pending[sent:]...)
		if len(rec.Pending) == 0 {
			rec.Pending = nil
		}
		if err := m.store.Set(ctx, key, *rec); err != nil {
			return fmt.Errorf("saga: %s save %s: %w", m.name, key, err)
		}
	}
	if pubErr != nil {
		logger.Warn(ctx, m.logger, "event publication deferred",
			zap.String("participant", m.name), zap.String("order_id", key),
			zap.Int("pending", len(rec.Pending)), zap.Error(pubErr))
		return fmt.Errorf("%w: %s %s: %w", ErrPending, m.name, key, pubErr)
	}
	return nil
}

func (m *machine[S]) publish(ctx context.Context, ev Event) error {
	topic, err := TopicFor(ev.Type)
	if err != nil {
		return err
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return m.pub.Publish(ctx, topic, ev.CorrelationKey, data, syncbus.WithHeader(HeaderEventType, string(ev.Type)))
}

func (m *machine[S]) get(ctx context.Context, key string) (S, bool, error) {
	rec, found, err := m.store.Get(ctx, key)
	return rec.State, found, err
}

func (m *machine[S]) list(ctx context.Context) ([]S, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]S, 0, len(keys))
	for _, k := range keys {
		rec, found, err := m.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec.State)
		}
	}
	return out, nil
}

// reconcile flushes every record that still holds pending events and
// returns how many records were fully flushed.
func (m *machine[S]) reconcile(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var (
		flushed int
		errs    []error
	)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		rec, found, err := m.store.Get(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found || len(rec.Pending) == 0 {
			continue
		}
		_, err = m.serialised(ctx, k, func(ctx context.Context) (S, error) {
			rec, _, err := m.store.Get(ctx, k)
			if err != nil {
				return rec.State, err
			}
			return rec.State, m.flush(ctx, k, &rec)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	return flushed, stdErrors.Join(errs...)
}
