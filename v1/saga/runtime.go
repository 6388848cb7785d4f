package saga

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/dedup"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fence/v1/saga")

// GroupFor returns the consumer group a participant subscribes with.
func GroupFor(p Participant) string {
	return p.Name() + "-service"
}

// Runtime connects participants to a bus.
type Runtime struct {
	bus    syncbus.Bus
	dedup  dedup.Deduplicator
	logger *zap.Logger
	opts   syncbus.SubscribeOptions
}

// NewRuntime returns a Runtime. A nil deduplicator hands every delivery to
// the participant.
func NewRuntime(bus syncbus.Bus, d dedup.Deduplicator, l *zap.Logger, opts syncbus.SubscribeOptions) *Runtime {
	return &Runtime{bus: bus, dedup: d, logger: logger.OrNop(l), opts: opts}
}

// Start subscribes p to its topics until ctx is done.
func (r *Runtime) Start(ctx context.Context, p Participant) error {
	if err := r.bus.Subscribe(ctx, GroupFor(p), p.Topics(), r.Handler(p), r.opts); err != nil {
		return fmt.Errorf("saga: start %s: %w", p.Name(), err)
	}
	logger.Info(ctx, r.logger, "participant started",
		zap.String("participant", p.Name()), zap.Strings("topics", p.Topics()))
	return nil
}

// Handler decodes bus messages for p and drops deliveries already handled.
// A delivery whose event is still claimed by another handler fails with
// ErrHandlerFailure so the bus retries it.
func (r *Runtime) Handler(p Participant) syncbus.Handler {
	return func(ctx context.Context, msg *syncbus.Message) error {
		e, err := DecodeEvent(msg.Value)
		if err != nil {
			logger.Error(ctx, r.logger, "malformed event",
				zap.String("participant", p.Name()), zap.String("topic", msg.Topic), zap.Error(err))
			return err
		}
		ctx, span := tracer.Start(ctx, p.Name()+".handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("saga.participant", p.Name()),
				attribute.String("saga.event_type", string(e.Type)),
				attribute.String("saga.event_id", e.ID),
				attribute.String("saga.order_id", e.CorrelationKey),
			))
		defer span.End()

		fields := []zap.Field{
			zap.String("participant", p.Name()),
			zap.String("event_type", string(e.Type)),
			zap.String("event_id", e.ID),
			zap.String("order_id", e.CorrelationKey),
		}
		id := p.Name() + ":" + e.ID
		if r.dedup != nil {
			outcome, err := r.dedup.Claim(ctx, id)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			switch outcome {
			case dedup.Processed:
				metrics.EventsHandled.WithLabelValues(msg.Topic, "duplicate").Inc()
				logger.Debug(ctx, r.logger, "duplicate event skipped", fields...)
				return nil
			case dedup.InFlight:
				// Leave the delivery unacknowledged until the other claim
				// commits or lapses.
				err := fmt.Errorf("saga: event %s is in flight: %w", id, fenceerrors.ErrHandlerFailure)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				logger.Debug(ctx, r.logger, "event claimed elsewhere", fields...)
				return err
			}
		}

		if err := p.Handle(ctx, e); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn(ctx, r.logger, "event handling failed", append(fields, zap.Error(err))...)
			if r.dedup != nil {
				if ferr := r.dedup.Forget(ctx, id); ferr != nil {
					logger.Error(ctx, r.logger, "failed to forget claim", append(fields, zap.Error(ferr))...)
				}
			}
			return err
		}
		if r.dedup != nil {
			if err := r.dedup.Commit(ctx, id); err != nil {
				logger.Warn(ctx, r.logger, "failed to commit processed event", append(fields, zap.Error(err))...)
			}
		}
		logger.Debug(ctx, r.logger, "event handled", fields...)
		return nil
	}
}

// ReconcileEvery calls Reconcile on every participant at each interval until
// ctx is done.
func (r *Runtime) ReconcileEvery(ctx context.Context, interval time.Duration, ps ...Participant) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, p := range ps {
				n, err := p.Reconcile(ctx)
				if err != nil {
					logger.Warn(ctx, r.logger, "reconcile incomplete",
						zap.String("participant", p.Name()), zap.Int("flushed", n), zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info(ctx, r.logger, "pending events flushed",
						zap.String("participant", p.Name()), zap.Int("flushed", n))
				}
			}
		}
	}
}
