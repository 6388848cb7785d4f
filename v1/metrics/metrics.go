package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquired tracks successful lock acquisitions.
	LockAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockContended tracks acquisitions rejected because the key was held.
	LockContended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_lock_contended_total",
		Help: "Total number of lock acquisitions that found the key held",
	})
	// LockReleased tracks releases performed by the current owner.
	LockReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_lock_released_total",
		Help: "Total number of owner releases",
	})
	// LockNotOwner tracks release or extend calls from a non-current owner.
	LockNotOwner = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_lock_not_owner_total",
		Help: "Total number of release or extend calls by a non-current owner",
	})
	// FencingIssued tracks fencing tokens handed out.
	FencingIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_tokens_issued_total",
		Help: "Total number of fencing tokens issued",
	})
	// FencingStale tracks writes aborted because their token was superseded.
	FencingStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fence_tokens_stale_total",
		Help: "Total number of writes rejected for a stale fencing token",
	})
	// EventsPublished counts events accepted by the bus, per topic.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fence_events_published_total",
		Help: "Total number of events published",
	}, []string{"topic"})
	// EventsHandled counts handler outcomes, per topic and result.
	EventsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fence_events_handled_total",
		Help: "Total number of event deliveries by outcome",
	}, []string{"topic", "outcome"})
	// EventsDeadLettered counts events routed to a dead-letter topic.
	EventsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fence_events_dead_lettered_total",
		Help: "Total number of events sent to a dead-letter topic",
	}, []string{"topic"})
	// SagaTransitions counts participant state transitions.
	SagaTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fence_saga_transitions_total",
		Help: "Total number of saga state transitions",
	}, []string{"participant", "status"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers lock and fencing metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockAcquired, LockContended, LockReleased, LockNotOwner, FencingIssued, FencingStale)
}

// RegisterSagaMetrics registers bus and saga metrics on the provided registry.
func RegisterSagaMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EventsPublished, EventsHandled, EventsDeadLettered, SagaTransitions)
}
