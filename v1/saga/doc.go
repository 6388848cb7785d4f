// Package saga runs the order, payment and inventory participants of a
// choreographed order saga. There is no coordinator: each participant keeps
// its own records, reacts to events on the bus and publishes the next ones.
//
// Every order's events are keyed by the order id, so they are delivered in
// publication order to each participant. Delivery is at least once; the
// Runtime drops duplicates through a dedup.Deduplicator and the transitions
// themselves ignore events that no longer apply.
package saga
