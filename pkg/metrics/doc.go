// Package metrics defines Prometheus metrics for the audit relay, covering
// the pending-event queue, delivery attempts per transport, drain cycles,
// capability requests and the cluster brokers.
package metrics
