// Package metrics registers the Prometheus metrics surface described in
// the external-interfaces section of the scheduler spec: work-queue
// length, per-job/per-status task counts, preemption outcomes, and state
// transitions. Metrics are package-level and registered at init time.
package metrics
