// Package metrics exports Roost's Prometheus collectors: task state gauges,
// the illegal-transition counter, scheduling attempt and preemption counters,
// and storage snapshot/backup instrumentation. Register once at startup and
// serve Handler() under /metrics.
package metrics
