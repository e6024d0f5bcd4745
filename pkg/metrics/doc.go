// Package metrics provides Prometheus instrumentation and a small process
// health registry shared by the agent, operator CLI, and proxy updater.
//
// Domain counters and gauges live in metrics.go. The process health
// registry in health.go is a separate, lighter-weight concern: it lets a process
// register named components (e.g. "coordinator") and exposes /health,
// /ready, and /live handlers for container orchestrators, independent of
// whatever the agent's own HealthProbe chain is doing for node freezing.
package metrics
