// Package health provides health status tracking for the gateway and its
// backend services.
//
// A Monitor aggregates per-component Status values (healthy, degraded,
// unhealthy) under a read-write lock; components push updates and HTTP
// health endpoints read the aggregate. Status messages built from errors
// are sanitized before exposure so URLs, file paths, IP addresses, ports
// and credentials never leak through a health endpoint.
//
// Typical usage:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("relay", "37 sessions connected")
//	monitor.Update("nats", health.FromError("nats", err))
//
//	status := monitor.AggregateHealth("gateway")
//	if status.IsUnhealthy() { ... }
package health
