// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Realtime channel phase, sessions and reconnects by reason
//   - Room joins and room protocol errors
//   - Domain events published per topic, dropped messages
package metrics
