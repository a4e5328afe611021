// Log levels used across the engine:
//
// Debug: per-request detail
//   - cache hits and misses with their key
//   - strategy decisions (source, staleness), background refreshes
//   - queue state transitions
//
// Info: lifecycle events
//   - version activations and partition sweeps
//   - writes queued for sync, drain summaries
//   - connectivity changes
//   - proxy startup and shutdown, rule table reloads
//
// Warn: degraded but working
//   - cache fallbacks when the network failed or the client is offline
//   - retry attempts, retryable sync failures, server backpressure
//   - partition cleanup failures (retried on the next activation)
//   - rejected rule table reloads
//
// Error: needs attention
//   - queued writes that need resolution (conflict, rejected, exhausted)
//   - cache writes that failed after clearing the namespace
//
// Common fields: component, kind, key, strategy, source, id, resolution,
// error_class.
package logging
