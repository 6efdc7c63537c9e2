// Package metrics exposes stream client activity as Prometheus metrics.
//
// Key metrics:
//   - connection state and transitions
//   - frames sent and received by kind, decode errors
//   - reconnect delays and outbound queue evictions
//   - handler dispatch outcomes
package metrics
