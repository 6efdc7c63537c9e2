// Package connection owns the single physical WebSocket connection to the
// venue and the state machine around it.
//
// The Manager moves through Idle, Connecting, Open, Authenticating,
// Reconnecting and Closed. Each Connect starts one run goroutine that owns the
// socket, the heartbeat and the reconnect timer; every other goroutine talks
// to it through events. On every entry into Open the manager fetches missing
// auth tokens, replays the subscription registry (one subscribe per channel),
// flushes queued outbound frames and starts the heartbeat.
//
// Losing the socket never loses subscriptions: the registry is the source of
// truth and is replayed on the next Open after an exponential backoff.
package connection
