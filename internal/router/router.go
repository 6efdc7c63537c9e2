// Package router delivers decoded inbound events to subscription handlers.
package router

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
	"github.com/rickgao/lighter-stream/internal/subscription"
)

// HandlerSource resolves the handlers of a channel key.
type HandlerSource interface {
	Handlers(key channel.Key) []subscription.Handler
}

// ErrorHandler receives handler failures. It is called on the dispatching
// goroutine and must not block.
type ErrorHandler func(err error)

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	Channel channel.Key
	Index   int // position in registration order
	Err     error
	Panic   any
	Stack   []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %d for %s panicked: %v", e.Index, e.Channel, e.Panic)
	}
	return fmt.Sprintf("handler %d for %s: %v", e.Index, e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Stats contains runtime statistics.
type Stats struct {
	Dispatched    int64 // events that matched a subscription
	Delivered     int64 // handler invocations that succeeded
	Unrouted      int64 // events dropped for lack of a subscription
	HandlerErrors int64 // handler invocations that failed or panicked
}

// Router looks up subscriptions by canonical channel key. Colon and slash
// forms of a channel resolve to the same key before lookup.
type Router struct {
	source  HandlerSource
	onError ErrorHandler
	logger  *slog.Logger

	dispatched    atomic.Int64
	delivered     atomic.Int64
	unrouted      atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a Router. onError may be nil.
func New(source HandlerSource, onError ErrorHandler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		source:  source,
		onError: onError,
		logger:  logger.With("component", "router"),
	}
}

// Dispatch invokes every handler registered for ev's channel in registration
// order and returns how many completed without error. Events without a
// channel or for unknown channels are dropped.
func (r *Router) Dispatch(ev codec.Event) int {
	key := ev.Channel
	if key.IsZero() && ev.RawChannel != "" {
		k, err := channel.Parse(ev.RawChannel)
		if err == nil {
			key = k
		}
	}
	if key.IsZero() {
		r.unrouted.Add(1)
		r.logger.Debug("dropping event without channel", "type", ev.Type)
		return 0
	}

	handlers := r.source.Handlers(key)
	if len(handlers) == 0 {
		r.unrouted.Add(1)
		r.logger.Debug("dropping event for unknown channel", "channel", key.String(), "type", ev.Type)
		return 0
	}
	r.dispatched.Add(1)

	ev.Channel = key
	delivered := 0
	for i, h := range handlers {
		if err := r.invoke(key, i, h, ev); err != nil {
			r.handlerErrors.Add(1)
			r.logger.Warn("handler failed", "channel", key.String(), "index", i, "error", err)
			if r.onError != nil {
				r.onError(err)
			}
			continue
		}
		delivered++
	}
	r.delivered.Add(int64(delivered))
	return delivered
}

// invoke runs one handler, converting a panic or returned error into a
// *HandlerError.
func (r *Router) invoke(key channel.Key, index int, h subscription.Handler, ev codec.Event) (herr error) {
	defer func() {
		if p := recover(); p != nil {
			herr = &HandlerError{Channel: key, Index: index, Panic: p, Stack: debug.Stack()}
		}
	}()

	if err := h(ev); err != nil {
		return &HandlerError{Channel: key, Index: index, Err: err}
	}
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched:    r.dispatched.Load(),
		Delivered:     r.delivered.Load(),
		Unrouted:      r.unrouted.Load(),
		HandlerErrors: r.handlerErrors.Load(),
	}
}
