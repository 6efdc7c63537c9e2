// Package relay fans stream updates out to Redis.
//
// Every update is published on "<prefix>:<channel>/<param>" and the latest
// payload is cached under the same key with a TTL, so late readers can fetch
// current state without subscribing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
)

// ErrBufferFull is returned by Handle when the relay cannot keep up.
var ErrBufferFull = errors.New("relay buffer full")

// Store is the subset of *redis.Client the relay uses.
type Store interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Options configures a Relay.
type Options struct {
	Prefix       string
	TTL          time.Duration
	BufferSize   int
	WriteTimeout time.Duration
}

// Stats counts relay activity.
type Stats struct {
	Published int64
	Dropped   int64
	Errors    int64
}

// Relay publishes updates to Redis from a single worker goroutine.
type Relay struct {
	store  Store
	opts   Options
	logger *slog.Logger
	input  chan codec.Event

	published atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options, logger *slog.Logger) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return New(client, opts, logger), nil
}

// New wraps an existing store.
func New(store Store, opts Options, logger *slog.Logger) *Relay {
	if opts.Prefix == "" {
		opts.Prefix = "lighter"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "relay"),
		input:  make(chan codec.Event, opts.BufferSize),
	}
}

// Key returns the Redis key and pub/sub channel for a stream channel.
func (r *Relay) Key(k channel.Key) string {
	return r.opts.Prefix + ":" + k.String()
}

// Handle queues ev for publishing. It has the subscription handler signature
// and never blocks the dispatching goroutine.
func (r *Relay) Handle(ev codec.Event) error {
	if ev.Kind != codec.KindUpdate {
		return nil
	}
	select {
	case r.input <- ev:
		return nil
	default:
		r.dropped.Add(1)
		return ErrBufferFull
	}
}

// Run publishes queued updates until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.input:
			if err := r.publish(ctx, ev); err != nil {
				r.errors.Add(1)
				r.logger.Warn("relay publish failed", "channel", ev.Channel.String(), "error", err)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev codec.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	key := r.Key(ev.Channel)
	if err := r.store.Publish(ctx, key, ev.Payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if err := r.store.Set(ctx, key, ev.Payload, r.opts.TTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	r.published.Add(1)
	return nil
}

// Latest returns the cached payload for k, or nil if none is cached.
func (r *Relay) Latest(ctx context.Context, k channel.Key) ([]byte, error) {
	data, err := r.store.Get(ctx, r.Key(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest %s: %w", k.String(), err)
	}
	return data, nil
}

// Ping checks the Redis connection.
func (r *Relay) Ping(ctx context.Context) error {
	return r.store.Ping(ctx).Err()
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Errors:    r.errors.Load(),
	}
}

// Close closes the underlying store.
func (r *Relay) Close() error {
	return r.store.Close()
}
