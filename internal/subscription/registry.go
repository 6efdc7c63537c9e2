// Package subscription holds the set of logical subscriptions the client wants.
//
// The Registry is the source of truth replayed after every reconnect, so it
// only ever contains keys with at least one live handler. It is shared between
// the public facade and the connection manager and guards itself with a mutex.
package subscription

import (
	"errors"
	"sync"
	"time"

	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
)

// ErrNilHandler is returned when Add is called without a handler.
var ErrNilHandler = errors.New("nil handler")

// ErrAuthUpgrade is returned when Add asks for auth on a key that is already
// subscribed without it. Unsubscribe first, then subscribe again with auth.
var ErrAuthUpgrade = errors.New("subscription already exists without auth")

// Handler receives events for one subscription. A returned error is reported
// through the router's error channel; it never affects other handlers.
type Handler func(ev codec.Event) error

// HandlerID identifies one registered handler. Funcs are not comparable in
// Go, so removal is by ID.
type HandlerID uint64

// Options describe the auth requirement of a subscription.
type Options struct {
	RequiresAuth bool
	// Token is a caller-supplied auth token. When set the subscription is
	// never refreshed through the token provider.
	Token string
	// Account overrides the account key used to fetch tokens. Defaults to
	// the last segment of the channel parameter.
	Account string
}

// Entry is a read-only copy of one subscription.
type Entry struct {
	Key          channel.Key
	RequiresAuth bool
	Account      string
	Token        string
	TokenExpiry  time.Time
	StaticToken  bool
	HandlerCount int
}

// HasValidToken reports whether the entry carries a token that is still valid
// at now. Static tokens have no known expiry and are always considered valid.
func (e Entry) HasValidToken(now time.Time) bool {
	if e.Token == "" {
		return false
	}
	if e.StaticToken || e.TokenExpiry.IsZero() {
		return true
	}
	return now.Before(e.TokenExpiry)
}

type handlerRef struct {
	id HandlerID
	fn Handler
}

type subscription struct {
	key          channel.Key
	handlers     []handlerRef
	requiresAuth bool
	account      string
	staticToken  bool
	token        string
	expiry       time.Time
	sentSession  uint64
}

// Registry stores subscriptions keyed by channel.Key in insertion order.
type Registry struct {
	mu     sync.RWMutex
	order  []channel.Key
	subs   map[channel.Key]*subscription
	nextID HandlerID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[channel.Key]*subscription),
	}
}

// Add registers fn under key. If key already exists the handler is appended
// and created is false; no new wire frame is needed in that case. Asking for
// auth on an existing unauthenticated key fails with ErrAuthUpgrade.
func (r *Registry) Add(key channel.Key, fn Handler, opts Options) (id HandlerID, created bool, err error) {
	if fn == nil {
		return 0, false, ErrNilHandler
	}
	if key.IsZero() {
		return 0, false, channel.ErrInvalidKey
	}

	wantsAuth := opts.RequiresAuth || opts.Token != ""

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if ok && wantsAuth && !sub.requiresAuth {
		return 0, false, ErrAuthUpgrade
	}

	r.nextID++
	id = r.nextID

	if !ok {
		sub = &subscription{key: key}
		r.subs[key] = sub
		r.order = append(r.order, key)
		created = true
	}

	sub.handlers = append(sub.handlers, handlerRef{id: id, fn: fn})

	if wantsAuth {
		sub.requiresAuth = true
	}
	if sub.account == "" {
		sub.account = opts.Account
		if sub.account == "" {
			sub.account = key.Account()
		}
	}
	if opts.Token != "" {
		sub.token = opts.Token
		sub.staticToken = true
		sub.expiry = time.Time{}
	}

	return id, created, nil
}

// Remove deletes the handlers with the given IDs from key, or every handler
// when ids is empty. emptied reports that the subscription was deleted as a
// result. Removing from an unknown key is a no-op.
func (r *Registry) Remove(key channel.Key, ids ...HandlerID) (emptied bool) {
	emptied, _ = r.Detach(key, ids...)
	return emptied
}

// Detach is Remove that also returns the session the subscription was last
// sent on, read under the same lock. sentSession is 0 if it never went out.
func (r *Registry) Detach(key channel.Key, ids ...HandlerID) (emptied bool, sentSession uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return false, 0
	}

	if len(ids) == 0 {
		sub.handlers = nil
	} else {
		drop := make(map[HandlerID]struct{}, len(ids))
		for _, id := range ids {
			drop[id] = struct{}{}
		}
		kept := sub.handlers[:0]
		for _, h := range sub.handlers {
			if _, gone := drop[h.id]; !gone {
				kept = append(kept, h)
			}
		}
		sub.handlers = kept
	}

	if len(sub.handlers) > 0 {
		return false, 0
	}

	delete(r.subs, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, sub.sentSession
}

// Contains reports whether key is registered.
func (r *Registry) Contains(key channel.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[key]
	return ok
}

// Len returns the number of distinct keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Get returns a copy of the entry for key.
func (r *Registry) Get(key channel.Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[key]
	if !ok {
		return Entry{}, false
	}
	return sub.entry(), true
}

// Snapshot returns copies of all entries in insertion order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.subs[k].entry())
	}
	return out
}

// Handlers returns the handlers of key in registration order.
func (r *Registry) Handlers(key channel.Key) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[key]
	if !ok {
		return nil
	}
	out := make([]Handler, len(sub.handlers))
	for i, h := range sub.handlers {
		out[i] = h.fn
	}
	return out
}

// SetAccountToken stores token on every auth subscription of account that
// does not carry a caller-supplied token. It returns the affected keys.
func (r *Registry) SetAccountToken(account, token string, expiry time.Time) []channel.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []channel.Key
	for _, k := range r.order {
		sub := r.subs[k]
		if !sub.requiresAuth || sub.staticToken || sub.account != account {
			continue
		}
		sub.token = token
		sub.expiry = expiry
		keys = append(keys, k)
	}
	return keys
}

// ClearToken marks key unauthenticated. Caller-supplied tokens are cleared
// too; they cannot be refreshed and must not be replayed after a rejection.
func (r *Registry) ClearToken(key channel.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok && sub.requiresAuth {
		sub.token = ""
		sub.expiry = time.Time{}
	}
}

// MarkSent records that a subscribe frame for key went out on session. It
// returns false if one was already sent on that session or the key is gone,
// which is how duplicate subscribe frames are suppressed.
func (r *Registry) MarkSent(key channel.Key, session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok || sub.sentSession == session {
		return false
	}
	sub.sentSession = session
	return true
}

// ClearSent forgets the session marker of key so the next replay sends it
// again, e.g. after the server rejected its auth.
func (r *Registry) ClearSent(key channel.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		sub.sentSession = 0
	}
}

// SentOn reports whether a subscribe frame for key went out on session.
func (r *Registry) SentOn(key channel.Key, session uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[key]
	return ok && sub.sentSession == session
}

// AuthAccounts returns the distinct accounts of auth subscriptions that rely
// on the token provider.
func (r *Registry) AuthAccounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, k := range r.order {
		sub := r.subs[k]
		if !sub.requiresAuth || sub.staticToken {
			continue
		}
		if _, ok := seen[sub.account]; ok {
			continue
		}
		seen[sub.account] = struct{}{}
		out = append(out, sub.account)
	}
	return out
}

func (s *subscription) entry() Entry {
	return Entry{
		Key:          s.key,
		RequiresAuth: s.requiresAuth,
		Account:      s.account,
		Token:        s.token,
		TokenExpiry:  s.expiry,
		StaticToken:  s.staticToken,
		HandlerCount: len(s.handlers),
	}
}
