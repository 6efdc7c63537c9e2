package stream

import (
	"context"
	"errors"

	"github.com/rickgao/lighter-stream/internal/auth"
	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
	"github.com/rickgao/lighter-stream/internal/connection"
	"github.com/rickgao/lighter-stream/internal/router"
	"github.com/rickgao/lighter-stream/internal/subscription"
)

// Re-exported types.
type (
	Event          = codec.Event
	Handler        = subscription.Handler
	SubscriptionID = subscription.HandlerID
	State          = connection.State
	Transition     = connection.Transition
	AuthStatus     = connection.AuthStatus
	HandlerError   = router.HandlerError
	AuthTokenError = auth.AuthTokenError
	SigningError   = auth.SigningError
)

// Connection states.
const (
	StateIdle           = connection.StateIdle
	StateConnecting     = connection.StateConnecting
	StateOpen           = connection.StateOpen
	StateAuthenticating = connection.StateAuthenticating
	StateReconnecting   = connection.StateReconnecting
	StateClosed         = connection.StateClosed
)

// Errors
var (
	ErrInvalidChannel = channel.ErrInvalidKey
	ErrNilHandler     = subscription.ErrNilHandler
	ErrAuthUpgrade    = subscription.ErrAuthUpgrade
	ErrNoTokenSource  = auth.ErrNoTokenSource
	ErrClosed         = connection.ErrClosed
	ErrAuthRejected   = connection.ErrAuthRejected
	ErrNoEndpoint     = errors.New("stream: URL or Dialer is required")
)

// Stats is a point-in-time view of the client.
type Stats struct {
	connection.Stats
	Router        router.Stats
	Subscriptions int
}

// Client is a multiplexing stream client. All methods are safe for
// concurrent use, except that Connect and Disconnect must not be called from
// inside a Handler.
type Client struct {
	registry *subscription.Registry
	router   *router.Router
	manager  *connection.Manager
	provider *auth.Provider
	tokens   connection.TokenSource
}

// New builds a Client in StateIdle. It does not connect.
func New(opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		if opts.URL == "" {
			return nil, ErrNoEndpoint
		}
		tc := opts.Transport
		tc.URL = opts.URL
		if opts.Header != nil {
			tc.Header = opts.Header
		}
		dialer = connection.NewWebsocketDialer(tc, opts.Logger)
	}

	c := &Client{registry: subscription.NewRegistry()}

	c.tokens = opts.TokenSource
	if c.tokens == nil && opts.Signer != nil {
		c.provider = auth.NewProvider(opts.Signer, auth.ProviderConfig{
			APIKeyIndex:   opts.APIKeyIndex,
			TTL:           opts.TokenTTL,
			RefreshBefore: opts.RefreshBefore,
		}, opts.Logger)
		c.tokens = c.provider
	}

	c.router = router.New(c.registry, opts.OnHandlerError, opts.Logger)
	c.manager = connection.NewManager(opts.Connection, connection.Deps{
		Dialer:        dialer,
		Registry:      c.registry,
		Dispatcher:    c.router,
		Tokens:        c.tokens,
		Metrics:       opts.Metrics,
		OnTransition:  opts.OnTransition,
		OnAuthStatus:  opts.OnAuthStatus,
		OnServerError: opts.OnServerError,
		Logger:        opts.Logger,
	})
	return c, nil
}

// Connect opens the connection and blocks until it is first Open or ctx is
// done. If ctx expires first, ctx.Err() is returned while reconnect attempts
// continue in the background. An *AuthTokenError means the connection is up
// but some account channels could not be authenticated.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect closes the connection and stops all timers. Subscriptions are
// kept and replayed by a later Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.manager.Disconnect(ctx)
}

// Close disconnects and releases the token provider.
func (c *Client) Close(ctx context.Context) error {
	err := c.manager.Disconnect(ctx)
	if c.provider != nil {
		c.provider.Close()
	}
	return err
}

// Subscribe registers h for a channel such as ("order_book", "1") or
// ("account_all_orders", "42"). The first handler for a channel sends a
// subscribe frame when connected; later handlers only join the fan-out.
// Adding WithAuth to a channel already subscribed without it returns
// ErrAuthUpgrade.
func (c *Client) Subscribe(channelName, param string, h Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	key, err := channel.New(channelName, param)
	if err != nil {
		return 0, err
	}

	var o subscription.Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.RequiresAuth && o.Token == "" && c.tokens == nil {
		return 0, ErrNoTokenSource
	}

	id, created, err := c.registry.Add(key, h, o)
	if err != nil {
		return 0, err
	}
	if created {
		c.manager.Subscribed(key)
	}
	return id, nil
}

// Unsubscribe removes the given handlers from a channel, or every handler if
// ids is empty. The unsubscribe frame goes out when the last handler is
// removed. Unknown channels are a no-op.
func (c *Client) Unsubscribe(channelName, param string, ids ...SubscriptionID) error {
	key, err := channel.New(channelName, param)
	if err != nil {
		return err
	}
	if emptied, session := c.registry.Detach(key, ids...); emptied {
		c.manager.Unsubscribed(key, session)
	}
	return nil
}

// SendTx submits a signed transaction blob over the stream. It is queued
// while disconnected and flushed on the next Open.
func (c *Client) SendTx(ctx context.Context, txType uint8, txInfo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.manager.Send(codec.SendTx(int(txType), []byte(txInfo)))
}

// SendTxBatch submits several signed transactions in one frame.
func (c *Client) SendTxBatch(ctx context.Context, txTypes []uint8, txInfos []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	types := make([]int, len(txTypes))
	for i, t := range txTypes {
		types[i] = int(t)
	}
	f, err := codec.SendTxBatch(types, txInfos)
	if err != nil {
		return err
	}
	return c.manager.Send(f)
}

// State returns the connection state.
func (c *Client) State() State { return c.manager.State() }

// IsConnected reports whether the physical connection is up.
func (c *Client) IsConnected() bool { return c.manager.IsConnected() }

// IsAuthenticated reports whether the server acknowledged auth on the
// current connection.
func (c *Client) IsAuthenticated() bool { return c.manager.IsAuthenticated() }

// Subscribed reports whether any handler is registered for the channel.
func (c *Client) Subscribed(channelName, param string) bool {
	key, err := channel.New(channelName, param)
	if err != nil {
		return false
	}
	return c.registry.Contains(key)
}

// Stats returns current statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Stats:         c.manager.Stats(),
		Router:        c.router.Stats(),
		Subscriptions: c.registry.Len(),
	}
}
