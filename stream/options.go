package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/lighter-stream/internal/auth"
	"github.com/rickgao/lighter-stream/internal/connection"
	"github.com/rickgao/lighter-stream/internal/router"
	"github.com/rickgao/lighter-stream/internal/subscription"
)

// Venue endpoints.
const (
	MainnetURL = "wss://mainnet.zklighter.elliot.ai/stream"
	TestnetURL = "wss://testnet.zklighter.elliot.ai/stream"
)

// Options configures a Client. Either URL or Dialer is required.
type Options struct {
	URL    string
	Header http.Header

	// Dialer replaces the websocket transport, mainly for tests.
	Dialer connection.Dialer

	// Connection tunes reconnect backoff, heartbeat and the outbound queue.
	// Zero fields take defaults.
	Connection connection.Config

	// Transport tunes the websocket. URL and Header above take precedence.
	Transport connection.ClientConfig

	// Signer issues auth tokens for account channels. TokenSource, when set,
	// is used instead and Signer is ignored.
	Signer        auth.Signer
	TokenSource   connection.TokenSource
	APIKeyIndex   uint8
	TokenTTL      time.Duration
	RefreshBefore time.Duration

	Metrics        connection.Metrics
	OnTransition   connection.TransitionObserver
	OnAuthStatus   connection.AuthStatusHandler
	OnHandlerError router.ErrorHandler
	OnServerError  func(Event)

	Logger *slog.Logger
}

// SubscribeOption adjusts a single Subscribe call.
type SubscribeOption func(*subscription.Options)

// WithAuth marks the subscription as requiring an auth token from the
// client's token source.
func WithAuth() SubscribeOption {
	return func(o *subscription.Options) { o.RequiresAuth = true }
}

// WithToken authenticates the subscription with a caller-supplied token. The
// token is never refreshed.
func WithToken(token string) SubscribeOption {
	return func(o *subscription.Options) {
		o.RequiresAuth = true
		o.Token = token
	}
}

// WithAccount sets the account whose token authenticates the subscription.
// By default it is the last segment of the channel parameter.
func WithAccount(account string) SubscribeOption {
	return func(o *subscription.Options) { o.Account = account }
}
